package fallback

import (
	"fmt"
	"time"

	"github.com/g960059/ridewatch/internal/model"
)

// Demo answers every kind from a small fixed fleet. It backs the
// use_demo_data preference, where reads never touch the network.
func Demo() *Registry {
	r := Default()
	r.Register(model.KindVehicle, demoVehicle)
	r.Register(model.KindStudent, demoStudent)
	r.Register(model.KindProfile, demoProfile)
	r.Register(model.KindTrip, demoTrip)
	return r
}

// DemoRoutes are the route ids the demo fleet runs.
var DemoRoutes = []string{"demo-r1", "demo-r2", "demo-r3"}

func demoVehicle(id string, _ Hints, _ time.Time) (any, error) {
	n := int(offsetIndex(id))
	return model.Vehicle{
		ID:        id,
		Plate:     fmt.Sprintf("DEMO-%03d", n),
		Capacity:  24 + 8*(n%3),
		RouteID:   DemoRoutes[n%len(DemoRoutes)],
		Status:    "active",
		Compliant: n%5 != 0,
	}, nil
}

func demoStudent(id string, _ Hints, _ time.Time) (any, error) {
	n := int(offsetIndex(id))
	return model.Student{
		ID:       id,
		Name:     fmt.Sprintf("Demo Student %d", n),
		RouteID:  DemoRoutes[n%len(DemoRoutes)],
		Verified: n%4 != 0,
	}, nil
}

func demoProfile(id string, _ Hints, _ time.Time) (any, error) {
	return model.Profile{
		ID:       id,
		Email:    id + "@demo.invalid",
		FullName: "Demo User",
		Role:     model.RoleParent,
		Verified: true,
	}, nil
}

func demoTrip(id string, hints Hints, now time.Time) (any, error) {
	v, err := PlaceholderTrip(id, hints, now)
	if err != nil {
		return nil, err
	}
	trip := v.(model.Trip)
	trip.ID = "demo-" + id
	return trip, nil
}

func offsetIndex(id string) uint32 {
	var sum uint32
	for _, c := range []byte(id) {
		sum = sum*31 + uint32(c)
	}
	return sum % 1000
}
