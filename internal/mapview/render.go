// Package mapview renders route and vehicle positions. It uses the
// mapping SDK when it loads and otherwise draws a schematic grid, so the
// map region is never left blank.
package mapview

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/g960059/ridewatch/internal/loader"
	"github.com/g960059/ridewatch/internal/model"
)

type Scene struct {
	Route    *model.Route
	Vehicles []model.Location
}

type Options struct {
	Width  int
	Height int
}

// View is the outcome of Render. Err is the SDK failure that forced the
// schematic; it is informational, never fatal.
type View struct {
	Interactive bool
	Namespace   *loader.Namespace
	Text        string
	Err         error
}

// SDK is the part of the loader Render needs.
type SDK interface {
	Load(ctx context.Context) (*loader.Namespace, error)
}

// Render draws scene with the SDK when available and the schematic
// otherwise. A nil sdk always draws the schematic.
func Render(ctx context.Context, sdk SDK, scene Scene, opts Options) View {
	if sdk != nil {
		ns, err := sdk.Load(ctx)
		if err == nil && ns.Has("Map") && ns.Has("Marker") {
			return View{Interactive: true, Namespace: ns, Text: summary(scene, ns)}
		}
		if err == nil {
			err = fmt.Errorf("sdk %s lacks map constructors", ns.Version)
		}
		return View{Text: Schematic(scene, opts), Err: err}
	}
	return View{Text: Schematic(scene, opts)}
}

func summary(scene Scene, ns *loader.Namespace) string {
	stops := 0
	name := "no route"
	if scene.Route != nil {
		stops = len(scene.Route.Stops)
		name = scene.Route.Name
	}
	return fmt.Sprintf("interactive map (sdk %s): %s, %d stops, %d vehicles", ns.Version, name, stops, len(scene.Vehicles))
}

type point struct {
	lat, lng float64
	mark     rune
}

// Schematic projects stops and vehicles onto a character grid. Stops are
// drawn as their sequence digit, vehicles as V, and overlaps as *.
func Schematic(scene Scene, opts Options) string {
	w, h := opts.Width, opts.Height
	if w < 10 {
		w = 40
	}
	if h < 5 {
		h = 12
	}

	var pts []point
	var stops []model.Stop
	if scene.Route != nil {
		stops = append(stops, scene.Route.Stops...)
		sort.SliceStable(stops, func(i, j int) bool { return stops[i].Sequence < stops[j].Sequence })
	}
	for i, s := range stops {
		pts = append(pts, point{lat: s.Lat, lng: s.Lng, mark: stopMark(i)})
	}
	for _, v := range scene.Vehicles {
		pts = append(pts, point{lat: v.Lat, lng: v.Lng, mark: 'V'})
	}

	var b strings.Builder
	title := "schematic view"
	if scene.Route != nil {
		title = fmt.Sprintf("schematic view: %s", scene.Route.Name)
	}
	b.WriteString(title)
	b.WriteByte('\n')
	border := "+" + strings.Repeat("-", w) + "+\n"
	b.WriteString(border)

	grid := make([][]rune, h)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", w))
	}
	if len(pts) > 0 {
		minLat, maxLat, minLng, maxLng := bounds(pts)
		for _, p := range pts {
			col := scale(p.lng, minLng, maxLng, w)
			// Latitude grows northward, rows grow downward.
			row := h - 1 - scale(p.lat, minLat, maxLat, h)
			if grid[row][col] != ' ' && grid[row][col] != p.mark {
				grid[row][col] = '*'
				continue
			}
			grid[row][col] = p.mark
		}
	}
	for _, line := range grid {
		b.WriteByte('|')
		b.WriteString(string(line))
		b.WriteString("|\n")
	}
	b.WriteString(border)

	for i, s := range stops {
		fmt.Fprintf(&b, "%c %s\n", stopMark(i), s.Name)
	}
	for _, v := range scene.Vehicles {
		fmt.Fprintf(&b, "V %s (%.5f, %.5f)\n", v.VehicleID, v.Lat, v.Lng)
	}
	if len(pts) == 0 {
		b.WriteString("no positions to show\n")
	}
	return b.String()
}

func stopMark(i int) rune {
	if i < 9 {
		return rune('1' + i)
	}
	return 'o'
}

func bounds(pts []point) (minLat, maxLat, minLng, maxLng float64) {
	minLat, minLng = math.Inf(1), math.Inf(1)
	maxLat, maxLng = math.Inf(-1), math.Inf(-1)
	for _, p := range pts {
		minLat = math.Min(minLat, p.lat)
		maxLat = math.Max(maxLat, p.lat)
		minLng = math.Min(minLng, p.lng)
		maxLng = math.Max(maxLng, p.lng)
	}
	return minLat, maxLat, minLng, maxLng
}

func scale(v, lo, hi float64, n int) int {
	if hi-lo < 1e-9 {
		return n / 2
	}
	i := int(math.Round((v - lo) / (hi - lo) * float64(n-1)))
	return max(0, min(n-1, i))
}
