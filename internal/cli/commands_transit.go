package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/ridewatch/internal/api"
	"github.com/g960059/ridewatch/internal/app"
	"github.com/g960059/ridewatch/internal/mapview"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/offline"
	"github.com/g960059/ridewatch/internal/transit"
)

// lookupOutput is the JSON shape of every read command.
type lookupOutput[T any] struct {
	Source    model.Source `json:"source"`
	IsOffline bool         `json:"is_offline"`
	Found     bool         `json:"found"`
	CachedAt  *time.Time   `json:"cached_at,omitempty"`
	Data      *T           `json:"data,omitempty"`
}

func toLookupOutput[T any](got transit.Lookup[T]) lookupOutput[T] {
	out := lookupOutput[T]{
		Source:    got.Result.Source,
		IsOffline: got.Result.IsOffline,
		Found:     got.Result.Found,
	}
	if !got.Result.CachedAt.IsZero() {
		at := got.Result.CachedAt.UTC()
		out.CachedAt = &at
	}
	if got.Result.Found {
		v := got.Value
		out.Data = &v
	}
	return out
}

// provenance is the suffix telling the user where a value came from.
func provenance(res offline.Result) string {
	switch {
	case res.IsOffline && !res.CachedAt.IsZero():
		return fmt.Sprintf("(%s, offline, cached %s)", res.Source, res.CachedAt.Local().Format(time.Kitchen))
	case res.IsOffline:
		return fmt.Sprintf("(%s, offline)", res.Source)
	default:
		return fmt.Sprintf("(%s)", res.Source)
	}
}

func (r *Runner) locateCmd() *cobra.Command {
	var lat, lng, heading, speed float64
	cmd := &cobra.Command{
		Use:   "locate VEHICLE",
		Short: "Show a vehicle's last position, or report one with --lat/--lng",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			vehicleID := args[0]
			report := cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng")
			if report && !(cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng")) {
				return fmt.Errorf("%w: --lat and --lng go together", errUsage)
			}
			if !report {
				return r.withApp(ctx, false, func(a *app.App) error {
					got, err := a.Transit.Location(ctx, vehicleID)
					if err != nil {
						return err
					}
					if r.jsonOut {
						return r.printJSON(toLookupOutput(got))
					}
					if !got.Result.Found {
						return fmt.Errorf("no position for vehicle %s", vehicleID)
					}
					loc := got.Value
					r.printf("%s %.5f,%.5f heading %.0f speed %.1f at %s %s\n",
						loc.VehicleID, loc.Lat, loc.Lng, loc.Heading, loc.Speed,
						loc.RecordedAt.Local().Format(time.RFC3339), provenance(got.Result))
					return nil
				})
			}

			if r.daemonAddr != "" {
				resp, err := r.daemonClient().PostLocation(ctx, api.LocationRequest{
					VehicleID: vehicleID,
					Latitude:  lat,
					Longitude: lng,
					Heading:   heading,
					Speed:     speed,
				})
				if err != nil {
					return err
				}
				return r.printWrite(resp)
			}
			return r.withApp(ctx, false, func(a *app.App) error {
				res, err := a.Transit.UpdateLocation(ctx, transit.LocationUpdate{
					VehicleID: vehicleID,
					Lat:       lat,
					Lng:       lng,
					Heading:   heading,
					Speed:     speed,
				})
				if err != nil {
					return err
				}
				return r.printWrite(writeResponse(res))
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude to report")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude to report")
	cmd.Flags().Float64Var(&heading, "heading", 0, "heading in degrees")
	cmd.Flags().Float64Var(&speed, "speed", 0, "speed in km/h")
	return cmd
}

func writeResponse(res offline.WriteResult) api.WriteResponse {
	return api.WriteResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Confirmed:     res.Confirmed,
		Queued:        res.Queued,
		OperationID:   res.Operation.ID,
	}
}

func (r *Runner) printWrite(resp api.WriteResponse) error {
	if r.jsonOut {
		return r.printJSON(resp)
	}
	if resp.Queued {
		r.printf("queued as change %d; it will sync when the connection returns\n", resp.OperationID)
		return nil
	}
	r.printf("saved\n")
	return nil
}

func (r *Runner) tripCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trip",
		Short: "Start, end or inspect trips",
	}
	transition := func(use, short string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " TRIP",
			Short: short,
			Args:  exactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				return r.withApp(ctx, false, func(a *app.App) error {
					act := a.Transit.StartTrip
					if use == "end" {
						act = a.Transit.EndTrip
					}
					res, err := act(ctx, args[0])
					if err != nil {
						return err
					}
					return r.printWrite(writeResponse(res))
				})
			},
		}
	}
	cmd.AddCommand(
		transition("start", "Mark a trip active"),
		transition("end", "Mark a trip completed"),
		&cobra.Command{
			Use:   "get TRIP",
			Short: "Show one trip",
			Args:  exactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				return r.withApp(ctx, false, func(a *app.App) error {
					got, err := a.Transit.Trip(ctx, args[0])
					if err != nil {
						return err
					}
					return r.printTrip(got, "trip "+args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "active ROUTE",
			Short: "Show the active trip on a route",
			Args:  exactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				return r.withApp(ctx, false, func(a *app.App) error {
					got, err := a.Transit.ActiveTrip(ctx, args[0])
					if err != nil {
						return err
					}
					return r.printTrip(got, "active trip on route "+args[0])
				})
			},
		},
	)
	return cmd
}

func (r *Runner) printTrip(got transit.Lookup[model.Trip], what string) error {
	if r.jsonOut {
		return r.printJSON(toLookupOutput(got))
	}
	if !got.Result.Found {
		return fmt.Errorf("no %s", what)
	}
	t := got.Value
	r.printf("%s\troute %s\tvehicle %s\t%s %s\n", t.ID, t.RouteID, t.VehicleID, t.Status, provenance(got.Result))
	if t.StartedAt != nil {
		r.printf("  started %s\n", t.StartedAt.Local().Format(time.RFC3339))
	}
	if t.EndedAt != nil {
		r.printf("  ended   %s\n", t.EndedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func (r *Runner) routeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "route ROUTE",
		Short: "Show a route, its stops and its active trip",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, false, func(a *app.App) error {
				got, err := a.Transit.Route(ctx, args[0])
				if err != nil {
					return err
				}
				active, err := a.Transit.ActiveTrip(ctx, args[0])
				if err != nil {
					return err
				}
				if r.jsonOut {
					return r.printJSON(struct {
						Route      lookupOutput[model.Route] `json:"route"`
						ActiveTrip lookupOutput[model.Trip]  `json:"active_trip"`
					}{toLookupOutput(got), toLookupOutput(active)})
				}
				if !got.Result.Found {
					return fmt.Errorf("no route %s", args[0])
				}
				route := got.Value
				r.printf("%s %s %s\n", route.ID, route.Name, provenance(got.Result))
				for _, stop := range route.Stops {
					r.printf("  %2d %s\n", stop.Sequence, stop.Name)
				}
				if active.Result.Found {
					r.printf("active trip %s (vehicle %s)\n", active.Value.ID, active.Value.VehicleID)
				} else {
					r.printf("no active trip\n")
				}
				return nil
			})
		},
	}
}

func (r *Runner) mapCmd() *cobra.Command {
	var (
		vehicles      []string
		width, height int
	)
	cmd := &cobra.Command{
		Use:   "map ROUTE",
		Short: "Draw a route with vehicle positions",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, false, func(a *app.App) error {
				var scene mapview.Scene
				route, err := a.Transit.Route(ctx, args[0])
				if err != nil {
					return err
				}
				if route.Result.Found {
					rt := route.Value
					scene.Route = &rt
				}
				for _, id := range vehicles {
					loc, err := a.Transit.Location(ctx, id)
					if err != nil {
						return err
					}
					if loc.Result.Found {
						scene.Vehicles = append(scene.Vehicles, loc.Value)
					}
				}
				view := mapview.Render(ctx, a.Maps, scene, mapview.Options{Width: width, Height: height})
				r.printf("%s\n", view.Text)
				if view.Err != nil {
					r.printf("(map sdk unavailable: %v)\n", view.Err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&vehicles, "vehicle", nil, "vehicle id to plot (repeatable)")
	cmd.Flags().IntVar(&width, "width", 60, "schematic width in cells")
	cmd.Flags().IntVar(&height, "height", 20, "schematic height in cells")
	return cmd
}
