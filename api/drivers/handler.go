// Package drivers exposes read-only fleet state over HTTP for ops tooling.
package drivers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/citycab/dispatch/core/geo"
	"github.com/citycab/dispatch/core/model"
	"github.com/citycab/dispatch/core/presence"
)

// Status is the public view of one on-shift driver.
type Status struct {
	DriverID       string            `json:"driver_id"`
	VehicleClass   string            `json:"vehicle_class"`
	Position       *model.Coordinate `json:"position,omitempty"`
	LastPositionAt *time.Time        `json:"last_position_at,omitempty"`
}

// NewListHandler returns an HTTP handler exposing on-shift drivers via
// GET /api/drivers. An optional vehicle_class query parameter filters the
// listing.
func NewListHandler(store *presence.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		class := r.URL.Query().Get("vehicle_class")
		out := make([]Status, 0)
		for _, rec := range store.ListOnShift() {
			if class != "" && rec.VehicleClass != class {
				continue
			}
			st := Status{
				DriverID:     rec.DriverID,
				VehicleClass: rec.VehicleClass,
				Position:     rec.Position,
			}
			if !rec.LastPositionAt.IsZero() {
				at := rec.LastPositionAt
				st.LastPositionAt = &at
			}
			out = append(out, st)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// NewNearestHandler returns an HTTP handler resolving, per vehicle class, the
// nearest on-shift driver to the given origin via
// GET /api/drivers/nearest?latitude=..&longitude=..
func NewNearestHandler(store *presence.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		lat, err1 := strconv.ParseFloat(r.URL.Query().Get("latitude"), 64)
		lon, err2 := strconv.ParseFloat(r.URL.Query().Get("longitude"), 64)
		if err1 != nil || err2 != nil {
			http.Error(w, "latitude and longitude are required", http.StatusBadRequest)
			return
		}
		origin := model.Coordinate{Lat: lat, Lon: lon}
		if err := origin.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		recs := store.ListOnShift()
		candidates := make([]geo.Candidate, 0, len(recs))
		for _, rec := range recs {
			candidates = append(candidates, geo.Candidate{
				VehicleClass: rec.VehicleClass,
				Position:     rec.Position,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(geo.NearestAvailable(origin, candidates)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
