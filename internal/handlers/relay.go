package handlers

import (
	"net/http"
	"strconv"

	"fleet-realtime/internal/database"
	"fleet-realtime/internal/models"
	"fleet-realtime/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Presence is the part of the relay hub the handlers read.
type Presence interface {
	ClientCount() int
	ConnectedDrivers() []string
}

// DriverResponse is a driver's last known location and status.
type DriverResponse struct {
	DriverID string                       `json:"driverId"`
	Online   bool                         `json:"online"`
	Location *models.RemoteEntityLocation `json:"location,omitempty"`
	Status   *models.RemoteEntityStatus   `json:"status,omitempty"`
}

// Health reports the relay as up along with its connection counts.
func Health(p Presence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.JSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"clients": p.ClientCount(),
			"drivers": len(p.ConnectedDrivers()),
		})
	}
}

// GetDrivers returns every driver the relay has seen, with its last known location.
func GetDrivers(store database.Store, p Presence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locs, err := store.Locations(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("❌ GetDrivers: store error")
			utils.Error(w, http.StatusInternalServerError, "failed to load drivers")
			return
		}

		online := make(map[string]bool)
		for _, id := range p.ConnectedDrivers() {
			online[id] = true
		}

		drivers := make([]DriverResponse, 0, len(locs))
		for i := range locs {
			d := DriverResponse{DriverID: locs[i].DriverID, Online: online[locs[i].DriverID], Location: &locs[i]}
			if st, ok, err := store.Status(r.Context(), d.DriverID); err == nil && ok {
				d.Status = &st
			}
			drivers = append(drivers, d)
		}
		utils.JSON(w, http.StatusOK, drivers)
	}
}

// GetDriver returns one driver by id.
func GetDriver(store database.Store, p Presence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		locs, err := store.Locations(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("❌ GetDriver: store error")
			utils.Error(w, http.StatusInternalServerError, "failed to load driver")
			return
		}

		d := DriverResponse{DriverID: id}
		for i := range locs {
			if locs[i].DriverID == id {
				d.Location = &locs[i]
				break
			}
		}
		if st, ok, err := store.Status(r.Context(), id); err == nil && ok {
			d.Status = &st
		}
		if d.Location == nil && d.Status == nil {
			utils.Error(w, http.StatusNotFound, "driver not found")
			return
		}
		for _, connected := range p.ConnectedDrivers() {
			if connected == id {
				d.Online = true
			}
		}
		utils.JSON(w, http.StatusOK, d)
	}
}

// GetNearbyDrivers answers ?lat=&lng=&radius= with the connected drivers in range, closest first.
func GetNearbyDrivers(store database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
		radius, errRadius := strconv.ParseFloat(q.Get("radius"), 64)
		if errLat != nil || errLng != nil || errRadius != nil {
			utils.Error(w, http.StatusBadRequest, "lat, lng and radius are required numbers")
			return
		}
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 || radius <= 0 {
			utils.Error(w, http.StatusBadRequest, "coordinates or radius out of range")
			return
		}

		drivers, err := store.Nearby(r.Context(), lat, lng, radius)
		if err != nil {
			log.Error().Err(err).Msg("❌ GetNearbyDrivers: store error")
			utils.Error(w, http.StatusInternalServerError, "nearby query failed")
			return
		}
		utils.JSON(w, http.StatusOK, models.NearbyDriversPayload{Drivers: drivers})
	}
}
