package handlers

import (
	"net/http"
	"strconv"
	"time"

	"fleet-realtime/internal/dispatcher"
	"fleet-realtime/internal/models"
	"fleet-realtime/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// Pipeline is the part of a driver session the debug server reads.
type Pipeline interface {
	Stats() models.QueueStats
	State() models.ConnectionState
	Quality() models.Quality
	RTT() time.Duration
	Moving() bool
	LastError() error
	Flush() error
}

// StatsResponse is the tracker's /stats body.
type StatsResponse struct {
	Queue     models.QueueStats `json:"queue"`
	State     string            `json:"state"`
	Quality   models.Quality    `json:"quality"`
	RTTMs     int64             `json:"rttMs"`
	Moving    bool              `json:"moving"`
	LastError string            `json:"lastError,omitempty"`
}

// GetStats returns the session's queue stats and connection state.
func GetStats(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{
			Queue:   p.Stats(),
			State:   p.State().String(),
			Quality: p.Quality(),
			RTTMs:   p.RTT().Milliseconds(),
			Moving:  p.Moving(),
		}
		if err := p.LastError(); err != nil {
			resp.LastError = err.Error()
		}
		utils.JSON(w, http.StatusOK, resp)
	}
}

// Flush sends the buffered updates now.
func Flush(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Flush(); err != nil {
			utils.ErrorFrom(w, err)
			return
		}
		utils.JSON(w, http.StatusOK, p.Stats())
	}
}

// GetEntities returns the dispatcher's view of the fleet.
func GetEntities(view *dispatcher.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.JSON(w, http.StatusOK, view.Snapshot())
	}
}

// GetEntity returns one driver from the dispatcher's view.
func GetEntity(view *dispatcher.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := view.Get(chi.URLParam(r, "id"))
		if !ok {
			utils.Error(w, http.StatusNotFound, "driver not found")
			return
		}
		utils.JSON(w, http.StatusOK, e)
	}
}

// QueryNearby runs a nearby-drivers query through the dispatcher's connection.
func QueryNearby(view *dispatcher.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
		radius, errRadius := strconv.ParseFloat(q.Get("radius"), 64)
		if errLat != nil || errLng != nil || errRadius != nil {
			utils.Error(w, http.StatusBadRequest, "lat, lng and radius are required numbers")
			return
		}

		drivers, err := view.NearbyDrivers(r.Context(), lat, lng, radius)
		if err != nil {
			utils.ErrorFrom(w, err)
			return
		}
		utils.JSON(w, http.StatusOK, models.NearbyDriversPayload{Drivers: drivers})
	}
}
