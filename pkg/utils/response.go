package utils

import (
	"encoding/json"
	"net/http"

	"fleet-realtime/internal/apperr"

	"github.com/rs/zerolog/log"
)

// JSON writes data with status. The header is already sent when encoding fails, so the error
// is only logged.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorFrom picks the status code from the error kind.
func ErrorFrom(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotConnected, apperr.KindTransport, apperr.KindReconnectExhausted:
		status = http.StatusServiceUnavailable
	case apperr.KindRequestTimeout:
		status = http.StatusGatewayTimeout
	case apperr.KindQueryInFlight:
		status = http.StatusConflict
	}
	Error(w, status, err.Error())
}
