package connection

import (
	"time"

	"fleet-realtime/internal/models"
)

// ClassifyRTT maps a heartbeat round trip onto a quality class.
func ClassifyRTT(rtt time.Duration) models.Quality {
	switch {
	case rtt < 100*time.Millisecond:
		return models.QualityExcellent
	case rtt < 500*time.Millisecond:
		return models.QualityGood
	default:
		return models.QualityPoor
	}
}
