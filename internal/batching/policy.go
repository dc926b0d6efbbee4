package batching

import "fleet-realtime/internal/models"

// batchFactor scales the base batch size down on slow links so updates leave the device sooner.
var batchFactor = map[models.EffectiveType]float64{
	models.EffectiveTypeSlow2G: 0.3,
	models.EffectiveType2G:     0.5,
	models.EffectiveType3G:     0.8,
	models.EffectiveType4G:     1.0,
}

// BatchSize returns the flush threshold for base on a link of type t. It is never below 1.
func BatchSize(base int, t models.EffectiveType) int {
	factor, ok := batchFactor[t]
	if !ok {
		factor = 1.0
	}
	size := int(float64(base) * factor)
	if size < 1 {
		return 1
	}
	return size
}
