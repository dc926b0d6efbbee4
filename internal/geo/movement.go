package geo

import "fleet-realtime/internal/models"

// IsMoving classifies curr against the previous accepted fix. The first fix always counts as
// movement. A non-positive threshold falls back to DefaultMovementThreshold.
func IsMoving(prev *models.LocationUpdate, curr models.LocationUpdate, thresholdMeters float64) bool {
	if prev == nil {
		return true
	}
	if thresholdMeters <= 0 {
		thresholdMeters = DefaultMovementThreshold
	}
	return Distance(*prev, curr) > thresholdMeters
}

// Movement is the result of classifying one fix.
type Movement struct {
	Moving   bool
	Distance float64 // Meters from the previous accepted fix, 0 for the first fix
}

// Classifier remembers the last accepted fix so consecutive fixes can be compared.
// It is not safe for concurrent use; callers own one per stream.
type Classifier struct {
	threshold float64
	last      *models.LocationUpdate
}

func NewClassifier(thresholdMeters float64) *Classifier {
	if thresholdMeters <= 0 {
		thresholdMeters = DefaultMovementThreshold
	}
	return &Classifier{threshold: thresholdMeters}
}

// Classify compares curr to the last accepted fix without accepting it.
func (c *Classifier) Classify(curr models.LocationUpdate) Movement {
	if c.last == nil {
		return Movement{Moving: true}
	}
	d := Distance(*c.last, curr)
	return Movement{Moving: d > c.threshold, Distance: d}
}

// Accept records curr as the reference for the next classification.
func (c *Classifier) Accept(curr models.LocationUpdate) {
	u := curr
	c.last = &u
}

// Last returns the last accepted fix, if any.
func (c *Classifier) Last() (models.LocationUpdate, bool) {
	if c.last == nil {
		return models.LocationUpdate{}, false
	}
	return *c.last, true
}

// Threshold returns the movement threshold in meters.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}
