package models

import "time"

// QueueStats are the batching engine's counters. QueuedUpdates and OfflineUpdates track current
// depth, everything else only accumulates.
type QueueStats struct {
	QueuedUpdates     int       `json:"queuedUpdates"`
	OfflineUpdates    int       `json:"offlineUpdates"`
	LastBatchSent     time.Time `json:"lastBatchSent"`
	TotalUpdatesSent  int       `json:"totalUpdatesSent"`
	FailedUpdates     int       `json:"failedUpdates"`
	AverageBatchSize  float64   `json:"averageBatchSize"`
	EvictedUpdates    int       `json:"evictedUpdates"`
	SuppressedUpdates int       `json:"suppressedUpdates"`
}
