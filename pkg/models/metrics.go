package models

import "time"

// MetricsSnapshot is a point-in-time copy of the engine counters returned
// by GetMetrics. Maps and slices are copies owned by the caller.
type MetricsSnapshot struct {
	Throughput     float64         `json:"throughput"` // terminal completions per second since start
	Completed      int64           `json:"completed"`
	Failed         int64           `json:"failed"`
	Retried        int64           `json:"retried"`
	InFlight       int64           `json:"in_flight"`
	QueueDepth     int             `json:"queue_depth"`
	LatencySamples []time.Duration `json:"latency_samples"`
	RetryCounts    map[string]int  `json:"retry_counts"`
	FailureCounts  map[string]int  `json:"failure_counts"`
}
