package service

import (
	"sync"
	"time"

	"github.com/ignatij/conductor/pkg/models"
)

// maxLatencySamples bounds the in-memory latency window.
const maxLatencySamples = 512

// MetricsPublisher mirrors counter updates to an external system such as
// Redis. Implementations must not block the caller.
type MetricsPublisher interface {
	IncrCompleted(taskID string, latency time.Duration)
	IncrFailed(taskID string)
	IncrRetried(taskID string)
}

// Metrics aggregates execution statistics served by GetMetrics.
type Metrics struct {
	mu            sync.Mutex
	started       time.Time
	completed     int64
	failed        int64
	retried       int64
	inFlight      int64
	latencies     []time.Duration
	retryCounts   map[string]int
	failureCounts map[string]int
	queueDepth    func() int
	publisher     MetricsPublisher
}

func NewMetrics() *Metrics {
	return &Metrics{
		started:       time.Now(),
		retryCounts:   make(map[string]int),
		failureCounts: make(map[string]int),
	}
}

// SetPublisher attaches an external mirror for counter updates.
func (m *Metrics) SetPublisher(p MetricsPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// SetQueueDepthFn registers the scheduler callback sampled on Snapshot.
func (m *Metrics) SetQueueDepthFn(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = fn
}

// TaskStarted and TaskEnded bracket a task's whole lifetime in a run, not
// individual attempts.
func (m *Metrics) TaskStarted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
}

func (m *Metrics) TaskEnded(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
}

func (m *Metrics) TaskCompleted(id string, latency time.Duration) {
	m.mu.Lock()
	m.completed++
	if len(m.latencies) == maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latency)
	pub := m.publisher
	m.mu.Unlock()
	if pub != nil {
		pub.IncrCompleted(id, latency)
	}
}

func (m *Metrics) TaskFailed(id string) {
	m.mu.Lock()
	m.failed++
	m.failureCounts[id]++
	pub := m.publisher
	m.mu.Unlock()
	if pub != nil {
		pub.IncrFailed(id)
	}
}

func (m *Metrics) TaskRetried(id string) {
	m.mu.Lock()
	m.retried++
	m.retryCounts[id]++
	pub := m.publisher
	m.mu.Unlock()
	if pub != nil {
		pub.IncrRetried(id)
	}
}

// Snapshot returns a point-in-time copy. Throughput is completed tasks
// per second since the collector was created.
func (m *Metrics) Snapshot() models.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := time.Since(m.started).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(m.completed) / elapsed
	}

	snap := models.MetricsSnapshot{
		Throughput:     throughput,
		Completed:      m.completed,
		Failed:         m.failed,
		Retried:        m.retried,
		InFlight:       m.inFlight,
		LatencySamples: make([]time.Duration, len(m.latencies)),
		RetryCounts:    make(map[string]int, len(m.retryCounts)),
		FailureCounts:  make(map[string]int, len(m.failureCounts)),
	}
	copy(snap.LatencySamples, m.latencies)
	for k, v := range m.retryCounts {
		snap.RetryCounts[k] = v
	}
	for k, v := range m.failureCounts {
		snap.FailureCounts[k] = v
	}
	if m.queueDepth != nil {
		snap.QueueDepth = m.queueDepth()
	}
	return snap
}
