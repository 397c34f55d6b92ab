// Package fslock provides a per-path asynchronous lock that serializes
// read-modify-write cycles against individual storage files. Operations on
// the same normalized path run in strict FIFO order; operations on distinct
// paths run concurrently.
package fslock

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// queueDepthWarnThreshold is the per-path queue length above which a
// diagnostic warning is counted and logged.
const queueDepthWarnThreshold = 10

// pathState tracks the lock state for one normalized path.
type pathState struct {
	busy  bool
	queue []chan struct{} // FIFO waiters
}

// Metrics is a point-in-time snapshot of lock manager counters.
type Metrics struct {
	ActiveLocks        int64
	PendingOperations  int64
	TotalWait          time.Duration
	LongestWait        time.Duration
	QueueDepthWarnings int64
}

// Manager is a keyed FIFO lock manager for file paths.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*pathState
	logger *slog.Logger

	// counters, guarded by mu
	activeLocks        int64
	pending            int64 // operations queued or running, across all paths
	totalWait          time.Duration
	longestWait        time.Duration
	queueDepthWarnings int64

	idleWaiters []chan struct{}

	waitHist    metric.Float64Histogram
	warnCounter metric.Int64Counter
}

// NewManager creates a lock manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		locks:  make(map[string]*pathState),
		logger: logger,
	}

	meter := otel.Meter("tasknest/internal/fslock")

	var err error
	m.waitHist, err = meter.Float64Histogram("fslock.queue.wait",
		metric.WithDescription("Time operations spend queued behind a path lock"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("Failed to create fslock wait histogram", "error", err)
	}
	m.warnCounter, err = meter.Int64Counter("fslock.queue.depth_warnings",
		metric.WithDescription("Times a path queue exceeded the warning threshold"))
	if err != nil {
		logger.Warn("Failed to create fslock warning counter", "error", err)
	}
	_, err = meter.Int64ObservableGauge("fslock.active_locks",
		metric.WithDescription("Number of paths currently locked"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			o.Observe(m.activeLocks)
			return nil
		}))
	if err != nil {
		logger.Warn("Failed to create fslock gauge", "error", err)
	}

	return m
}

// normalizePath maps equivalent spellings of a path to one lock key.
func normalizePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(path)
}

// WithLock runs op while holding the lock for path. Operations for the same
// path are admitted in the order WithLock was called; op's error (or panic)
// releases the lock and propagates to the caller unchanged.
func (m *Manager) WithLock(ctx context.Context, path string, op func() error) error {
	key := normalizePath(path)

	m.mu.Lock()
	st, ok := m.locks[key]
	if !ok {
		st = &pathState{}
		m.locks[key] = st
	}
	m.pending++

	if !st.busy {
		st.busy = true
		m.activeLocks++
		m.mu.Unlock()
	} else {
		ready := make(chan struct{})
		st.queue = append(st.queue, ready)
		if len(st.queue) > queueDepthWarnThreshold {
			m.queueDepthWarnings++
			if m.warnCounter != nil {
				m.warnCounter.Add(ctx, 1)
			}
			m.logger.Warn("Deep lock queue for storage path",
				"path", key,
				"queue_depth", len(st.queue))
		}
		m.mu.Unlock()

		start := time.Now()
		select {
		case <-ready:
			m.recordWait(ctx, time.Since(start))
		case <-ctx.Done():
			if m.abandonWaiter(key, ready) {
				m.finish(key, false)
				return ctx.Err()
			}
			// The lock was handed to us while we were cancelling.
			// Release it so the queue keeps moving.
			m.finish(key, true)
			return ctx.Err()
		}
	}

	defer m.finish(key, true)
	return op()
}

// recordWait folds one queue wait into the counters.
func (m *Manager) recordWait(ctx context.Context, wait time.Duration) {
	m.mu.Lock()
	m.totalWait += wait
	if wait > m.longestWait {
		m.longestWait = wait
	}
	m.mu.Unlock()

	if m.waitHist != nil {
		m.waitHist.Record(ctx, wait.Seconds())
	}
}

// abandonWaiter removes a cancelled waiter from the queue. It reports false
// when the waiter is no longer queued, meaning the lock was already granted.
func (m *Manager) abandonWaiter(key string, ready chan struct{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.locks[key]
	if st == nil {
		return false
	}
	for i, ch := range st.queue {
		if ch == ready {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return true
		}
	}
	return false
}

// finish ends one operation: it hands the lock to the next queued waiter
// (when holding is true) and wakes idle waiters once nothing is pending.
func (m *Manager) finish(key string, holding bool) {
	m.mu.Lock()

	if holding {
		st := m.locks[key]
		if st != nil {
			if len(st.queue) > 0 {
				next := st.queue[0]
				st.queue = st.queue[1:]
				close(next)
			} else {
				st.busy = false
				delete(m.locks, key)
				m.activeLocks--
			}
		}
	}

	m.pending--
	var wake []chan struct{}
	if m.pending == 0 {
		wake = m.idleWaiters
		m.idleWaiters = nil
	}
	m.mu.Unlock()

	for _, ch := range wake {
		close(ch)
	}
}

// HasPendingOperations reports whether any operation is queued or running.
func (m *Manager) HasPendingOperations() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending > 0
}

// WaitForPending blocks until no operation is queued or running for any
// path, or until ctx is done. Used for graceful shutdown so the process
// never exits mid-write.
func (m *Manager) WaitForPending(ctx context.Context) error {
	m.mu.Lock()
	if m.pending == 0 {
		m.mu.Unlock()
		return nil
	}
	idle := make(chan struct{})
	m.idleWaiters = append(m.idleWaiters, idle)
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the manager's counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		ActiveLocks:        m.activeLocks,
		PendingOperations:  m.pending,
		TotalWait:          m.totalWait,
		LongestWait:        m.longestWait,
		QueueDepthWarnings: m.queueDepthWarnings,
	}
}
