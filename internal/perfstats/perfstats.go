// Package perfstats provides the timing instrumentation for one wake
// cycle: per-operation timers plus an aggregate per-cycle report covering
// chunk storage, finalize, and the RPC surface.
package perfstats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks the duration of a single named operation.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{name: name, startTime: time.Now(), logger: logger}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Debug("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning instead of a debug line if duration
// exceeds threshold, for phases with a latency budget worth flagging (the
// finalize path's blob upload, in particular).
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{"operation": t.name, "duration_ms": duration.Milliseconds()}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// WakeCycleMetrics tracks timing for one device wake cycle, from HELLO
// through terminal ACK.
type WakeCycleMetrics struct {
	mu sync.Mutex

	TotalDuration      time.Duration
	LineageDuration    time.Duration
	WakeIngestDuration time.Duration
	ChunkStoreDuration time.Duration
	UploadDuration     time.Duration
	CompletionDuration time.Duration
	NextWakeDuration   time.Duration

	ChunksStored int
}

// NewWakeCycleMetrics creates a new metrics tracker.
func NewWakeCycleMetrics() *WakeCycleMetrics {
	return &WakeCycleMetrics{}
}

// RecordChunkStore accumulates time spent persisting one chunk.
func (m *WakeCycleMetrics) RecordChunkStore(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChunkStoreDuration += d
	m.ChunksStored++
}

// Summary renders a human-readable report, e.g. for an operator debug dump.
func (m *WakeCycleMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return fmt.Sprintf(`=== Wake Cycle Timing ===
Total:             %v
Lineage resolve:   %v
Wake ingestion:    %v
Chunk store:       %v (%d chunks)
Upload:            %v
Completion RPC:    %v
Next-wake calc:    %v
`,
		m.TotalDuration, m.LineageDuration, m.WakeIngestDuration,
		m.ChunkStoreDuration, m.ChunksStored, m.UploadDuration,
		m.CompletionDuration, m.NextWakeDuration,
	)
}

// contextKey stores metrics on a context.
type contextKey struct{}

// WithMetrics attaches m to ctx.
func WithMetrics(ctx context.Context, m *WakeCycleMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics previously attached with WithMetrics.
func MetricsFromContext(ctx context.Context) *WakeCycleMetrics {
	m, _ := ctx.Value(contextKey{}).(*WakeCycleMetrics)
	return m
}
