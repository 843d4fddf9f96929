package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay Task dispatch. Every per-node
// callback carries flowID, the id of the branch of execution the node
// belongs to (see store.Task.FlowID) — a workflow with a Fork produces
// multiple concurrent flow ids per instance, and correlating events across
// a Fork/Join pair requires grouping by flowID rather than instanceID
// alone.
type Observer interface {
	OnInstanceStarted(ctx context.Context, instanceID, blueprintID string)
	OnInstanceCompleted(ctx context.Context, instanceID string)
	OnInstanceFailed(ctx context.Context, instanceID string, cause error)
	OnNodeDispatch(ctx context.Context, instanceID, flowID string, nodeIndex int, kind string)
	OnNodeCompleted(ctx context.Context, instanceID, flowID string, nodeIndex int, kind string, err error, d time.Duration)
	OnFunctionRetry(ctx context.Context, instanceID, flowID string, nodeIndex, attempt int, err error)
	// OnForkSpawned fires once per Fork dispatch, reporting how many
	// branches it spawned.
	OnForkSpawned(ctx context.Context, instanceID string, forkIndex, branchCount int)
	// OnJoinArrive fires once per branch arriving at a Join, reporting the
	// number of arrivals still outstanding after this one (0 means this
	// arrival fired the Join).
	OnJoinArrive(ctx context.Context, instanceID string, joinIndex, remaining int)
}

// NoopObserver does nothing. It is the default when no Observer is
// configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStarted(ctx context.Context, instanceID, blueprintID string) {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, instanceID string)             {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, instanceID string, cause error)   {}
func (NoopObserver) OnNodeDispatch(ctx context.Context, instanceID, flowID string, nodeIndex int, kind string) {
}
func (NoopObserver) OnNodeCompleted(ctx context.Context, instanceID, flowID string, nodeIndex int, kind string, err error, d time.Duration) {
}
func (NoopObserver) OnFunctionRetry(ctx context.Context, instanceID, flowID string, nodeIndex, attempt int, err error) {
}
func (NoopObserver) OnForkSpawned(ctx context.Context, instanceID string, forkIndex, branchCount int) {
}
func (NoopObserver) OnJoinArrive(ctx context.Context, instanceID string, joinIndex, remaining int) {
}

// CompositeObserver fans events out to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver returns an Observer forwarding to every non-nil
// observer in obs, collapsing to NoopObserver or the single observer when
// that suffices.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopObserver{}
	case 1:
		return filtered[0]
	default:
		return &CompositeObserver{observers: filtered}
	}
}

func (c *CompositeObserver) OnInstanceStarted(ctx context.Context, instanceID, blueprintID string) {
	for _, o := range c.observers {
		o.OnInstanceStarted(ctx, instanceID, blueprintID)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, instanceID string) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, instanceID)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, instanceID string, cause error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, instanceID, cause)
	}
}

func (c *CompositeObserver) OnNodeDispatch(ctx context.Context, instanceID, flowID string, nodeIndex int, kind string) {
	for _, o := range c.observers {
		o.OnNodeDispatch(ctx, instanceID, flowID, nodeIndex, kind)
	}
}

func (c *CompositeObserver) OnNodeCompleted(ctx context.Context, instanceID, flowID string, nodeIndex int, kind string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeCompleted(ctx, instanceID, flowID, nodeIndex, kind, err, d)
	}
}

func (c *CompositeObserver) OnFunctionRetry(ctx context.Context, instanceID, flowID string, nodeIndex, attempt int, err error) {
	for _, o := range c.observers {
		o.OnFunctionRetry(ctx, instanceID, flowID, nodeIndex, attempt, err)
	}
}

func (c *CompositeObserver) OnForkSpawned(ctx context.Context, instanceID string, forkIndex, branchCount int) {
	for _, o := range c.observers {
		o.OnForkSpawned(ctx, instanceID, forkIndex, branchCount)
	}
}

func (c *CompositeObserver) OnJoinArrive(ctx context.Context, instanceID string, joinIndex, remaining int) {
	for _, o := range c.observers {
		o.OnJoinArrive(ctx, instanceID, joinIndex, remaining)
	}
}

// LoggingObserver writes structured logs with log/slog, keyed by flow_id so
// a single Fork/Join's concurrent branches can be filtered out of an
// instance's otherwise-interleaved log stream.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver returns an Observer logging through logger, or
// slog.Default() if logger is nil.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStarted(ctx context.Context, instanceID, blueprintID string) {
	o.Logger.InfoContext(ctx, "instance_started", slog.String("instance_id", instanceID), slog.String("blueprint_id", blueprintID))
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, instanceID string) {
	o.Logger.InfoContext(ctx, "instance_completed", slog.String("instance_id", instanceID))
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, instanceID string, cause error) {
	o.Logger.ErrorContext(ctx, "instance_failed", slog.String("instance_id", instanceID), slog.Any("cause", cause))
}

func (o *LoggingObserver) OnNodeDispatch(ctx context.Context, instanceID, flowID string, nodeIndex int, kind string) {
	o.Logger.DebugContext(ctx, "node_dispatch",
		slog.String("instance_id", instanceID),
		slog.String("flow_id", flowID),
		slog.Int("node_index", nodeIndex),
		slog.String("kind", kind),
	)
}

func (o *LoggingObserver) OnNodeCompleted(ctx context.Context, instanceID, flowID string, nodeIndex int, kind string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "node_completed",
		slog.String("instance_id", instanceID),
		slog.String("flow_id", flowID),
		slog.Int("node_index", nodeIndex),
		slog.String("kind", kind),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnFunctionRetry(ctx context.Context, instanceID, flowID string, nodeIndex, attempt int, err error) {
	o.Logger.WarnContext(ctx, "function_retry",
		slog.String("instance_id", instanceID),
		slog.String("flow_id", flowID),
		slog.Int("node_index", nodeIndex),
		slog.Int("attempt", attempt),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnForkSpawned(ctx context.Context, instanceID string, forkIndex, branchCount int) {
	o.Logger.InfoContext(ctx, "fork_spawned",
		slog.String("instance_id", instanceID),
		slog.Int("node_index", forkIndex),
		slog.Int("branch_count", branchCount),
	)
}

func (o *LoggingObserver) OnJoinArrive(ctx context.Context, instanceID string, joinIndex, remaining int) {
	o.Logger.DebugContext(ctx, "join_arrive",
		slog.String("instance_id", instanceID),
		slog.Int("node_index", joinIndex),
		slog.Int("remaining", remaining),
		slog.Bool("fired", remaining <= 0),
	)
}

// BasicMetrics collects atomic counters broken down by node kind plus
// Fork/Join-specific counters, combinable with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted   atomic.Int64
	instancesCompleted atomic.Int64
	instancesFailed    atomic.Int64
	functionRetries    atomic.Int64
	forksSpawned       atomic.Int64
	branchesSpawned    atomic.Int64
	joinsWaiting       atomic.Int64
	joinsFired         atomic.Int64

	kindMu    sync.Mutex
	kindCount map[string]*atomic.Int64
	kindNs    map[string]*atomic.Int64
}

// NewBasicMetrics returns a ready-to-use BasicMetrics.
func NewBasicMetrics() *BasicMetrics {
	return &BasicMetrics{
		kindCount: make(map[string]*atomic.Int64),
		kindNs:    make(map[string]*atomic.Int64),
	}
}

// KindMetric is one node kind's slice of BasicMetricsSnapshot.
type KindMetric struct {
	Kind            string
	Completed       int64
	AvgNodeDuration time.Duration
}

// BasicMetricsSnapshot is an immutable point-in-time read of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	InstancesFailed    int64
	InstancesRunning   int64
	FunctionRetries    int64
	ForksSpawned       int64
	BranchesSpawned    int64
	JoinsWaiting       int64
	JoinsFired         int64
	ByKind             []KindMetric
}

func (m *BasicMetrics) OnInstanceStarted(ctx context.Context, instanceID, blueprintID string) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, instanceID string) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, instanceID string, cause error) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnNodeCompleted(ctx context.Context, instanceID, flowID string, nodeIndex int, kind string, err error, d time.Duration) {
	if err != nil {
		return
	}
	count, ns := m.countersFor(kind)
	count.Add(1)
	ns.Add(d.Nanoseconds())
}

// countersFor returns the pair of atomic counters tracking kind's
// completion count and cumulative duration, creating them on first use.
// The kind set is small and fixed (one entry per NodeKind), so the
// map only ever grows to a handful of entries regardless of instance
// volume.
func (m *BasicMetrics) countersFor(kind string) (*atomic.Int64, *atomic.Int64) {
	m.kindMu.Lock()
	defer m.kindMu.Unlock()
	count, ok := m.kindCount[kind]
	if !ok {
		count = &atomic.Int64{}
		m.kindCount[kind] = count
		m.kindNs[kind] = &atomic.Int64{}
	}
	return count, m.kindNs[kind]
}

func (m *BasicMetrics) OnFunctionRetry(ctx context.Context, instanceID, flowID string, nodeIndex, attempt int, err error) {
	m.functionRetries.Add(1)
}

func (m *BasicMetrics) OnForkSpawned(ctx context.Context, instanceID string, forkIndex, branchCount int) {
	m.forksSpawned.Add(1)
	m.branchesSpawned.Add(int64(branchCount))
}

func (m *BasicMetrics) OnJoinArrive(ctx context.Context, instanceID string, joinIndex, remaining int) {
	if remaining <= 0 {
		m.joinsFired.Add(1)
		return
	}
	m.joinsWaiting.Add(1)
}

// Snapshot returns the current metric values.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()

	m.kindMu.Lock()
	byKind := make([]KindMetric, 0, len(m.kindCount))
	for kind, count := range m.kindCount {
		c := count.Load()
		ns := m.kindNs[kind].Load()
		var avg time.Duration
		if c > 0 {
			avg = time.Duration(ns / c)
		}
		byKind = append(byKind, KindMetric{Kind: kind, Completed: c, AvgNodeDuration: avg})
	}
	m.kindMu.Unlock()

	return BasicMetricsSnapshot{
		InstancesStarted:   started,
		InstancesCompleted: completed,
		InstancesFailed:    failed,
		InstancesRunning:   started - completed - failed,
		FunctionRetries:    m.functionRetries.Load(),
		ForksSpawned:       m.forksSpawned.Load(),
		BranchesSpawned:    m.branchesSpawned.Load(),
		JoinsWaiting:       m.joinsWaiting.Load(),
		JoinsFired:         m.joinsFired.Load(),
		ByKind:             byKind,
	}
}
