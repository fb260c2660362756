package hangprevention

import (
	"log/slog"
	"sync"
	"time"

	"vexfs/internal/vexerr"
)

// Deadlines holds the per-operation-kind timeout defaults from spec.md §5.
type Deadlines struct {
	Read    time.Duration
	Write   time.Duration
	Search  time.Duration
	Build   time.Duration
	Recover time.Duration
	Mount   time.Duration
}

// DefaultDeadlines matches spec.md §5: "default: Read 5s, Write 30s,
// Search 10s, Build 5min, Recover 10min".
func DefaultDeadlines() Deadlines {
	return Deadlines{
		Read:    5 * time.Second,
		Write:   30 * time.Second,
		Search:  10 * time.Second,
		Build:   5 * time.Minute,
		Recover: 10 * time.Minute,
		Mount:   30 * time.Second,
	}
}

func (d Deadlines) forKind(k OperationKind) time.Duration {
	switch k {
	case KindRead:
		return d.Read
	case KindWrite:
		return d.Write
	case KindSearch:
		return d.Search
	case KindBuild:
		return d.Build
	case KindRecover:
		return d.Recover
	case KindMount:
		return d.Mount
	default:
		return d.Read
	}
}

// AdmissionPolicy decides, given the current system state, whether an
// operation kind may start (§4.1 check_operation_allowed).
//
//	Normal:    everything allowed.
//	Degraded:  new index builds (Kind Build) are rejected.
//	ReadOnly:  all writes (Kind Write, and Build, which mutates the index)
//	           fail fast with a retryable error.
//	Panic:     nothing is admitted.
func admissionAllowed(state SystemState, kind OperationKind) (bool, *vexerr.Error) {
	switch state {
	case StateNormal:
		return true, nil
	case StateDegraded:
		if kind == KindBuild {
			return false, vexerr.Degraded("index builds are rejected while the system is degraded")
		}
		return true, nil
	case StateReadOnly:
		if kind == KindWrite || kind == KindBuild {
			return false, vexerr.ReadOnly("writes are rejected while the system is read-only")
		}
		return true, nil
	case StatePanic:
		return false, vexerr.Internal(nil, "system is in panic state; not accepting traffic")
	default:
		return true, nil
	}
}

// Watchdog is a single in-flight operation's timer. Callers register one
// before starting work and Cancel it on success; if the deadline elapses
// first, TimedOut reports true and the executor unwinds at its next
// suspension point (spec.md §4.1, §5 Cancellation).
type Watchdog struct {
	kind     OperationKind
	start    time.Time
	deadline time.Time
	timer    *time.Timer
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	timedOut bool

	monitor *Monitor
}

// Cancel stops the watchdog, signaling completion. Safe to call multiple
// times, and safe to call after the deadline already fired: in that case
// the consecutive-timeout streak recorded by fire is left alone, rather
// than being reset back to zero by a success that never truly happened.
func (w *Watchdog) Cancel() {
	w.once.Do(func() {
		w.timer.Stop()
		close(w.done)
	})
	if !w.TimedOut() {
		w.monitor.recordSuccess(w.kind)
	}
}

// TimedOut reports whether the watchdog's deadline has already elapsed.
func (w *Watchdog) TimedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timedOut
}

// Done returns a channel closed once the watchdog's deadline fires or
// Cancel is called, whichever happens first. A build loop selects on
// this between expensive steps to unwind early instead of running past
// its deadline.
func (w *Watchdog) Done() <-chan struct{} { return w.done }

// Deadline returns the absolute time at which this operation will be
// declared timed out.
func (w *Watchdog) Deadline() time.Time { return w.deadline }

func (w *Watchdog) fire() {
	w.mu.Lock()
	w.timedOut = true
	w.mu.Unlock()
	w.once.Do(func() {
		close(w.done)
	})
	w.monitor.recordTimeout(w.kind)
}

// ResourceSample is the periodic input to update_system_resources (§4.1).
type ResourceSample struct {
	MemoryPressure float64 // ratio in [0,1]; 1 means fully exhausted
	LockWaitQueue  int
	QueueDepth     int
}

// Monitor is the process-wide hang-prevention subsystem: one per engine
// instance (spec.md §9 "the engine is a singleton keyed by data directory").
type Monitor struct {
	deadlines Deadlines

	state stateBox

	mu                  sync.Mutex
	consecutiveTimeouts map[OperationKind]int

	// degradation thresholds
	maxConsecutiveTimeouts int
	memoryPressureDegraded float64
	memoryPressureReadOnly float64
	lockWaitQueueDegraded  int
}

// NewMonitor constructs a Monitor with spec.md default deadlines and
// reasonable admission thresholds.
func NewMonitor() *Monitor {
	return NewMonitorWithDeadlines(DefaultDeadlines())
}

// NewMonitorWithDeadlines is NewMonitor with caller-supplied deadlines,
// for tests that need a Build/Write/etc. timeout shorter than spec.md's
// defaults to observe without waiting minutes.
func NewMonitorWithDeadlines(deadlines Deadlines) *Monitor {
	m := &Monitor{
		deadlines:              deadlines,
		consecutiveTimeouts:    make(map[OperationKind]int),
		maxConsecutiveTimeouts: 3,
		memoryPressureDegraded: 0.85,
		memoryPressureReadOnly: 0.95,
		lockWaitQueueDegraded:  64,
	}
	m.state.store(StateNormal)
	systemStateGauge.Set(0)
	return m
}

// State returns the current system state.
func (m *Monitor) State() SystemState { return m.state.load() }

// CheckOperationAllowed implements check_operation_allowed(kind) (§4.1).
func (m *Monitor) CheckOperationAllowed(kind OperationKind) error {
	state := m.state.load()
	allowed, verr := admissionAllowed(state, kind)
	if !allowed {
		operationsRejected.WithLabelValues(kind.String(), state.String()).Inc()
		return verr
	}
	return nil
}

// Start registers a watchdog for an operation of the given kind, after
// checking admission. Returns (nil, err) if the operation is rejected.
func (m *Monitor) Start(kind OperationKind) (*Watchdog, error) {
	if err := m.CheckOperationAllowed(kind); err != nil {
		return nil, err
	}

	operationsStarted.WithLabelValues(kind.String()).Inc()

	now := time.Now()
	deadline := now.Add(m.deadlines.forKind(kind))
	w := &Watchdog{
		kind:     kind,
		start:    now,
		deadline: deadline,
		done:     make(chan struct{}),
		monitor:  m,
	}
	w.timer = time.AfterFunc(time.Until(deadline), w.fire)
	return w, nil
}

func (m *Monitor) recordSuccess(kind OperationKind) {
	m.mu.Lock()
	m.consecutiveTimeouts[kind] = 0
	m.mu.Unlock()
	consecutiveTimeoutsGauge.WithLabelValues(kind.String()).Set(0)
}

func (m *Monitor) recordTimeout(kind OperationKind) {
	operationsTimedOut.WithLabelValues(kind.String()).Inc()

	m.mu.Lock()
	m.consecutiveTimeouts[kind]++
	streak := m.consecutiveTimeouts[kind]
	m.mu.Unlock()

	consecutiveTimeoutsGauge.WithLabelValues(kind.String()).Set(float64(streak))

	if kind == KindBuild && streak >= m.maxConsecutiveTimeouts {
		m.transitionAtLeast(StateDegraded, "consecutive Build timeouts")
	}
}

// UpdateSystemResources implements update_system_resources (§4.1): called
// periodically with measured memory/CPU/queue depth, driving monotonic
// state transitions.
func (m *Monitor) UpdateSystemResources(sample ResourceSample) {
	memoryPressureGauge.Set(sample.MemoryPressure)
	lockWaitQueueGauge.Set(float64(sample.LockWaitQueue))

	switch {
	case sample.MemoryPressure >= m.memoryPressureReadOnly:
		m.transitionAtLeast(StateReadOnly, "memory pressure")
	case sample.MemoryPressure >= m.memoryPressureDegraded || sample.LockWaitQueue >= m.lockWaitQueueDegraded:
		m.transitionAtLeast(StateDegraded, "memory pressure or lock wait queue depth")
	}
}

// transitionAtLeast moves the state machine forward to `target` unless it
// is already at or past that rank (transitions are monotonic, §4.1).
func (m *Monitor) transitionAtLeast(target SystemState, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.state.load()
	if target.rank() <= current.rank() {
		return
	}
	m.state.store(target)
	systemStateGauge.Set(float64(target))
	slog.Warn("hang-prevention state transition", "from", current, "to", target, "reason", reason)
}

// Panic forces the system into the terminal Panic state. Used when a
// caller observes an unrecoverable condition (e.g. recovery found no
// usable snapshot and no WAL head).
func (m *Monitor) Panic(reason string) {
	m.transitionAtLeast(StatePanic, reason)
}

// Reset is the manual escape hatch from the otherwise-monotonic state
// machine (§4.1 "Transitions are monotonic except for a manual reset").
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.store(StateNormal)
	systemStateGauge.Set(0)
	m.consecutiveTimeouts = make(map[OperationKind]int)
	slog.Info("hang-prevention state manually reset to normal")
}

// RecoverPoisonedLock logs a panic recovered while a lock was held and
// proceeds anyway: correctness rests on WAL durability and recovery
// idempotency, not on lock integrity (spec.md §5, §9).
func RecoverPoisonedLock(context string) {
	if r := recover(); r != nil {
		slog.Error("recovered from panic while holding lock; proceeding on WAL durability", "context", context, "panic", r)
	}
}
