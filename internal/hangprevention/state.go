// Package hangprevention implements the watchdog and system-degradation
// state machine from spec.md §4.1, grounded on the original Rust sketch
// at original_source/rust/src/shared/system_hang_prevention.rs and its
// FFI surface at original_source/rust/src/ffi/hang_prevention.rs.
package hangprevention

import (
	"sync/atomic"
)

// SystemState is one node of the monotonic Normal -> Degraded -> ReadOnly
// -> Panic state machine (manual reset aside).
type SystemState int32

const (
	StateNormal SystemState = iota
	StateDegraded
	StateReadOnly
	StatePanic
)

func (s SystemState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read_only"
	case StatePanic:
		return "panic"
	default:
		return "unknown"
	}
}

// rank gives the monotonic ordering used to reject backward transitions.
func (s SystemState) rank() int32 { return int32(s) }

// OperationKind tags a watchdog-governed operation (§4.1).
type OperationKind int

const (
	KindRead OperationKind = iota
	KindWrite
	KindSearch
	KindBuild
	KindRecover
	KindMount
)

func (k OperationKind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindSearch:
		return "search"
	case KindBuild:
		return "build"
	case KindRecover:
		return "recover"
	case KindMount:
		return "mount"
	default:
		return "unknown"
	}
}

// stateBox holds the current SystemState atomically so readers never
// block on the mutex that guards consecutive-timeout bookkeeping.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() SystemState  { return SystemState(b.v.Load()) }
func (b *stateBox) store(s SystemState) { b.v.Store(int32(s)) }
