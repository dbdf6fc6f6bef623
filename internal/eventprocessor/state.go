package eventprocessor

import "sync/atomic"

// TrackingState is the processor lifecycle (spec §3). Only STARTED
// permits processing; transitions are compare-and-swap so concurrent
// start()/shutDown() callers and a worker's uncaught-error path never
// race each other the way a plain bool would.
type TrackingState int32

const (
	NotStarted TrackingState = iota
	Started
	Paused
	PausedError
	ShutDown
)

func (s TrackingState) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Started:
		return "STARTED"
	case Paused:
		return "PAUSED"
	case PausedError:
		return "PAUSED_ERROR"
	case ShutDown:
		return "SHUT_DOWN"
	default:
		return "UNKNOWN"
	}
}

// stateHolder is an atomic TrackingState with the transition rules from
// spec §3: any state may move to ShutDown, and that move is terminal
// within a lifecycle (a later Set is a no-op once ShutDown).
type stateHolder struct {
	v atomic.Int32
}

func newStateHolder() *stateHolder {
	h := &stateHolder{}
	h.v.Store(int32(NotStarted))
	return h
}

func (h *stateHolder) Get() TrackingState {
	return TrackingState(h.v.Load())
}

// Set unconditionally overwrites the state, unless the current state is
// already ShutDown (terminal).
func (h *stateHolder) Set(s TrackingState) {
	for {
		cur := TrackingState(h.v.Load())
		if cur == ShutDown {
			return
		}
		if h.v.CompareAndSwap(int32(cur), int32(s)) {
			return
		}
	}
}

// CompareAndSwap transitions from->to iff the current state equals
// from. Used by start() to only spawn a Launcher on the edge into
// Started.
func (h *stateHolder) CompareAndSwap(from, to TrackingState) bool {
	return h.v.CompareAndSwap(int32(from), int32(to))
}

func (h *stateHolder) IsRunning() bool {
	return h.Get() == Started
}

func (h *stateHolder) IsError() bool {
	return h.Get() == PausedError
}
