package attach

import (
	"os"
	"strconv"
	"sync/atomic"
)

// AttachedEnv is set to "true" by the agent inside a process it has attached
// to. State treats it as proof that the current process is already attached.
const AttachedEnv = "CORAL_AGENT_ATTACHED"

// Phase is the attachment state of the current process.
type Phase int32

const (
	NotAttached Phase = iota
	Attaching
	Attached
)

func (p Phase) String() string {
	switch p {
	case NotAttached:
		return "not_attached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	default:
		return "unknown"
	}
}

// State tracks whether the current process has an agent attached. Only one
// attach of the current process can be in flight, and once it succeeds the
// process stays attached. A failed attempt returns to NotAttached so callers
// can retry.
//
// External targets are not tracked.
type State struct {
	phase atomic.Int32

	// signal reports the agent's own "attached" marker. Defaults to reading
	// AttachedEnv.
	signal func() bool
}

// NewState creates a State that honors AttachedEnv.
func NewState() *State {
	return &State{signal: envSignal}
}

func envSignal() bool {
	v, err := strconv.ParseBool(os.Getenv(AttachedEnv))
	return err == nil && v
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	if s.signal != nil && s.signal() {
		return Attached
	}
	return Phase(s.phase.Load())
}

// IsAttached reports whether the current process is attached.
func (s *State) IsAttached() bool {
	return s.Phase() == Attached
}

// TryTransitionToAttaching moves NotAttached to Attaching and reports whether
// it did. It fails if the process is attached or another attach is running.
func (s *State) TryTransitionToAttaching() bool {
	if s.signal != nil && s.signal() {
		return false
	}
	return s.phase.CompareAndSwap(int32(NotAttached), int32(Attaching))
}

// MarkAttached completes an attach started with TryTransitionToAttaching.
func (s *State) MarkAttached() {
	s.phase.CompareAndSwap(int32(Attaching), int32(Attached))
}

// MarkFailed abandons an attach started with TryTransitionToAttaching.
func (s *State) MarkFailed() {
	s.phase.CompareAndSwap(int32(Attaching), int32(NotAttached))
}
