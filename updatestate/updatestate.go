// Package updatestate tracks, for a given requester and resource (a node and its data, a
// host, a hierarchy page), whether a new attempt is worth making. It stores the number of
// consecutive failures, when the last one happened and whether the failure was definitive,
// so that callers can back off instead of hammering a failing resource.
package updatestate

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Status is the coarse state of a State.
type Status int

const (
	// Idle means no attempt is in flight and a new one can start.
	Idle Status = iota
	// Pending means an attempt is in flight.
	Pending
	// Error means the last attempt failed and may be retried after a pause.
	Error
	// DefinitiveError means the last attempt failed in a way retrying cannot fix.
	DefinitiveError
	// Finished means no more update is possible, ever.
	Finished
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Error:
		return "error"
	case DefinitiveError:
		return "definitive_error"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// PauseBetweenErrors is the backoff curve: the pause after the nth consecutive failure is
// PauseBetweenErrors[min(n, len)-1].
var PauseBetweenErrors = []time.Duration{
	1 * time.Second,
	3 * time.Second,
	7 * time.Second,
	60 * time.Second,
}

// FailureParams carries optional details about a failure.
type FailureParams struct {
	// TargetLevel is the octree depth that was requested when the failure happened, or -1.
	TargetLevel int
}

// State is the update state of one requester/resource pair. It is safe for concurrent use.
type State struct {
	clock clock.Clock

	mu                 sync.Mutex
	status             Status
	lastErrorTimestamp time.Time
	errorCount         int
	lowestLevelError   int
}

// New returns an idle state using the wall clock.
func New() *State {
	return NewWithClock(clock.New())
}

// NewWithClock returns an idle state using the given clock as its default time source.
func NewWithClock(clk clock.Clock) *State {
	return &State{clock: clk, lowestLevelError: math.MaxInt}
}

// Status returns the current status.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ErrorCount returns the number of consecutive failures since the last success.
func (s *State) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}

// LastErrorTimestamp returns when the last failure was recorded.
func (s *State) LastErrorTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrorTimestamp
}

// LowestLevelError returns the lowest target level that failed, or math.MaxInt.
func (s *State) LowestLevelError() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lowestLevelError
}

// CanTryUpdate returns whether a new attempt may start at the given time. It is false while
// an attempt is pending, inside the backoff window, or after a definitive failure.
func (s *State) CanTryUpdate(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case Idle:
		return true
	case Pending, DefinitiveError, Finished:
		return false
	case Error:
		return !now.Before(s.lastErrorTimestamp.Add(s.pauseLocked()))
	default:
		return false
	}
}

// CanTryUpdateNow is CanTryUpdate at the current time of the state clock.
func (s *State) CanTryUpdateNow() bool {
	return s.CanTryUpdate(s.clock.Now())
}

// SecondsUntilNextTry returns the length of the backoff window following the last failure.
// It does not decrease as consecutive failures accumulate. It is +Inf once the state is
// terminal (DefinitiveError or Finished) and 0 when the state is idle or pending.
func (s *State) SecondsUntilNextTry() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case Error:
		return s.pauseLocked().Seconds()
	case DefinitiveError, Finished:
		return math.Inf(1)
	default:
		return 0
	}
}

func (s *State) pauseLocked() time.Duration {
	if s.errorCount <= 0 {
		return 0
	}
	idx := s.errorCount
	if idx > len(PauseBetweenErrors) {
		idx = len(PauseBetweenErrors)
	}
	return PauseBetweenErrors[idx-1]
}

// NewTry marks an attempt as starting.
func (s *State) NewTry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Finished {
		return
	}
	s.status = Pending
}

// Success resets the failure count and clears a definitive error. A finished state stays
// finished.
func (s *State) Success() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount = 0
	s.lastErrorTimestamp = time.Time{}
	if s.status != Finished {
		s.status = Idle
	}
}

// Abandon undoes NewTry for an attempt whose outcome nobody waits for. The failure count is
// left untouched.
func (s *State) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Pending {
		return
	}
	if s.errorCount > 0 {
		s.status = Error
	} else {
		s.status = Idle
	}
}

// NoMoreUpdatePossible marks the state as finished. It is terminal.
func (s *State) NoMoreUpdatePossible() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Finished
}

// NoData records that the attempt succeeded but had nothing to return at the given level;
// the level is remembered so callers can stop asking for deeper levels.
func (s *State) NoData(params FailureParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Finished {
		s.status = Idle
	}
	if params.TargetLevel >= 0 && params.TargetLevel < s.lowestLevelError {
		s.lowestLevelError = params.TargetLevel
	}
}

// Failure records a failed attempt at the given time. A definitive failure disables
// retries until the next Success.
func (s *State) Failure(timestamp time.Time, definitive bool, params *FailureParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params != nil && params.TargetLevel >= 0 && params.TargetLevel < s.lowestLevelError {
		s.lowestLevelError = params.TargetLevel
	}
	s.lastErrorTimestamp = timestamp
	s.errorCount++
	if s.status == Finished {
		return
	}
	if definitive {
		s.status = DefinitiveError
	} else {
		s.status = Error
	}
}

// FailureNow is Failure at the current time of the state clock.
func (s *State) FailureNow(definitive bool, params *FailureParams) {
	s.Failure(s.clock.Now(), definitive, params)
}

// InError returns whether the last attempt failed.
func (s *State) InError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == Error || s.status == DefinitiveError
}
