package scheduler

import (
	"context"

	"go.viam.com/pcstream/updatestate"
)

// A Command is one unit of work submitted to the scheduler: fetch these bytes, fetch this
// hierarchy page. It is routed to the provider registered for its Protocol and queued
// behind other commands for the same Host.
type Command struct {
	// ID identifies the command in logs and cancellation errors. A random id is assigned on
	// submission when empty.
	ID string
	// Host is the queue the command waits in; at most MaxCommandsPerHost commands per host run
	// at once.
	Host string
	// Protocol selects the provider, compared case-insensitively.
	Protocol string
	// Requester names who asked, for logging.
	Requester string
	// TargetLevel is the octree depth the command serves, or -1.
	TargetLevel int
	// Payload is interpreted by the provider.
	Payload interface{}
	// CacheKey, when set, makes the result cacheable under these 1 to 3 parts.
	CacheKey []interface{}
	// EarlyDrop is consulted when the command reaches the head of its queue. Returning true
	// drops the command as cancelled without executing it. It must not call the scheduler.
	EarlyDrop func(*Command) bool
	// State, when set, receives NewTry on dispatch and Success or Failure on completion.
	State *updatestate.State
}

func (cmd *Command) cacheable() bool {
	return len(cmd.CacheKey) > 0 && len(cmd.CacheKey) <= 3
}

// A Provider executes commands for one protocol.
type Provider interface {
	ExecuteCommand(ctx context.Context, cmd *Command) (interface{}, error)
}

// ProviderFunc adapts a function to a Provider.
type ProviderFunc func(ctx context.Context, cmd *Command) (interface{}, error)

// ExecuteCommand calls f.
func (f ProviderFunc) ExecuteCommand(ctx context.Context, cmd *Command) (interface{}, error) {
	return f(ctx, cmd)
}

type commandStatus int

const (
	statusQueued commandStatus = iota
	statusDispatched
	statusDone
)

// queuedCommand is a command together with its completion. All fields except done, result
// and err after done is closed are guarded by the scheduler mutex.
type queuedCommand struct {
	cmd       *Command
	queue     *hostQueue
	status    commandStatus
	abandoned bool

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	done   chan struct{}
	result interface{}
	err    error
}

func (qc *queuedCommand) completeLocked(result interface{}, err error) {
	qc.status = statusDone
	qc.result = result
	qc.err = err
	if qc.stop != nil {
		qc.stop()
	}
	qc.cancel()
	close(qc.done)
}
