// Package scheduler turns concurrent requests for remote resources into a bounded,
// cancellable execution engine. Commands are queued per host, dispatched in FIFO order up to
// a per-host cap, executed by the provider registered for their protocol and, when they
// carry a cache key, answered from a short lived result cache.
package scheduler

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"

	"go.viam.com/pcstream/cache"
	"go.viam.com/pcstream/logging"
	"go.viam.com/pcstream/updatestate"
	"go.viam.com/pcstream/utils"
)

const (
	// DefaultMaxCommandsPerHost bounds how many commands run against a single host at once.
	DefaultMaxCommandsPerHost = 6
	// DefaultCacheFlushInterval is how often expired results are evicted.
	DefaultCacheFlushInterval = time.Minute
)

// ErrClosed is returned when submitting to a closed scheduler.
var ErrClosed = errors.New("scheduler is closed")

// Config tunes a Scheduler. Zero values select the defaults.
type Config struct {
	MaxCommandsPerHost int
	CacheLifetime      time.Duration
	CacheFlushInterval time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxCommandsPerHost <= 0 {
		cfg.MaxCommandsPerHost = DefaultMaxCommandsPerHost
	}
	if cfg.CacheLifetime <= 0 {
		cfg.CacheLifetime = cache.GeometryLifetime
	}
	if cfg.CacheFlushInterval <= 0 {
		cfg.CacheFlushInterval = DefaultCacheFlushInterval
	}
	return cfg
}

// Counters is a snapshot of the command counters of one host.
type Counters struct {
	Pending   int
	Executing int
	Executed  int
	Failed    int
	Cancelled int
}

// CounterKind names a cumulative counter for ResetCommandsCount.
type CounterKind string

// The resettable counters.
const (
	CounterExecuted  CounterKind = "executed"
	CounterFailed    CounterKind = "failed"
	CounterCancelled CounterKind = "cancelled"
)

type hostQueue struct {
	host     string
	waiting  []*queuedCommand
	counters Counters
}

func (q *hostQueue) remove(qc *queuedCommand) bool {
	idx := slices.Index(q.waiting, qc)
	if idx < 0 {
		return false
	}
	q.waiting = slices.Delete(q.waiting, idx, idx+1)
	return true
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for the cache and for failure timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clk
	}
}

// A Scheduler executes commands. It is safe for concurrent use.
type Scheduler struct {
	cfg     Config
	logger  logging.Logger
	clock   clock.Clock
	cache   *cache.Cache[interface{}]
	workers *utils.StoppableWorkers

	mu        sync.Mutex
	providers map[string]Provider
	hosts     map[string]*hostQueue
	closed    bool
}

// New returns a scheduler and starts its cache flushing loop. Close must be called to stop it.
func New(cfg Config, logger logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		clock:     clock.New(),
		providers: map[string]Provider{},
		hosts:     map[string]*hostQueue{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = cache.New[interface{}](s.cfg.CacheLifetime, cache.WithClock(s.clock))
	s.workers = utils.NewStoppableWorkers(context.Background(), s.flushLoop)
	return s
}

func (s *Scheduler) flushLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.CacheFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.cache.FlushNow(); n > 0 {
				s.logger.Debugw("flushed cached results", "count", n)
			}
		}
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Cache returns the result cache. Callers should treat it as read-only.
func (s *Scheduler) Cache() *cache.Cache[interface{}] {
	return s.cache
}

// AddProtocolProvider registers provider for the protocol name, replacing any previous one.
func (s *Scheduler) AddProtocolProvider(name string, provider Provider) error {
	if provider == nil {
		return errors.Errorf("provider for protocol %q must implement ExecuteCommand", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[strings.ToLower(name)] = provider
	return nil
}

// GetProtocolProvider returns the provider registered for the protocol name.
func (s *Scheduler) GetProtocolProvider(name string) (Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[strings.ToLower(name)]
	return p, ok
}

// Execute submits cmd and waits for its result. If ctx is cancelled while the command is
// still queued, it is removed and a cancelled command error is returned.
func (s *Scheduler) Execute(ctx context.Context, cmd *Command) (interface{}, error) {
	h, err := s.Submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Submit queues cmd and returns immediately. Cancelling ctx has the same effect as calling
// Cancel on the returned handle.
func (s *Scheduler) Submit(ctx context.Context, cmd *Command) (*Handle, error) {
	if cmd == nil {
		return nil, errors.New("cannot submit a nil command")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	qc := &queuedCommand{cmd: cmd, done: make(chan struct{})}
	qc.ctx, qc.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{s: s, qc: qc}

	if cmd.cacheable() {
		if v, ok := s.cache.Get(cmd.CacheKey[0], cmd.CacheKey[1:]...); ok {
			qc.cancel()
			qc.status = statusDone
			qc.result = v
			close(qc.done)
			return h, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		qc.cancel()
		return nil, ErrClosed
	}
	if _, ok := s.providers[strings.ToLower(cmd.Protocol)]; !ok {
		qc.cancel()
		return nil, errors.Errorf("no provider registered for protocol %q", cmd.Protocol)
	}

	q, ok := s.hosts[cmd.Host]
	if !ok {
		q = &hostQueue{host: cmd.Host}
		s.hosts[cmd.Host] = q
	}
	qc.queue = q
	q.waiting = append(q.waiting, qc)
	q.counters.Pending = len(q.waiting)
	qc.stop = context.AfterFunc(ctx, h.Cancel)
	s.logger.CDebugw(ctx, "queued command", "id", cmd.ID, "host", cmd.Host, "pending", q.counters.Pending)
	s.drainLocked(q)
	return h, nil
}

// drainLocked dispatches queued commands of q while the host has capacity.
func (s *Scheduler) drainLocked(q *hostQueue) {
	for q.counters.Executing < s.cfg.MaxCommandsPerHost && len(q.waiting) > 0 {
		qc := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.counters.Pending = len(q.waiting)

		if qc.cmd.EarlyDrop != nil && qc.cmd.EarlyDrop(qc.cmd) {
			q.counters.Cancelled++
			s.logger.Debugw("dropped command before dispatch", "id", qc.cmd.ID, "host", q.host)
			qc.completeLocked(nil, utils.NewCancelledCommandError(qc.cmd.ID))
			continue
		}

		provider, ok := s.providers[strings.ToLower(qc.cmd.Protocol)]
		if !ok {
			q.counters.Failed++
			qc.completeLocked(nil, errors.Errorf("no provider registered for protocol %q", qc.cmd.Protocol))
			continue
		}

		qc.status = statusDispatched
		q.counters.Executing++
		if qc.cmd.State != nil {
			qc.cmd.State.NewTry()
		}
		goutils.PanicCapturingGo(func() {
			result, err := s.run(provider, qc)
			s.finish(qc, result, err)
		})
	}
}

func (s *Scheduler) run(provider Provider, qc *queuedCommand) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("provider for protocol %q panicked: %v", qc.cmd.Protocol, r)
		}
	}()
	return provider.ExecuteCommand(qc.ctx, qc.cmd)
}

func (s *Scheduler) finish(qc *queuedCommand, result interface{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := qc.queue
	q.counters.Executing--
	state := qc.cmd.State
	switch {
	case err == nil:
		q.counters.Executed++
		if qc.cmd.cacheable() {
			s.cache.Set(result, qc.cmd.CacheKey[0], qc.cmd.CacheKey[1:]...)
		}
		if state != nil {
			state.Success()
		}
	case s.cancelledByCaller(qc, err):
		q.counters.Cancelled++
		s.logger.Debugw("discarded result of cancelled command", "id", qc.cmd.ID, "host", q.host)
		if state != nil {
			state.Abandon()
		}
	default:
		q.counters.Failed++
		definitive := utils.IsDefinitiveError(err)
		s.logger.Debugw("command failed",
			"id", qc.cmd.ID, "host", q.host, "requester", qc.cmd.Requester, "definitive", definitive, "error", err)
		if state != nil {
			state.Failure(s.clock.Now(), definitive, &updatestate.FailureParams{TargetLevel: qc.cmd.TargetLevel})
		}
	}

	if qc.abandoned {
		qc.completeLocked(nil, utils.NewCancelledCommandError(qc.cmd.ID))
	} else {
		qc.completeLocked(result, err)
	}
	s.drainLocked(q)
}

// cancelledByCaller reports whether err is the provider giving up because the command was
// cancelled, as opposed to the resource itself failing.
func (s *Scheduler) cancelledByCaller(qc *queuedCommand, err error) bool {
	if utils.IsCancelledCommandError(err) {
		return true
	}
	return errors.Is(err, context.Canceled) && qc.ctx.Err() != nil
}

// cancel removes qc from its queue if it has not been dispatched yet. A dispatched command
// keeps running; its provider context is cancelled and its result is discarded.
func (s *Scheduler) cancel(qc *queuedCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch qc.status {
	case statusQueued:
		if qc.queue == nil || !qc.queue.remove(qc) {
			return
		}
		qc.queue.counters.Pending = len(qc.queue.waiting)
		qc.queue.counters.Cancelled++
		s.logger.Debugw("cancelled queued command", "id", qc.cmd.ID, "host", qc.queue.host)
		qc.completeLocked(nil, utils.NewCancelledCommandError(qc.cmd.ID))
	case statusDispatched:
		qc.abandoned = true
		qc.cancel()
	case statusDone:
	}
}

// CommandsWaitingExecutionCount returns the number of queued commands over all hosts.
func (s *Scheduler) CommandsWaitingExecutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.SumBy(lo.Values(s.hosts), func(q *hostQueue) int { return len(q.waiting) })
}

// CommandsRunningCount returns the number of commands currently executing over all hosts.
func (s *Scheduler) CommandsRunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.SumBy(lo.Values(s.hosts), func(q *hostQueue) int { return q.counters.Executing })
}

// Counters returns the counters of host.
func (s *Scheduler) Counters(host string) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.hosts[host]; ok {
		return q.counters
	}
	return Counters{}
}

// Hosts returns the hosts that have seen commands, sorted.
func (s *Scheduler) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := lo.Keys(s.hosts)
	slices.Sort(hosts)
	return hosts
}

// ResetCommandsCount zeroes the given cumulative counter on every host and returns the sum
// it held.
func (s *Scheduler) ResetCommandsCount(kind CounterKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, q := range s.hosts {
		var counter *int
		switch kind {
		case CounterExecuted:
			counter = &q.counters.Executed
		case CounterFailed:
			counter = &q.counters.Failed
		case CounterCancelled:
			counter = &q.counters.Cancelled
		default:
			return 0, errors.Errorf("unknown command counter %q", kind)
		}
		total += *counter
		*counter = 0
	}
	return total, nil
}

// Close cancels every queued command, stops the flush loop and rejects new submissions.
// Running commands are left to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.hosts {
		for _, qc := range q.waiting {
			q.counters.Cancelled++
			qc.completeLocked(nil, utils.NewCancelledCommandError(qc.cmd.ID))
		}
		q.waiting = nil
		q.counters.Pending = 0
	}
	s.mu.Unlock()
	s.workers.Stop()
}

// A Handle is the completion of a submitted command.
type Handle struct {
	s  *Scheduler
	qc *queuedCommand
}

// ID returns the command id.
func (h *Handle) ID() string {
	return h.qc.cmd.ID
}

// Done is closed once the command completed, failed or was cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.qc.done
}

// Cancel withdraws interest in the command. A queued command is removed and completes with
// a cancelled command error; a running one completes the same way once its provider returns.
func (h *Handle) Cancel() {
	h.s.cancel(h.qc)
}

// Wait blocks until the command completes. If ctx ends first the command is cancelled and
// a cancelled command error is returned.
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-h.qc.done:
		return h.qc.result, h.qc.err
	case <-ctx.Done():
		h.Cancel()
		select {
		case <-h.qc.done:
			if h.qc.err == nil {
				return h.qc.result, nil
			}
		default:
		}
		return nil, utils.NewCancelledCommandError(h.qc.cmd.ID)
	}
}
