package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/pcstream/logging"
	"go.viam.com/pcstream/updatestate"
	"go.viam.com/pcstream/utils"
)

// gatedProvider blocks every command until release is closed and records the order in
// which commands started.
type gatedProvider struct {
	release chan struct{}
	started chan string

	running atomic.Int32
	maxSeen atomic.Int32

	mu    sync.Mutex
	order []string
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{release: make(chan struct{}), started: make(chan string, 100)}
}

func (p *gatedProvider) ExecuteCommand(ctx context.Context, cmd *Command) (interface{}, error) {
	n := p.running.Inc()
	for {
		seen := p.maxSeen.Load()
		if n <= seen || p.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	p.mu.Lock()
	p.order = append(p.order, cmd.ID)
	p.mu.Unlock()
	p.started <- cmd.ID

	<-p.release
	p.running.Dec()
	return cmd.Payload, nil
}

func (p *gatedProvider) startedOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func newTestScheduler(t *testing.T, maxPerHost int) *Scheduler {
	t.Helper()
	s := New(Config{MaxCommandsPerHost: maxPerHost}, logging.NewTestLogger(t), WithClock(clock.NewMock()))
	t.Cleanup(s.Close)
	return s
}

func TestProviderRegistry(t *testing.T) {
	s := newTestScheduler(t, 0)
	test.That(t, s.Config().MaxCommandsPerHost, test.ShouldEqual, DefaultMaxCommandsPerHost)

	err := s.AddProtocolProvider("range", nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "must implement ExecuteCommand")

	first := ProviderFunc(func(context.Context, *Command) (interface{}, error) { return 1, nil })
	second := ProviderFunc(func(context.Context, *Command) (interface{}, error) { return 2, nil })
	test.That(t, s.AddProtocolProvider("Range", first), test.ShouldBeNil)
	test.That(t, s.AddProtocolProvider("RANGE", second), test.ShouldBeNil)

	p, ok := s.GetProtocolProvider("range")
	test.That(t, ok, test.ShouldBeTrue)
	res, err := p.ExecuteCommand(context.Background(), &Command{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldEqual, 2)

	_, err = s.Execute(context.Background(), &Command{Host: "h", Protocol: "wms"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `no provider registered for protocol "wms"`)
}

func TestHostConcurrencyBound(t *testing.T) {
	s := newTestScheduler(t, 2)
	p := newGatedProvider()
	test.That(t, s.AddProtocolProvider("test", p), test.ShouldBeNil)

	var handles []*Handle
	for i := 0; i < 6; i++ {
		h, err := s.Submit(context.Background(), &Command{Host: "a.example.com", Protocol: "test", Payload: i})
		test.That(t, err, test.ShouldBeNil)
		handles = append(handles, h)
	}
	other, err := s.Submit(context.Background(), &Command{Host: "b.example.com", Protocol: "test"})
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < 3; i++ {
		<-p.started
	}
	test.That(t, s.CommandsRunningCount(), test.ShouldEqual, 3)
	test.That(t, s.CommandsWaitingExecutionCount(), test.ShouldEqual, 4)
	test.That(t, s.Counters("a.example.com").Executing, test.ShouldEqual, 2)
	test.That(t, s.Counters("a.example.com").Pending, test.ShouldEqual, 4)
	test.That(t, s.Hosts(), test.ShouldResemble, []string{"a.example.com", "b.example.com"})

	close(p.release)
	for i, h := range handles {
		res, err := h.Wait(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res, test.ShouldEqual, i)
	}
	_, err = other.Wait(context.Background())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, p.maxSeen.Load(), test.ShouldBeLessThanOrEqualTo, int32(3))
	test.That(t, s.Counters("a.example.com"), test.ShouldResemble, Counters{Executed: 6})
	test.That(t, s.CommandsRunningCount(), test.ShouldEqual, 0)
}

func TestFIFOWithinHost(t *testing.T) {
	s := newTestScheduler(t, 1)
	p := newGatedProvider()
	test.That(t, s.AddProtocolProvider("test", p), test.ShouldBeNil)

	ids := []string{"first", "second", "third", "fourth"}
	var handles []*Handle
	for _, id := range ids {
		h, err := s.Submit(context.Background(), &Command{ID: id, Host: "h", Protocol: "test"})
		test.That(t, err, test.ShouldBeNil)
		handles = append(handles, h)
	}
	close(p.release)
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, p.startedOrder(), test.ShouldResemble, ids)
}

func TestCancelQueuedCommand(t *testing.T) {
	s := newTestScheduler(t, 1)
	p := newGatedProvider()
	test.That(t, s.AddProtocolProvider("test", p), test.ShouldBeNil)

	blocker, err := s.Submit(context.Background(), &Command{ID: "blocker", Host: "h", Protocol: "test"})
	test.That(t, err, test.ShouldBeNil)
	<-p.started

	state := updatestate.New()
	queued, err := s.Submit(context.Background(), &Command{ID: "queued", Host: "h", Protocol: "test", State: state})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.CommandsWaitingExecutionCount(), test.ShouldEqual, 1)

	queued.Cancel()
	_, err = queued.Wait(context.Background())
	test.That(t, utils.IsCancelledCommandError(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldEqual, "command queued cancelled")
	test.That(t, s.CommandsWaitingExecutionCount(), test.ShouldEqual, 0)
	test.That(t, s.Counters("h").Cancelled, test.ShouldEqual, 1)
	test.That(t, s.Counters("h").Failed, test.ShouldEqual, 0)
	test.That(t, state.Status(), test.ShouldEqual, updatestate.Idle)
	test.That(t, state.ErrorCount(), test.ShouldEqual, 0)

	close(p.release)
	_, err = blocker.Wait(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.startedOrder(), test.ShouldResemble, []string{"blocker"})
}

func TestContextCancelWhileQueued(t *testing.T) {
	s := newTestScheduler(t, 1)
	p := newGatedProvider()
	test.That(t, s.AddProtocolProvider("test", p), test.ShouldBeNil)

	_, err := s.Submit(context.Background(), &Command{Host: "h", Protocol: "test"})
	test.That(t, err, test.ShouldBeNil)
	<-p.started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, &Command{Host: "h", Protocol: "test"})
		errCh <- err
	}()
	for s.CommandsWaitingExecutionCount() != 1 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	err = <-errCh
	test.That(t, utils.IsCancelledCommandError(err), test.ShouldBeTrue)
	test.That(t, utils.IsDefinitiveError(err), test.ShouldBeFalse)

	// the queue may be drained by the context callback slightly after Wait returns
	for s.CommandsWaitingExecutionCount() != 0 {
		time.Sleep(time.Millisecond)
	}
	test.That(t, s.Counters("h").Cancelled, test.ShouldEqual, 1)
	close(p.release)
}

func TestCancelDispatchedCommand(t *testing.T) {
	s := newTestScheduler(t, 1)
	p := newGatedProvider()
	test.That(t, s.AddProtocolProvider("test", p), test.ShouldBeNil)

	h, err := s.Submit(context.Background(), &Command{ID: "running", Host: "h", Protocol: "test"})
	test.That(t, err, test.ShouldBeNil)
	<-p.started

	h.Cancel()
	test.That(t, s.CommandsRunningCount(), test.ShouldEqual, 1)
	close(p.release)
	<-h.Done()

	_, err = h.Wait(context.Background())
	test.That(t, utils.IsCancelledCommandError(err), test.ShouldBeTrue)
	test.That(t, s.Counters("h").Executed, test.ShouldEqual, 1)
	test.That(t, s.Counters("h").Failed, test.ShouldEqual, 0)
}

func TestCancelDispatchedCommandThatFails(t *testing.T) {
	s := newTestScheduler(t, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	provider := ProviderFunc(func(context.Context, *Command) (interface{}, error) {
		close(started)
		<-release
		return nil, errors.New("status 500")
	})
	test.That(t, s.AddProtocolProvider("test", provider), test.ShouldBeNil)

	state := updatestate.New()
	h, err := s.Submit(context.Background(), &Command{ID: "failing", Host: "h", Protocol: "test", State: state})
	test.That(t, err, test.ShouldBeNil)
	<-started

	h.Cancel()
	close(release)
	<-h.Done()

	_, err = h.Wait(context.Background())
	test.That(t, utils.IsCancelledCommandError(err), test.ShouldBeTrue)
	test.That(t, s.Counters("h"), test.ShouldResemble, Counters{Failed: 1})
	test.That(t, state.Status(), test.ShouldEqual, updatestate.Error)
	test.That(t, state.ErrorCount(), test.ShouldEqual, 1)
}

func TestCancelDispatchedCommandHonoringContext(t *testing.T) {
	s := newTestScheduler(t, 1)
	started := make(chan struct{})
	provider := ProviderFunc(func(ctx context.Context, _ *Command) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, errors.Wrap(ctx.Err(), "reading body")
	})
	test.That(t, s.AddProtocolProvider("test", provider), test.ShouldBeNil)

	state := updatestate.New()
	h, err := s.Submit(context.Background(), &Command{ID: "aborted", Host: "h", Protocol: "test", State: state})
	test.That(t, err, test.ShouldBeNil)
	<-started

	h.Cancel()
	<-h.Done()

	_, err = h.Wait(context.Background())
	test.That(t, utils.IsCancelledCommandError(err), test.ShouldBeTrue)
	test.That(t, s.Counters("h"), test.ShouldResemble, Counters{Cancelled: 1})
	test.That(t, state.InError(), test.ShouldBeFalse)
}

func TestEarlyDrop(t *testing.T) {
	s := newTestScheduler(t, 1)
	var calls atomic.Int32
	provider := ProviderFunc(func(context.Context, *Command) (interface{}, error) {
		calls.Inc()
		return nil, nil
	})
	test.That(t, s.AddProtocolProvider("test", provider), test.ShouldBeNil)

	_, err := s.Execute(context.Background(), &Command{
		Host: "h", Protocol: "test",
		EarlyDrop: func(*Command) bool { return true },
	})
	test.That(t, utils.IsCancelledCommandError(err), test.ShouldBeTrue)
	test.That(t, calls.Load(), test.ShouldEqual, int32(0))
	test.That(t, s.Counters("h").Cancelled, test.ShouldEqual, 1)
}

func TestCachedResults(t *testing.T) {
	s := newTestScheduler(t, 0)
	var calls atomic.Int32
	provider := ProviderFunc(func(_ context.Context, cmd *Command) (interface{}, error) {
		calls.Inc()
		return []byte("bytes"), nil
	})
	test.That(t, s.AddProtocolProvider("test", provider), test.ShouldBeNil)

	cmd := func() *Command {
		return &Command{Host: "h", Protocol: "test", CacheKey: []interface{}{"http://h/a", 0, 10}}
	}
	first, err := s.Execute(context.Background(), cmd())
	test.That(t, err, test.ShouldBeNil)
	second, err := s.Execute(context.Background(), cmd())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldResemble, first)
	test.That(t, calls.Load(), test.ShouldEqual, int32(1))
	test.That(t, s.Counters("h").Executed, test.ShouldEqual, 1)

	_, err = s.Execute(context.Background(), &Command{Host: "h", Protocol: "test"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, calls.Load(), test.ShouldEqual, int32(2))
	test.That(t, s.Cache().Len(), test.ShouldEqual, 1)
}

func TestFailuresFeedUpdateState(t *testing.T) {
	s := newTestScheduler(t, 0)
	var next error
	provider := ProviderFunc(func(context.Context, *Command) (interface{}, error) {
		return nil, next
	})
	test.That(t, s.AddProtocolProvider("test", provider), test.ShouldBeNil)

	state := updatestate.New()
	run := func() error {
		_, err := s.Execute(context.Background(), &Command{Host: "h", Protocol: "test", State: state, TargetLevel: 3})
		return err
	}

	next = utils.NewTransientNetworkError("http://h/a", errors.New("reset"))
	test.That(t, utils.IsTransientNetworkError(run()), test.ShouldBeTrue)
	test.That(t, state.Status(), test.ShouldEqual, updatestate.Error)
	test.That(t, state.ErrorCount(), test.ShouldEqual, 1)

	next = utils.NewMalformedFormatError("hierarchy page", "truncated")
	test.That(t, utils.IsMalformedFormatError(run()), test.ShouldBeTrue)
	test.That(t, state.Status(), test.ShouldEqual, updatestate.DefinitiveError)
	test.That(t, state.ErrorCount(), test.ShouldEqual, 2)
	test.That(t, state.LowestLevelError(), test.ShouldEqual, 3)

	next = nil
	test.That(t, run(), test.ShouldBeNil)
	test.That(t, state.ErrorCount(), test.ShouldEqual, 0)
	test.That(t, state.Status(), test.ShouldEqual, updatestate.Idle)
	test.That(t, s.Counters("h"), test.ShouldResemble, Counters{Executed: 1, Failed: 2})
}

func TestProviderPanic(t *testing.T) {
	s := newTestScheduler(t, 0)
	provider := ProviderFunc(func(context.Context, *Command) (interface{}, error) {
		panic("boom")
	})
	test.That(t, s.AddProtocolProvider("test", provider), test.ShouldBeNil)
	_, err := s.Execute(context.Background(), &Command{Host: "h", Protocol: "test"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "panicked: boom")
	test.That(t, s.Counters("h").Failed, test.ShouldEqual, 1)
}

func TestResetCommandsCount(t *testing.T) {
	s := newTestScheduler(t, 0)
	provider := ProviderFunc(func(context.Context, *Command) (interface{}, error) { return nil, nil })
	test.That(t, s.AddProtocolProvider("test", provider), test.ShouldBeNil)
	for _, host := range []string{"a", "b", "b"} {
		_, err := s.Execute(context.Background(), &Command{Host: host, Protocol: "test"})
		test.That(t, err, test.ShouldBeNil)
	}

	n, err := s.ResetCommandsCount(CounterExecuted)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 3)
	test.That(t, s.Counters("b").Executed, test.ShouldEqual, 0)

	_, err = s.ResetCommandsCount("executing")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCloseCancelsQueued(t *testing.T) {
	s := New(Config{MaxCommandsPerHost: 1}, logging.NewTestLogger(t))
	p := newGatedProvider()
	test.That(t, s.AddProtocolProvider("test", p), test.ShouldBeNil)

	running, err := s.Submit(context.Background(), &Command{Host: "h", Protocol: "test"})
	test.That(t, err, test.ShouldBeNil)
	<-p.started
	queued, err := s.Submit(context.Background(), &Command{Host: "h", Protocol: "test"})
	test.That(t, err, test.ShouldBeNil)

	s.Close()
	_, err = queued.Wait(context.Background())
	test.That(t, utils.IsCancelledCommandError(err), test.ShouldBeTrue)

	_, err = s.Submit(context.Background(), &Command{Host: "h", Protocol: "test"})
	test.That(t, err, test.ShouldBeError, ErrClosed)

	close(p.release)
	_, err = running.Wait(context.Background())
	test.That(t, err, test.ShouldBeNil)
}

func TestCollector(t *testing.T) {
	s := newTestScheduler(t, 0)
	provider := ProviderFunc(func(context.Context, *Command) (interface{}, error) { return nil, nil })
	test.That(t, s.AddProtocolProvider("test", provider), test.ShouldBeNil)
	_, err := s.Execute(context.Background(), &Command{Host: "h", Protocol: "test"})
	test.That(t, err, test.ShouldBeNil)

	c := NewCollector(s)
	test.That(t, testutil.CollectAndCount(c, "pcstream_scheduler_commands"), test.ShouldEqual, 5)
	test.That(t, testutil.CollectAndCount(c, "pcstream_scheduler_cache_lookups_total"), test.ShouldEqual, 2)
}
