package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a set of goroutines sharing one context. Stop cancels that context and
// waits for every goroutine to return. It is used for background work owned by a longer
// lived object, such as a layer resolving its root or a scheduler flushing its cache.
type StoppableWorkers struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewStoppableWorkers starts each function in its own panic-capturing goroutine. The shared
// context is derived from parent so cancelling parent also stops the workers.
func NewStoppableWorkers(parent context.Context, funcs ...func(context.Context)) *StoppableWorkers {
	ctx, cancel := context.WithCancel(parent)
	sw := &StoppableWorkers{ctx: ctx, cancel: cancel}
	sw.Add(funcs...)
	return sw
}

// Add starts more workers. It returns false without starting anything once Stop was called.
func (sw *StoppableWorkers) Add(funcs ...func(context.Context)) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.ctx.Err() != nil {
		return false
	}

	sw.running.Add(len(funcs))
	for _, f := range funcs {
		f := f
		goutils.PanicCapturingGo(func() {
			defer sw.running.Done()
			f(sw.ctx)
		})
	}
	return true
}

// Stop cancels the shared context and waits for all workers.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	sw.cancel()
	sw.mu.Unlock()
	sw.running.Wait()
}

// Context returns the context handed to workers.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.ctx
}
