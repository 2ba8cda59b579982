package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrDrainTimeout = errors.New("drain timeout")
)

// LifecycleRunner serves until its context ends, Stop is called or Fail
// reports a fatal error, then drains within the timeout.
type LifecycleRunner struct {
	state    int32
	quit     chan struct{}
	onceQuit sync.Once
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	failErr  error
	timeout  time.Duration
	out      io.Writer
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state:   int32(StateNew),
		quit:    make(chan struct{}),
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		out:     os.Stdout,
	}
}

// SetBannerOutput redirects the startup banner. Call before Run.
func (r *LifecycleRunner) SetBannerOutput(w io.Writer) { r.out = w }

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrInvalidState
	}
	PrintBanner(r.out)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			r.setState(StateStopped)
			return err
		}
	}
	r.setState(StateRunning)
	<-ctx.Done()
	stopErr := r.stop()
	return errors.Join(r.failErr, stopErr)
}

func (r *LifecycleRunner) Stop() error {
	r.onceQuit.Do(func() { close(r.quit) })
	return r.stop()
}

// Fail stops the runner because a component can no longer serve. It is a
// no-op once Stop or Fail has been called.
func (r *LifecycleRunner) Fail(err error) {
	r.onceQuit.Do(func() {
		r.failErr = err
		close(r.quit)
	})
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			done := make(chan error, 1)
			go func() {
				done <- r.drainer.Drain(ctx)
			}()
			select {
			case err := <-done:
				r.stopErr = err
			case <-ctx.Done():
				r.stopErr = ErrDrainTimeout
			}
			cancel()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
