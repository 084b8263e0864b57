// Package supervise runs long-lived background tasks that restart after a
// runtime failure and stop for good after a permanent one.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"
)

const DefaultRestartDelay = time.Second

// Task is one background loop. Returning nil means the task is done.
type Task func(ctx context.Context) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as fatal for the task: it is not restarted.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type options struct {
	delay     time.Duration
	onRestart func(name string, err error)
}

type Option func(*options)

func WithRestartDelay(d time.Duration) Option {
	return func(o *options) { o.delay = d }
}

// OnRestart is called before every restart.
func OnRestart(fn func(name string, err error)) Option {
	return func(o *options) { o.onRestart = fn }
}

// Run executes task under a suture supervisor until it returns nil, returns a
// permanent error, or ctx ends. Any other error, including a panic, restarts
// it after the delay.
func Run(ctx context.Context, name string, task Task, opts ...Option) error {
	o := options{delay: DefaultRestartDelay}
	for _, fn := range opts {
		fn(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc := &service{name: name, task: task, opts: o, stop: cancel}
	sup := suture.New(name, suture.Spec{
		EventHook:        svc.event,
		FailureThreshold: math.MaxFloat64,
	})
	sup.Add(svc)
	_ = sup.Serve(ctx)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !svc.finished {
		return ctx.Err()
	}
	return svc.result
}

// Go runs the task on its own goroutine.
func Go(ctx context.Context, name string, task Task, opts ...Option) {
	go func() {
		_ = Run(ctx, name, task, opts...)
	}()
}

type service struct {
	name string
	task Task
	opts options
	runs int
	stop context.CancelFunc

	mu       sync.Mutex
	finished bool
	result   error
}

func (s *service) String() string { return s.name }

func (s *service) Serve(ctx context.Context) error {
	if s.runs > 0 {
		log.Info().Str("module", "supervise").Str("task", s.name).Int("attempt", s.runs).Msg("restarting crashed task")
		t := time.NewTimer(s.opts.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return s.finish(ctx.Err())
		case <-t.C:
		}
	}
	s.runs++

	err := s.task(ctx)
	switch {
	case err == nil:
		return s.finish(nil)
	case IsPermanent(err):
		log.Error().Str("module", "supervise").Str("task", s.name).Err(err).Msg("task terminated")
		return s.finish(err)
	case ctx.Err() != nil:
		return s.finish(ctx.Err())
	}

	log.Warn().Str("module", "supervise").Str("task", s.name).Err(err).Msg("uncaught error in task")
	s.restarted(err)
	return err
}

// finish records the task's outcome and stops the supervisor.
func (s *service) finish(err error) error {
	s.mu.Lock()
	if !s.finished {
		s.finished = true
		s.result = err
	}
	s.mu.Unlock()
	s.stop()
	return suture.ErrDoNotRestart
}

func (s *service) restarted(err error) {
	if s.opts.onRestart != nil {
		s.opts.onRestart(s.name, err)
	}
}

func (s *service) event(ev suture.Event) {
	switch e := ev.(type) {
	case suture.EventServicePanic:
		log.Warn().Str("module", "supervise").Str("task", s.name).
			Str("panic", e.PanicMsg).Str("stack", e.Stacktrace).
			Msg("uncaught panic in task")
		s.restarted(fmt.Errorf("panic: %s", e.PanicMsg))
	case suture.EventStopTimeout:
		log.Error().Str("module", "supervise").Str("task", s.name).Msg("task did not stop in time")
	case suture.EventBackoff:
		log.Warn().Str("module", "supervise").Str("task", s.name).Msg("supervisor backing off")
	}
}
