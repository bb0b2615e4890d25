// Package poller implements the bounded-retry wait the coordinator uses to
// find out whether every replica has finished its run segment.
//
// The job queue offers no completion events, only a pull-based done flag, so
// the poller sleeps, checks, and retries a bounded number of times.
package poller

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
	"github.com/Iron-Ham/replex/internal/logging"
)

// CheckFunc reports whether the awaited condition holds.
type CheckFunc func(ctx context.Context) (bool, error)

// SleepFunc blocks for d or until ctx is done or wake fires. woken reports
// that wake ended the sleep early; err is ctx.Err() when the context did.
type SleepFunc func(ctx context.Context, d time.Duration, wake <-chan struct{}) (woken bool, err error)

// Wait holds the parameters of one bounded wait.
type Wait struct {
	// Initial is slept once before the first check.
	Initial time.Duration
	// Retry is slept before each further check.
	Retry time.Duration
	// MaxRetries is the number of checks after the first one.
	MaxRetries int
}

// Poller waits for a check to succeed.
type Poller struct {
	check  CheckFunc
	sleep  SleepFunc
	wake   <-chan struct{}
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithSleep replaces the clock-based sleep; tests use it to run instantly.
func WithSleep(fn SleepFunc) Option {
	return func(p *Poller) { p.sleep = fn }
}

// WithWake lets a signal trigger an extra check during a Retry sleep, for
// example a filesystem watcher reporting that a document changed. Extra
// checks do not count against MaxRetries and the Retry deadline still holds.
func WithWake(wake <-chan struct{}) Option {
	return func(p *Poller) { p.wake = wake }
}

// WithLogger sets the logger for failed checks.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a poller around check.
func New(check CheckFunc, opts ...Option) *Poller {
	p := &Poller{
		check:  check,
		sleep:  Sleep,
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitUntilAllDone sleeps w.Initial, checks, and then retries up to
// w.MaxRetries times with w.Retry between checks. It returns true as soon as
// a check succeeds and false once the retries are exhausted. A check error
// counts as "not done". The only error returned is cancellation.
func (p *Poller) WaitUntilAllDone(ctx context.Context, w Wait) (bool, error) {
	if _, err := p.sleep(ctx, w.Initial, nil); err != nil {
		return false, canceled(err)
	}

	for attempt := 0; ; attempt++ {
		if p.evaluate(ctx, attempt) {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, canceled(err)
		}
		if attempt >= w.MaxRetries {
			p.logger.Info("replicas not done after retries", "checks", attempt+1)
			return false, nil
		}
		done, err := p.retryDelay(ctx, w.Retry, attempt)
		if err != nil {
			return false, canceled(err)
		}
		if done {
			return true, nil
		}
	}
}

// retryDelay sleeps d in full. Each wake signal in between runs an extra
// check and the sleep resumes with whatever is left of d.
func (p *Poller) retryDelay(ctx context.Context, d time.Duration, attempt int) (bool, error) {
	deadline := p.now().Add(d)
	for {
		woken, err := p.sleep(ctx, d, p.wake)
		if err != nil || !woken {
			return false, err
		}
		p.logger.Debug("woken before retry", "check", attempt)
		if p.evaluate(ctx, attempt) {
			return true, nil
		}
		if d = deadline.Sub(p.now()); d <= 0 {
			return false, ctx.Err()
		}
	}
}

// evaluate drains pending wake signals first; the check itself observes
// every change they announced.
func (p *Poller) evaluate(ctx context.Context, attempt int) bool {
	p.drainWake()
	done, err := p.check(ctx)
	if err != nil {
		p.logger.Warn("status check failed", "check", attempt, "error", err.Error())
		return false
	}
	p.logger.Debug("status checked", "check", attempt, "done", done)
	return done
}

func canceled(err error) error {
	return fmt.Errorf("%w: %w", apperrors.ErrCanceled, err)
}

func (p *Poller) drainWake() {
	for {
		select {
		case _, ok := <-p.wake:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Sleep is the default SleepFunc backed by a timer. A closed wake channel
// is ignored.
func Sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) (bool, error) {
	if d <= 0 {
		return false, ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case _, ok := <-wake:
			if ok {
				return true, nil
			}
			wake = nil
		}
	}
}
