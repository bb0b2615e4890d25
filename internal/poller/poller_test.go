package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
)

// recorder replaces the clock and records every requested sleep.
type recorder struct {
	sleeps []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration, _ <-chan struct{}) (bool, error) {
	r.sleeps = append(r.sleeps, d)
	return false, ctx.Err()
}

// fakeClock advances only when a sleep runs.
type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

// wakeAfter returns a sleep that reports the first n sleeps as woken after
// step, and lets every other sleep run in full.
func (c *fakeClock) wakeAfter(n int, step time.Duration) SleepFunc {
	return func(_ context.Context, d time.Duration, wake <-chan struct{}) (bool, error) {
		c.sleeps = append(c.sleeps, d)
		if wake != nil && n > 0 {
			n--
			c.t = c.t.Add(step)
			return true, nil
		}
		c.t = c.t.Add(d)
		return false, nil
	}
}

// pendingWake returns a sleep that is woken by a buffered signal, like Sleep.
func (c *fakeClock) pendingWake() SleepFunc {
	return func(_ context.Context, d time.Duration, wake <-chan struct{}) (bool, error) {
		c.sleeps = append(c.sleeps, d)
		select {
		case <-wake:
			return true, nil
		default:
			c.t = c.t.Add(d)
			return false, nil
		}
	}
}

// doneAfter returns a check that succeeds from the n-th call on (0-based).
func doneAfter(n int, calls *int) CheckFunc {
	return func(context.Context) (bool, error) {
		*calls++
		return *calls > n, nil
	}
}

var wait = Wait{Initial: time.Hour, Retry: time.Minute, MaxRetries: 3}

func TestWaitUntilAllDone_ImmediatelyDone(t *testing.T) {
	var rec recorder
	calls := 0
	p := New(doneAfter(0, &calls), WithSleep(rec.sleep))

	done, err := p.WaitUntilAllDone(context.Background(), wait)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []time.Duration{time.Hour}, rec.sleeps)
}

func TestWaitUntilAllDone_DoneOnRetry(t *testing.T) {
	var rec recorder
	calls := 0
	p := New(doneAfter(2, &calls), WithSleep(rec.sleep))

	done, err := p.WaitUntilAllDone(context.Background(), wait)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Hour, time.Minute, time.Minute}, rec.sleeps)
}

func TestWaitUntilAllDone_Exhausted(t *testing.T) {
	var rec recorder
	calls := 0
	p := New(doneAfter(100, &calls), WithSleep(rec.sleep))

	done, err := p.WaitUntilAllDone(context.Background(), wait)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 4, calls, "one check plus MaxRetries retries")
	assert.Len(t, rec.sleeps, 4)
}

func TestWaitUntilAllDone_ZeroRetries(t *testing.T) {
	w := Wait{Initial: 5 * time.Second, Retry: time.Minute, MaxRetries: 0}

	for _, alreadyDone := range []bool{true, false} {
		var rec recorder
		calls := 0
		p := New(func(context.Context) (bool, error) {
			calls++
			return alreadyDone, nil
		}, WithSleep(rec.sleep))

		done, err := p.WaitUntilAllDone(context.Background(), w)
		require.NoError(t, err)
		assert.Equal(t, alreadyDone, done)
		assert.Equal(t, 1, calls)
		assert.Equal(t, []time.Duration{5 * time.Second}, rec.sleeps, "no sleep beyond Initial")
	}
}

func TestWaitUntilAllDone_CheckErrorCountsAsNotDone(t *testing.T) {
	var rec recorder
	calls := 0
	p := New(func(context.Context) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("document locked")
		}
		return true, nil
	}, WithSleep(rec.sleep))

	done, err := p.WaitUntilAllDone(context.Background(), wait)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 2, calls)
}

func TestWaitUntilAllDone_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := New(func(context.Context) (bool, error) {
		calls++
		cancel()
		return false, nil
	}, WithSleep(func(ctx context.Context, _ time.Duration, _ <-chan struct{}) (bool, error) {
		return false, ctx.Err()
	}))

	done, err := p.WaitUntilAllDone(ctx, wait)
	assert.False(t, done)
	assert.ErrorIs(t, err, apperrors.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWaitUntilAllDone_WakesDoNotUseRetries(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	calls := 0
	p := New(doneAfter(100, &calls),
		WithSleep(clock.wakeAfter(5, 10*time.Second)),
		WithWake(make(chan struct{})))
	p.now = clock.now

	done, err := p.WaitUntilAllDone(context.Background(), wait)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1+5+3, calls, "each wake adds a check; MaxRetries checks still follow")
	assert.Equal(t, []time.Duration{
		time.Hour,
		time.Minute, 50 * time.Second, 40 * time.Second, 30 * time.Second, 20 * time.Second, 10 * time.Second,
		time.Minute, time.Minute,
	}, clock.sleeps)
	assert.Equal(t, time.Hour+3*time.Minute, clock.t.Sub(time.Unix(0, 0)), "the full retry delay is kept")
}

func TestWaitUntilAllDone_WakeCheckSucceeds(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	calls := 0
	p := New(doneAfter(1, &calls),
		WithSleep(clock.wakeAfter(1, time.Second)),
		WithWake(make(chan struct{})))
	p.now = clock.now

	done, err := p.WaitUntilAllDone(context.Background(), wait)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Hour, time.Minute}, clock.sleeps)
}

func TestWaitUntilAllDone_StaleWakeIsDrained(t *testing.T) {
	// A signal buffered before the wait, e.g. from the coordinator's own
	// document writes, must not cut the first retry short.
	wake := make(chan struct{}, 1)
	wake <- struct{}{}

	clock := &fakeClock{t: time.Unix(0, 0)}
	calls := 0
	p := New(doneAfter(100, &calls), WithSleep(clock.pendingWake()), WithWake(wake))
	p.now = clock.now

	done, err := p.WaitUntilAllDone(context.Background(), wait)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Hour, time.Minute, time.Minute, time.Minute}, clock.sleeps)
}

func TestSleep_RealTimer(t *testing.T) {
	start := time.Now()
	_, err := Sleep(context.Background(), 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSleep_Wake(t *testing.T) {
	wake := make(chan struct{}, 1)
	wake <- struct{}{}

	start := time.Now()
	woken, err := Sleep(context.Background(), time.Hour, wake)
	require.NoError(t, err)
	assert.True(t, woken)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleep_ClosedWakeIgnored(t *testing.T) {
	wake := make(chan struct{})
	close(wake)

	start := time.Now()
	woken, err := Sleep(context.Background(), 10*time.Millisecond, wake)
	require.NoError(t, err)
	assert.False(t, woken)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSleep_Canceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Sleep(ctx, time.Hour, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSleep_ZeroDuration(t *testing.T) {
	woken, err := Sleep(context.Background(), 0, nil)
	assert.NoError(t, err)
	assert.False(t, woken)
}
