package syseventd

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWorker(t *testing.T, timeout time.Duration) *Worker {
	t.Helper()

	w := NewWorker(zap.NewNop().Sugar(), func() time.Duration { return timeout })
	w.Start()
	t.Cleanup(w.Stop)

	return w
}

func TestWorkerRunsOneAtATime(t *testing.T) {
	w := newTestWorker(t, time.Second)

	var (
		running int32
		maxSeen int32
		ran     int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := w.Do(context.Background(), "op", func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				defer atomic.AddInt32(&running, -1)

				for {
					seen := atomic.LoadInt32(&maxSeen)
					if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
						break
					}
				}

				atomic.AddInt32(&ran, 1)
				time.Sleep(time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
	assert.Equal(t, int32(20), atomic.LoadInt32(&ran))
}

func TestWorkerKeepsSubmissionOrder(t *testing.T) {
	w := newTestWorker(t, time.Second)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, w.Do(context.Background(), "op", func(ctx context.Context) error {
			order = append(order, i)
			return nil
		}))
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWorkerPassesOperationTimeout(t *testing.T) {
	w := newTestWorker(t, 20*time.Millisecond)

	err := w.Do(context.Background(), "slow", func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)

		<-ctx.Done()
		return ctx.Err()
	})

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWorkerReturnsOperationError(t *testing.T) {
	w := newTestWorker(t, time.Second)

	boom := errors.New("boom")
	err := w.Do(context.Background(), "fail", func(ctx context.Context) error {
		return boom
	})

	assert.Equal(t, boom, err)
}

func TestWorkerRejectsAfterStop(t *testing.T) {
	w := NewWorker(zap.NewNop().Sugar(), nil)
	w.Start()
	w.Stop()

	called := false
	err := w.Do(context.Background(), "late", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.True(t, errors.Is(err, ErrWorkerStopped))
	assert.False(t, called)
}

func TestWorkerStopWithoutStart(t *testing.T) {
	w := NewWorker(zap.NewNop().Sugar(), nil)

	finished := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a worker that never started")
	}
}

func TestWorkerStopFinishesInFlightAndDropsQueued(t *testing.T) {
	w := NewWorker(zap.NewNop().Sugar(), func() time.Duration { return 5 * time.Second })
	w.Start()

	started := make(chan struct{})
	release := make(chan struct{})

	firstResult := make(chan error, 1)
	go func() {
		firstResult <- w.Do(context.Background(), "first", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var secondRan int32
	secondResult := make(chan error, 1)
	go func() {
		secondResult <- w.Do(context.Background(), "second", func(ctx context.Context) error {
			atomic.StoreInt32(&secondRan, 1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(w.queue) == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		select {
		case <-w.stopChannel:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	close(release)

	assert.NoError(t, <-firstResult)
	assert.True(t, errors.Is(<-secondResult, ErrWorkerStopped))
	assert.Zero(t, atomic.LoadInt32(&secondRan))

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestWorkerSkipsCancelledCaller(t *testing.T) {
	w := newTestWorker(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := w.Do(ctx, "cancelled", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)
}
