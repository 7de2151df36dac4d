package syseventd

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// how many notifications/cues may be in flight at once; anything beyond is dropped
	defaultEffectSlots = 4

	// upper bound for a single side effect
	effectTimeout = 10 * time.Second
)

// effectDispatcher runs fire-and-forget side effects with bounded concurrency.
// A failing or slow effect never blocks the caller
type effectDispatcher struct {
	logger *zap.SugaredLogger

	slots *semaphore.Weighted
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func newEffectDispatcher(logger *zap.SugaredLogger, slots int64) *effectDispatcher {
	if slots <= 0 {
		slots = defaultEffectSlots
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &effectDispatcher{
		logger: logger.Named("effects"),
		slots:  semaphore.NewWeighted(slots),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go schedules fn unless all slots are busy or the dispatcher is stopped, and
// reports whether it was scheduled
func (ed *effectDispatcher) Go(name string, fn func(ctx context.Context) error) bool {
	if ed.ctx.Err() != nil {
		ed.logger.Debugw("Dispatcher stopped, dropping side effect", "effect", name)
		return false
	}

	if !ed.slots.TryAcquire(1) {
		ed.logger.Debugw("All side effect slots busy, dropping", "effect", name)
		return false
	}

	ed.wg.Add(1)
	go func() {
		defer ed.wg.Done()
		defer ed.slots.Release(1)

		ctx, cancel := context.WithTimeout(ed.ctx, effectTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			ed.logger.Warnw("Side effect failed", "effect", name, "error", err)
		}
	}()

	return true
}

// Stop stops accepting effects and waits up to timeout for the running ones
func (ed *effectDispatcher) Stop(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		ed.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		ed.cancel()
		return true
	case <-time.After(timeout):
		ed.cancel()
		ed.logger.Warn("Side effects did not finish within timeout, abandoning them")
		return false
	}
}
