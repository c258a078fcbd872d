// Package watchdog implements a single-shot, re-armable deadline for app readiness.
package watchdog

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ExpireFunc runs when an armed watchdog is not disarmed in time. The context is the
// one the check was armed with. It is cancelled if the watchdog was re-armed or disarmed
// after the timer fired, and the callee must re-check it once it holds whatever lock
// serializes it with Arm and Disarm.
type ExpireFunc func(ctx context.Context)

// Watchdog schedules at most one pending check at a time
type Watchdog struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	expire  ExpireFunc
	stopped bool
}

func New(expire ExpireFunc) *Watchdog {
	return &Watchdog{
		expire: expire,
	}
}

// Arm cancels any pending check and schedules a new one after timeout
func (w *Watchdog) Arm(timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	log.Debugf("watchdog armed, app ready expected within %s", timeout)

	w.wg.Add(1)
	go w.wait(ctx, timeout)
}

// Disarm cancels the pending check, if any
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
		log.Debugf("watchdog disarmed")
	}
}

// Armed reports whether a check is pending
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Stop disarms the watchdog, refuses further arming and waits for a running check to return
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watchdog) wait(ctx context.Context, timeout time.Duration) {
	defer w.wg.Done()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	w.expire(ctx)

	w.mu.Lock()
	if ctx.Err() == nil {
		// this check is still the armed one
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
}
