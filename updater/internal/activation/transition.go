package activation

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Outcome is what a background transition did
type Outcome string

const (
	OutcomeNone       Outcome = "none"
	OutcomeDelayed    Outcome = "delayed"
	OutcomeApplied    Outcome = "applied"
	OutcomeRolledBack Outcome = "rolledBack"
	OutcomeConfirmed  Outcome = "confirmed"
)

// OnBackground runs the transition policy: apply a staged bundle, else roll back an
// unconfirmed current, else confirm current and evict the previous bundle.
// A pending delay consumes this transition instead.
func (c *Controller) OnBackground() (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Debugf("checking for pending update")

	delayed := c.store.GetBool(keyDelayUpdate, false)
	if err := c.store.PutBool(keyDelayUpdate, false); err != nil {
		log.Warnf("failed to clear update delay: %v", err)
	}
	if delayed {
		log.Infof("update delayed to the next transition")
		return OutcomeDelayed, nil
	}

	// apply also drops a next left equal to current or failed, then the policy goes on
	if _, ok := c.registry.Next(); ok {
		applied, err := c.apply()
		if applied {
			return OutcomeApplied, err
		}
		if err != nil {
			return OutcomeNone, err
		}
	}

	current := c.registry.Current()
	fallback := c.registry.Fallback()

	if !current.IsSuccess() && !current.IsBuiltin() {
		log.Warnf("bundle %s was never confirmed ready", current)
		c.rollback(current, "transition")
		return OutcomeRolledBack, nil
	}

	if !fallback.IsBuiltin() {
		if err := c.confirmReady(current); err != nil {
			return OutcomeNone, err
		}
		if c.config.AutoDeletePrevious && fallback.ID != current.ID && c.registry.Has(fallback.ID) {
			c.bestEffort("delete previous bundle "+fallback.ID, func() error {
				return c.delete(fallback.ID)
			})
		}
		return OutcomeConfirmed, nil
	}

	return OutcomeNone, nil
}

// onAppReadyTimeout runs when the watchdog expires. It holds the transition lock, so a
// cancellation that happened before the lock was acquired is visible through ctx.
func (c *Controller) onAppReadyTimeout(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	current := c.registry.Current()
	if current.IsBuiltin() {
		log.Infof("builtin bundle is active, nothing to check")
		return
	}
	if current.IsSuccess() {
		log.Infof("app ready was confirmed for %s", current)
		return
	}

	log.Errorf("app ready was not confirmed within %s, rolling back %s", c.config.AppReadyTimeout, current)
	c.rollback(current, "watchdog")
}
