// Package activation implements the bundle activation state machine: staging, applying,
// confirming and rolling back bundles, with a readiness watchdog guarding every activation.
package activation

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/bundle"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/metrics"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/storage"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/watchdog"
)

const (
	keyFailingVersion = "failingVersion"
	keyDelayUpdate    = "delayUpdate"

	DefaultAppReadyTimeout = 10 * time.Second
)

// ContentHost renders bundle content
type ContentHost interface {
	LoadContent(path string, builtin bool) error
}

// Config holds the activation policy switches
type Config struct {
	AppReadyTimeout    time.Duration
	AutoDeleteFailed   bool
	AutoDeletePrevious bool
}

// Controller owns the current and next pointers and serializes every transition
type Controller struct {
	mu sync.Mutex

	registry *bundle.Registry
	store    storage.Store
	host     ContentHost
	watchdog *watchdog.Watchdog
	metrics  *metrics.AppMetrics
	config   Config
}

// NewController creates a controller. appMetrics may be nil.
func NewController(registry *bundle.Registry, store storage.Store, host ContentHost, config Config, appMetrics *metrics.AppMetrics) *Controller {
	if config.AppReadyTimeout <= 0 {
		config.AppReadyTimeout = DefaultAppReadyTimeout
	}

	c := &Controller{
		registry: registry,
		store:    store,
		host:     host,
		metrics:  appMetrics,
		config:   config,
	}
	c.watchdog = watchdog.New(c.onAppReadyTimeout)
	return c
}

// Close stops the watchdog and waits for an in-flight check
func (c *Controller) Close() {
	c.watchdog.Stop()
}

// Current returns the bundle presently rendered
func (c *Controller) Current() bundle.Bundle {
	return c.registry.Current()
}

// FailingVersion returns the version name of the last bundle that failed to confirm
func (c *Controller) FailingVersion() string {
	return c.store.GetString(keyFailingVersion, "")
}

// Stage marks id to be applied on the next transition
func (c *Controller) Stage(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if b.ID == c.registry.Current().ID {
		return status.Errorf(status.PreconditionFailed, "bundle %s is already current", id)
	}
	if b.IsError() {
		return status.Errorf(status.PreconditionFailed, "bundle %s previously failed and can not be staged", id)
	}

	if err := c.registry.SetNext(b.ID); err != nil {
		return err
	}
	log.Infof("bundle %s staged, the next transition will activate it", b)
	return nil
}

// Apply activates the staged bundle, if any. It reports whether current changed.
func (c *Controller) Apply() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.apply()
}

func (c *Controller) apply() (bool, error) {
	next, ok := c.registry.Next()
	if !ok {
		return false, nil
	}

	current := c.registry.Current()
	if next.ID == current.ID || next.IsError() {
		log.Infof("clearing stale next bundle %s", next)
		if err := c.registry.SetNext(""); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := c.registry.SetCurrent(next.ID); err != nil {
		return false, err
	}
	if err := c.registry.SetNext(""); err != nil {
		log.Warnf("failed to clear next after activating %s: %v", next, err)
	}

	err := c.load(next)
	c.metrics.CountActivation(context.Background(), err == nil)
	c.watchdog.Arm(c.config.AppReadyTimeout)
	if err != nil {
		log.Errorf("update to bundle %s failed, it stays current until the next transition: %v", next, err)
		return true, err
	}

	log.Infof("updated to bundle %s", next)
	return true, nil
}

// Set activates id immediately and reloads the host
func (c *Controller) Set(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if b.IsError() {
		return status.Errorf(status.PreconditionFailed, "bundle %s previously failed and can not be activated", id)
	}

	if err := c.registry.SetCurrent(b.ID); err != nil {
		return err
	}
	if next, ok := c.registry.Next(); ok && next.ID == b.ID {
		if err := c.registry.SetNext(""); err != nil {
			log.Warnf("failed to clear next after setting %s: %v", b, err)
		}
	}

	log.Infof("bundle set to %s", b)
	return c.reload()
}

// Reload loads the current bundle into the host and re-arms the watchdog
func (c *Controller) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reload()
}

func (c *Controller) reload() error {
	current := c.registry.Current()
	err := c.load(current)
	c.watchdog.Arm(c.config.AppReadyTimeout)
	return err
}

// Reset moves back to builtin and clears next. With toLastSuccessful the fallback computed
// before the reset becomes current if it is not builtin.
func (c *Controller) Reset(toLastSuccessful bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reset(toLastSuccessful)
}

func (c *Controller) reset(toLastSuccessful bool) error {
	fallback := c.registry.Fallback()

	if err := c.registry.SetCurrent(bundle.BuiltinID); err != nil {
		return err
	}
	if err := c.registry.SetNext(""); err != nil {
		return err
	}

	if toLastSuccessful && !fallback.IsBuiltin() {
		log.Infof("resetting to %s", fallback)
		if err := c.registry.SetCurrent(fallback.ID); err != nil {
			return err
		}
		return c.reload()
	}

	log.Infof("resetting to builtin")
	return c.reload()
}

// ArmWatchdog restarts the readiness deadline for the current bundle
func (c *Controller) ArmWatchdog() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.watchdog.Arm(c.config.AppReadyTimeout)
}

// ConfirmReady marks the current bundle as successfully started
func (c *Controller) ConfirmReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.confirmReady(c.registry.Current())
}

// confirmReady marks b success. The first confirmation also evicts the previous fallback
// when auto-delete-previous is on. Confirming builtin or an already successful bundle is a no-op.
func (c *Controller) confirmReady(b bundle.Bundle) error {
	if b.IsBuiltin() || b.IsSuccess() {
		if b.ID == c.registry.Current().ID {
			c.watchdog.Disarm()
		}
		return nil
	}

	previous := c.registry.Fallback()

	if err := c.registry.SetStatus(b.ID, bundle.StatusSuccess); err != nil {
		return err
	}
	if b.ID == c.registry.Current().ID {
		c.watchdog.Disarm()
	}
	c.metrics.CountConfirmation(context.Background())
	log.Infof("bundle %s confirmed ready", b)

	if c.config.AutoDeletePrevious && !previous.IsBuiltin() && previous.ID != b.ID {
		c.bestEffort("delete previous bundle "+previous.ID, func() error {
			return c.delete(previous.ID)
		})
	}
	return nil
}

// Rollback marks id as failed and moves current to the fallback, or to builtin
func (c *Controller) Rollback(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	c.rollback(b, "transition")
	return nil
}

func (c *Controller) rollback(failed bundle.Bundle, reason string) {
	if failed.IsBuiltin() {
		log.Infof("builtin bundle can not be rolled back")
		return
	}
	c.metrics.CountRollback(context.Background(), reason)

	c.bestEffort("mark bundle "+failed.ID+" as failed", func() error {
		return c.registry.SetStatus(failed.ID, bundle.StatusError)
	})
	// the poller matches this against descriptor versions, which are names, not ids
	failingVersion := failed.VersionName
	if failingVersion == "" {
		failingVersion = failed.ID
	}
	c.bestEffort("record failing version", func() error {
		return c.store.PutString(keyFailingVersion, failingVersion)
	})

	current := c.registry.Current()
	fallback := c.registry.Fallback()
	log.Warnf("bundle %s failed to confirm, falling back to %s", failed, fallback)

	if !fallback.IsBuiltin() && fallback.ID != current.ID {
		c.bestEffort("revert to bundle "+fallback.ID, func() error {
			if err := c.registry.SetCurrent(fallback.ID); err != nil {
				return err
			}
			return c.load(fallback)
		})
	} else {
		c.bestEffort("revert to builtin", func() error {
			if err := c.registry.SetCurrent(bundle.BuiltinID); err != nil {
				return err
			}
			return c.load(c.registry.Builtin())
		})
	}
	c.watchdog.Disarm()

	if c.config.AutoDeleteFailed {
		c.bestEffort("delete failed bundle "+failed.ID, func() error {
			return c.delete(failed.ID)
		})
	}
}

// Delete removes a bundle that is not current
func (c *Controller) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.delete(id)
}

func (c *Controller) delete(id string) error {
	if id == c.registry.Current().ID {
		return status.Errorf(status.PreconditionFailed, "bundle %s is current and can not be deleted", id)
	}
	if err := c.registry.Remove(id); err != nil {
		return err
	}
	c.metrics.CountDelete(context.Background())
	log.Infof("bundle %s deleted", id)
	return nil
}

// DelayUpdate makes the next transition skip its policy
func (c *Controller) DelayUpdate() error {
	log.Infof("delaying update to the next transition")
	return c.store.PutBool(keyDelayUpdate, true)
}

// CancelDelay clears a pending delay
func (c *Controller) CancelDelay() error {
	log.Infof("cancelling update delay")
	return c.store.PutBool(keyDelayUpdate, false)
}

// Delayed reports whether the next transition will be skipped
func (c *Controller) Delayed() bool {
	return c.store.GetBool(keyDelayUpdate, false)
}

func (c *Controller) load(b bundle.Bundle) error {
	log.Infof("loading content of bundle %s from %s", b, b.ContentPath)
	if err := c.host.LoadContent(b.ContentPath, b.IsBuiltin()); err != nil {
		return status.Wrap(status.ActivationError, err, "load bundle %s", b.ID)
	}
	return nil
}
