// Package manager exposes the bundle lifecycle to the host application: the calls the
// application makes, the lifecycle hooks and the background work tied to them.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/activation"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/bundle"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/readiness"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/storage"
	"github.com/Samankhalid01/capacitor-updater/util"
	"github.com/Samankhalid01/capacitor-updater/version"
)

const keyLatestNative = "LatestVersionNative"

// Downloader fetches and registers a bundle
type Downloader interface {
	Download(ctx context.Context, url, versionName string) (bundle.Bundle, error)
}

// Poller checks for updates in the background
type Poller interface {
	Enabled() bool
	Start(ctx context.Context)
	Stop()
	Trigger()
}

// Config of the manager
type Config struct {
	NativeVersion string
	// ResetWhenUpdate drops every downloaded bundle when the native major version grows
	ResetWhenUpdate bool
}

// Current is the rendered bundle together with the native application version
type Current struct {
	Bundle bundle.Bundle `json:"bundle"`
	Native string        `json:"native"`
}

// Option configures a Manager
type Option func(*Manager)

func WithPoller(p Poller) Option {
	return func(m *Manager) {
		m.poller = p
	}
}

// WithReadinessWatcher confirms the current bundle when a readiness marker for it appears
func WithReadinessWatcher(w *readiness.Watcher) Option {
	return func(m *Manager) {
		m.readiness = w
	}
}

type Manager struct {
	config     Config
	registry   *bundle.Registry
	store      storage.Store
	controller *activation.Controller
	downloader Downloader
	poller     Poller
	readiness  *readiness.Watcher

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(config Config, registry *bundle.Registry, store storage.Store, controller *activation.Controller, downloader Downloader, opts ...Option) *Manager {
	m := &Manager{
		config:     config,
		registry:   registry,
		store:      store,
		controller: controller,
		downloader: downloader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start drops obsolete bundles, loads the current bundle and starts the background work
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return status.Errorf(status.PreconditionFailed, "manager already started")
	}

	if m.config.ResetWhenUpdate {
		if err := m.cleanupObsoleteVersions(); err != nil {
			log.Warnf("failed to clean up obsolete versions: %v", err)
		}
	}

	if err := m.controller.Reload(); err != nil {
		// the watchdog is armed and rolls the bundle back if it never confirms
		log.Errorf("failed to load current bundle %s: %v", m.registry.Current(), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.poller != nil && m.poller.Enabled() {
		m.poller.Start(ctx)
	}

	if m.readiness != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.readiness.Run(ctx, m.onReadyMarker); err != nil {
				log.Errorf("readiness watcher stopped: %v", err)
			}
		}()
	}

	log.Infof("bundle manager started, current bundle is %s", m.registry.Current())
	return nil
}

// Stop cancels the background work and waits for it
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if m.poller != nil {
		m.poller.Stop()
	}
	m.wg.Wait()
	m.controller.Close()
}

// cleanupObsoleteVersions resets to builtin and deletes every downloaded bundle when the
// native major version grew since the last start, then records the native version.
func (m *Manager) cleanupObsoleteVersions() error {
	native := version.ParseNative(m.config.NativeVersion)
	previous := m.store.GetString(keyLatestNative, "")

	bumped, err := native.MajorBumpedSince(previous)
	if err != nil {
		log.Warnf("ignoring recorded native version: %v", err)
	}

	if bumped {
		log.Infof("native version changed from %s to %s, removing downloaded bundles", previous, native)
		if err := m.controller.Reset(false); err != nil {
			log.Errorf("failed to reset to builtin: %v", err)
		}

		var merr *multierror.Error
		for _, b := range m.registry.List() {
			if err := m.controller.Delete(b.ID); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("delete %s: %w", b.ID, err))
			}
		}
		if err := util.FormatErrorOrNil(merr); err != nil {
			log.Warnf("some obsolete bundles were not removed: %v", err)
		}
	}

	if err := m.store.PutString(keyLatestNative, native.String()); err != nil {
		return fmt.Errorf("record native version: %w", err)
	}
	return nil
}

func (m *Manager) onReadyMarker(marker readiness.Marker) {
	current := m.registry.Current()
	if marker.BundleID != "" && marker.BundleID != current.ID {
		log.Warnf("ignoring readiness marker for %s, current bundle is %s", marker.BundleID, current)
		return
	}
	if _, err := m.NotifyAppReady(); err != nil {
		log.Errorf("failed to confirm bundle from readiness marker: %v", err)
	}
}

// Current returns the rendered bundle and the native version
func (m *Manager) Current() Current {
	return Current{
		Bundle: m.registry.Current(),
		Native: m.config.NativeVersion,
	}
}

// List returns the downloaded bundles
func (m *Manager) List() []bundle.Bundle {
	return m.registry.List()
}

// Get returns a single bundle, builtin included
func (m *Manager) Get(id string) (bundle.Bundle, error) {
	return m.registry.Get(id)
}

// Download fetches url and registers it as a pending bundle named versionName
func (m *Manager) Download(ctx context.Context, url, versionName string) (bundle.Bundle, error) {
	if url == "" {
		return bundle.Bundle{}, status.Errorf(status.InvalidArgument, "download called without url")
	}
	if versionName == "" {
		return bundle.Bundle{}, status.Errorf(status.InvalidArgument, "download called without version")
	}
	return m.downloader.Download(ctx, url, versionName)
}

// Next stages id for the next background transition and optionally relabels it
func (m *Manager) Next(id, versionName string) (bundle.Bundle, error) {
	if err := m.controller.Stage(id); err != nil {
		return bundle.Bundle{}, err
	}
	return m.rename(id, versionName)
}

// Set activates id immediately and optionally relabels it
func (m *Manager) Set(id, versionName string) (bundle.Bundle, error) {
	if err := m.controller.Set(id); err != nil {
		return bundle.Bundle{}, err
	}
	return m.rename(id, versionName)
}

func (m *Manager) rename(id, versionName string) (bundle.Bundle, error) {
	if versionName != "" && id != bundle.BuiltinID {
		if err := m.registry.SetName(id, versionName); err != nil {
			return bundle.Bundle{}, err
		}
	}
	return m.registry.Get(id)
}

// Delete removes a bundle that is not current
func (m *Manager) Delete(id string) error {
	return m.controller.Delete(id)
}

// Reset moves back to builtin, or to the last successful bundle
func (m *Manager) Reset(toLastSuccessful bool) error {
	return m.controller.Reset(toLastSuccessful)
}

// Reload reloads the current bundle and restarts its readiness deadline
func (m *Manager) Reload() error {
	return m.controller.Reload()
}

// NotifyAppReady confirms that the current bundle started
func (m *Manager) NotifyAppReady() (bundle.Bundle, error) {
	if err := m.controller.ConfirmReady(); err != nil {
		return bundle.Bundle{}, err
	}
	return m.registry.Current(), nil
}

func (m *Manager) DelayUpdate() error {
	return m.controller.DelayUpdate()
}

func (m *Manager) CancelDelay() error {
	return m.controller.CancelDelay()
}

// OnForeground restarts the readiness deadline and requests an update check
func (m *Manager) OnForeground() {
	log.Debugf("application moved to foreground")
	m.controller.ArmWatchdog()

	if m.poller != nil && m.poller.Enabled() {
		m.poller.Trigger()
	}
}

// OnBackground runs the transition policy
func (m *Manager) OnBackground() (activation.Outcome, error) {
	log.Debugf("application moved to background")
	return m.controller.OnBackground()
}
