// Package poller asks the update endpoint for the latest bundle and stages it.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/bundle"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/metrics"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/notify"
)

const (
	defaultCheckTimeout    = 20 * time.Second
	defaultDownloadTimeout = 10 * time.Minute
)

// Outcome of a single update check
type Outcome string

const (
	OutcomeUpToDate       Outcome = "upToDate"
	OutcomeMessage        Outcome = "message"
	OutcomeMajorAvailable Outcome = "majorAvailable"
	OutcomeSuppressed     Outcome = "suppressed"
	OutcomeStaged         Outcome = "staged"
	OutcomeError          Outcome = "error"
)

// Downloader fetches and registers a bundle
type Downloader interface {
	Download(ctx context.Context, url, versionName string) (bundle.Bundle, error)
}

// Activator is the part of the activation controller the poller drives
type Activator interface {
	Current() bundle.Bundle
	FailingVersion() string
	Stage(id string) error
}

// Bundles looks up registered bundles
type Bundles interface {
	Get(id string) (bundle.Bundle, error)
}

// Config for the poller
type Config struct {
	URL             string
	CheckTimeout    time.Duration
	DownloadTimeout time.Duration
	// FailedDownloadTTL is how long a version whose download failed is not retried.
	// Zero means for the lifetime of the process.
	FailedDownloadTTL time.Duration
}

// Poller runs at most one update check at a time. Triggers arriving during a check are
// coalesced into one follow-up check.
type Poller struct {
	config     Config
	fetcher    Fetcher
	downloader Downloader
	activator  Activator
	bundles    Bundles
	sink       notify.Sink
	metrics    *metrics.AppMetrics

	failedDownloads *cache.Cache

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

func New(config Config, fetcher Fetcher, downloader Downloader, activator Activator, bundles Bundles, sink notify.Sink, appMetrics *metrics.AppMetrics) *Poller {
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = defaultCheckTimeout
	}
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = defaultDownloadTimeout
	}
	ttl := config.FailedDownloadTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	if sink == nil {
		sink = notify.Discard{}
	}

	return &Poller{
		config:          config,
		fetcher:         fetcher,
		downloader:      downloader,
		activator:       activator,
		bundles:         bundles,
		sink:            sink,
		metrics:         appMetrics,
		failedDownloads: cache.New(ttl, 10*time.Minute),
		trigger:         make(chan struct{}, 1),
	}
}

// Enabled reports whether an update url is configured
func (p *Poller) Enabled() bool {
	return p.config.URL != ""
}

func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		log.Errorf("poller already started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// Trigger requests a check without waiting for it
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
		}

		outcome, err := p.Check(ctx)
		if err != nil {
			log.Errorf("update check failed: %v", err)
			continue
		}
		log.Debugf("update check finished: %s", outcome)
	}
}

// Check queries the update endpoint once and stages a new bundle if there is one
func (p *Poller) Check(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		p.metrics.CountUpdateCheck(ctx, string(outcome))
	}()

	log.Infof("check for update via: %s", p.config.URL)

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.CheckTimeout)
	desc, err := p.fetcher.FetchLatest(fetchCtx, p.config.URL)
	cancel()
	if err != nil {
		return OutcomeError, fmt.Errorf("fetch latest: %w", err)
	}

	if desc.Message != "" {
		log.Infof("update endpoint message: %s", desc.Message)
		if desc.Major && desc.Version != "" {
			p.sink.Emit(notify.EventMajorAvailable, map[string]any{"version": desc.Version})
			return OutcomeMajorAvailable, nil
		}
		return OutcomeMessage, nil
	}

	current := p.activator.Current()
	if desc.Version == "" || desc.Version == current.ID || (!current.IsBuiltin() && desc.Version == current.VersionName) {
		log.Infof("no need to update, %s is the latest version", current)
		return OutcomeUpToDate, nil
	}
	if desc.Version == p.activator.FailingVersion() {
		log.Infof("version %s failed before, not updating", desc.Version)
		return OutcomeSuppressed, nil
	}
	if _, failed := p.failedDownloads.Get(desc.Version); failed {
		log.Infof("download of version %s failed recently, not retrying", desc.Version)
		return OutcomeSuppressed, nil
	}

	if existing, err := p.bundles.Get(desc.Version); err == nil {
		if existing.IsError() {
			log.Infof("version %s is already downloaded and in error state, not updating", desc.Version)
			return OutcomeSuppressed, nil
		}
		log.Infof("version %s is already downloaded", desc.Version)
		return p.stage(existing)
	}

	if desc.URL == "" {
		return OutcomeError, status.Errorf(status.InvalidArgument, "update descriptor for %s has no url", desc.Version)
	}

	downloadCtx, cancel := context.WithTimeout(ctx, p.config.DownloadTimeout)
	next, err := p.downloader.Download(downloadCtx, desc.URL, desc.Version)
	cancel()
	if err != nil {
		p.failedDownloads.SetDefault(desc.Version, struct{}{})
		return OutcomeError, fmt.Errorf("download version %s: %w", desc.Version, err)
	}

	log.Infof("new version %s found, current is %s, next backgrounding will trigger update", next, current)
	return p.stage(next)
}

func (p *Poller) stage(b bundle.Bundle) (Outcome, error) {
	if err := p.activator.Stage(b.ID); err != nil {
		return OutcomeError, fmt.Errorf("stage %s: %w", b.ID, err)
	}
	p.sink.Emit(notify.EventUpdateAvailable, map[string]any{"version": b.ID})
	return OutcomeStaged, nil
}
