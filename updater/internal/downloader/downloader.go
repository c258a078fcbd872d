// Package downloader fetches bundle archives, unpacks them and registers the result as
// a pending bundle. A failed download leaves nothing behind on disk or in the registry.
package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/bundle"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/metrics"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/notify"
	semaphoregroup "github.com/Samankhalid01/capacitor-updater/util/semaphore-group"
)

const (
	// DefaultMaxArchiveSize caps the downloaded archive size
	DefaultMaxArchiveSize = 512 << 20
	// DefaultMaxConcurrent is how many different bundles download at the same time
	DefaultMaxConcurrent = 2
)

// Option configures a Downloader
type Option func(*Downloader)

// WithMaxArchiveSize caps the archive size. A non-positive size keeps DefaultMaxArchiveSize.
func WithMaxArchiveSize(size int64) Option {
	return func(d *Downloader) {
		if size > 0 {
			d.maxSize = size
		}
	}
}

func WithMaxConcurrent(n int) Option {
	return func(d *Downloader) {
		d.maxConcurrent = n
	}
}

func WithMetrics(m *metrics.AppMetrics) Option {
	return func(d *Downloader) {
		d.metrics = m
	}
}

func WithSink(sink notify.Sink) Option {
	return func(d *Downloader) {
		d.sink = sink
	}
}

// Downloader implements bundle downloads into dir
type Downloader struct {
	registry *bundle.Registry
	fetcher  Fetcher
	dir      string
	maxSize  int64
	sink     notify.Sink
	metrics  *metrics.AppMetrics

	maxConcurrent int
	slots         *semaphoregroup.SemaphoreGroup

	// guards id assignment until the bundle is registered
	mu    sync.Mutex
	group singleflight.Group
}

func New(registry *bundle.Registry, fetcher Fetcher, dir string, opts ...Option) (*Downloader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundles directory: %w", err)
	}

	d := &Downloader{
		registry: registry,
		fetcher:  fetcher,
		dir:      dir,
		maxSize:  DefaultMaxArchiveSize,
		sink:     notify.Discard{},

		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.slots = semaphoregroup.NewSemaphoreGroup(d.maxConcurrent)

	d.cleanupLeftovers()
	return d, nil
}

// Download fetches and registers the bundle at url. Concurrent calls for the same url and
// name share one download.
func (d *Downloader) Download(ctx context.Context, url, versionName string) (bundle.Bundle, error) {
	key := url + "\x00" + versionName
	res, err, shared := d.group.Do(key, func() (interface{}, error) {
		return d.download(ctx, url, versionName)
	})
	if shared {
		log.Debugf("joined in-flight download of %s", url)
	}
	if err != nil {
		return bundle.Bundle{}, err
	}
	return res.(bundle.Bundle), nil
}

func (d *Downloader) download(ctx context.Context, url, versionName string) (b bundle.Bundle, err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDownload(ctx, start, err)
	}()

	if err := d.slots.Add(ctx); err != nil {
		return bundle.Bundle{}, status.Wrap(status.DownloadError, err, "wait for a download slot")
	}
	defer d.slots.Done()

	log.Infof("downloading bundle %q from %s", versionName, url)
	d.progress(0)

	archive, err := d.fetchArchive(ctx, url)
	if err != nil {
		return bundle.Bundle{}, status.Wrap(status.DownloadError, err, "download bundle from %s", url)
	}
	defer func() {
		if rerr := os.Remove(archive); rerr != nil && !os.IsNotExist(rerr) {
			log.Warnf("failed to remove downloaded archive %s: %v", archive, rerr)
		}
	}()

	staging, err := os.MkdirTemp(d.dir, ".unpack-")
	if err != nil {
		return bundle.Bundle{}, status.Wrap(status.StorageError, err, "create staging directory")
	}
	defer func() {
		if rerr := os.RemoveAll(staging); rerr != nil {
			log.Warnf("failed to remove staging directory %s: %v", staging, rerr)
		}
	}()

	if err := unpack(ctx, archive, staging); err != nil {
		return bundle.Bundle{}, status.Wrap(status.DownloadError, err, "unpack bundle from %s", url)
	}

	root, err := contentRoot(staging)
	if err != nil {
		return bundle.Bundle{}, status.Wrap(status.DownloadError, err, "inspect unpacked bundle")
	}

	b, err = d.register(root, versionName)
	if err != nil {
		return bundle.Bundle{}, err
	}

	d.progress(100)
	log.Infof("bundle %s downloaded to %s", b, b.ContentPath)
	return b, nil
}

func (d *Downloader) fetchArchive(ctx context.Context, url string) (string, error) {
	body, size, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := body.Close(); cerr != nil {
			log.Warnf("error closing download body: %v", cerr)
		}
	}()

	if size > d.maxSize {
		return "", fmt.Errorf("archive size %d exceeds limit %d", size, d.maxSize)
	}

	out, err := os.CreateTemp(d.dir, ".download-")
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	reader := newProgressReader(body, size, d.progress)
	n, err := io.Copy(out, io.LimitReader(reader, d.maxSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > d.maxSize {
		err = fmt.Errorf("archive exceeds limit %d", d.maxSize)
	}
	if err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("read archive: %w", err)
	}

	return out.Name(), nil
}

// register moves the unpacked content into its final directory and adds the bundle
func (d *Downloader) register(root, versionName string) (bundle.Bundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.assignID(versionName)
	final := filepath.Join(d.dir, id)
	if err := os.Rename(root, final); err != nil {
		return bundle.Bundle{}, status.Wrap(status.StorageError, err, "move bundle content")
	}

	b := bundle.Bundle{
		ID:          id,
		VersionName: versionName,
		Status:      bundle.StatusPending,
		ContentPath: final,
	}
	if err := d.registry.Add(b); err != nil {
		if rerr := os.RemoveAll(final); rerr != nil {
			log.Warnf("failed to remove content of unregistered bundle %s: %v", id, rerr)
		}
		return bundle.Bundle{}, err
	}

	return d.registry.Get(id)
}

// assignID uses versionName when it is a free and valid id, otherwise a fresh xid
func (d *Downloader) assignID(versionName string) string {
	if validID(versionName) && !d.registry.Has(versionName) {
		if _, err := os.Stat(filepath.Join(d.dir, versionName)); os.IsNotExist(err) {
			return versionName
		}
	}
	return xid.New().String()
}

func validID(id string) bool {
	if id == "" || id == bundle.BuiltinID || id == "." || id == ".." {
		return false
	}
	return !strings.HasPrefix(id, ".") && !strings.ContainsAny(id, `/\`)
}

func (d *Downloader) progress(percent int) {
	d.sink.Emit(notify.EventDownload, map[string]any{"percent": percent})
}

// cleanupLeftovers removes temporary files of downloads interrupted by a crash
func (d *Downloader) cleanupLeftovers() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		log.Warnf("failed to read bundles directory: %v", err)
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".download-") || strings.HasPrefix(e.Name(), ".unpack-") {
			path := filepath.Join(d.dir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				log.Warnf("failed to remove leftover %s: %v", path, err)
			}
		}
	}
}
