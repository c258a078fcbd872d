// Package readiness lets the running content confirm it started by dropping a marker file
// next to the updater, as an alternative to calling the control API.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/Samankhalid01/capacitor-updater/util"
)

const markerFile = "ready.json"

// Marker is written by the content once it has initialized
type Marker struct {
	BundleID string    `json:"bundleId"`
	ReadyAt  time.Time `json:"readyAt"`
}

// Watcher delivers markers dropped into a directory
type Watcher struct {
	markerFile string
}

func NewWatcher(dir string) *Watcher {
	// do not care if already exists
	_ = os.MkdirAll(dir, 0o755)

	return &Watcher{
		markerFile: filepath.Join(dir, markerFile),
	}
}

// Path returns the marker file location
func (w *Watcher) Path() string {
	return w.markerFile
}

// Run watches for markers until ctx is done. Every marker is removed and then passed to onReady.
func (w *Watcher) Run(ctx context.Context, onReady func(Marker)) error {
	log.Infof("start watching readiness marker: %s", w.markerFile)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	// watch the directory, the marker does not exist yet
	if err := watcher.Add(filepath.Dir(w.markerFile)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	// a marker written before the watch started
	w.consume(onReady)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}
			if event.Name != w.markerFile {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.consume(onReady)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}
			log.Warnf("readiness watcher error: %v", err)
		}
	}
}

func (w *Watcher) consume(onReady func(Marker)) {
	marker, err := w.read()
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debugf("error while reading readiness marker: %v", err)
		}
		return
	}

	if err := os.Remove(w.markerFile); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove readiness marker: %v", err)
	}

	log.Infof("readiness marker for bundle %q", marker.BundleID)
	onReady(marker)
}

func (w *Watcher) read() (Marker, error) {
	var marker Marker
	if _, err := util.ReadJson(w.markerFile, &marker); err != nil {
		return Marker{}, err
	}
	return marker, nil
}

// Write drops a marker into dir atomically
func Write(ctx context.Context, dir string, marker Marker) error {
	if marker.ReadyAt.IsZero() {
		marker.ReadyAt = time.Now()
	}
	return util.WriteJson(ctx, filepath.Join(dir, markerFile), marker)
}
