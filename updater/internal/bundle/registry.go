package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/storage"
)

const (
	keyBundles = "bundles"
	keyCurrent = "currentBundle"
	keyNext    = "nextBundle"
)

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides the time source used for download and confirmation timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithContentRemover overrides how a removed bundle's content is freed
func WithContentRemover(remove func(path string) error) Option {
	return func(r *Registry) {
		r.removeContent = remove
	}
}

// Registry holds the known bundles, the current and next pointers.
// All mutations are persisted to the store before returning.
type Registry struct {
	mu      sync.RWMutex
	store   storage.Store
	builtin Bundle
	bundles map[string]Bundle

	now           func() time.Time
	removeContent func(path string) error
}

// NewRegistry loads the bundle table from store. builtinPath is the content path of the
// shipped bundle.
func NewRegistry(store storage.Store, builtinPath string, opts ...Option) (*Registry, error) {
	r := &Registry{
		store:         store,
		builtin:       NewBuiltin(builtinPath),
		bundles:       make(map[string]Bundle),
		now:           time.Now,
		removeContent: removeAll,
	}
	for _, opt := range opts {
		opt(r)
	}

	raw := store.GetString(keyBundles, "")
	if raw == "" {
		return r, nil
	}

	var loaded map[string]Bundle
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return nil, status.Wrap(status.StorageError, err, "decode bundle table")
	}
	for id, b := range loaded {
		if id == BuiltinID || !b.Status.Valid() {
			log.Warnf("dropping invalid bundle entry %q from registry", id)
			continue
		}
		b.ID = id
		r.bundles[id] = b
	}

	return r, nil
}

// Builtin returns the sentinel for the shipped content
func (r *Registry) Builtin() Bundle {
	return r.builtin
}

// Add registers a new bundle. A zero status is stored as pending.
func (r *Registry) Add(b Bundle) error {
	if b.ID == "" || b.ID == BuiltinID {
		return status.Errorf(status.InvalidArgument, "invalid bundle id %q", b.ID)
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	if !b.Status.Valid() {
		return status.Errorf(status.InvalidArgument, "invalid bundle status %q", b.Status)
	}
	b.Builtin = false
	if b.DownloadedAt.IsZero() {
		b.DownloadedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bundles[b.ID]; exists {
		return status.Errorf(status.PreconditionFailed, "bundle %s already exists", b.ID)
	}

	return r.commit(func(m map[string]Bundle) {
		m[b.ID] = b
	})
}

// Has reports whether id is registered. Builtin always is.
func (r *Registry) Has(id string) bool {
	if id == BuiltinID {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bundles[id]
	return ok
}

// Get returns the bundle with the given id
func (r *Registry) Get(id string) (Bundle, error) {
	if id == BuiltinID {
		return r.builtin, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bundles[id]
	if !ok {
		return Bundle{}, status.NewBundleNotFoundError(id)
	}
	return b, nil
}

// List returns the downloaded bundles ordered by download time. Builtin is not included.
func (r *Registry) List() []Bundle {
	r.mu.RLock()
	list := maps.Values(r.bundles)
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].DownloadedAt.Equal(list[j].DownloadedAt) {
			return list[i].DownloadedAt.Before(list[j].DownloadedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// SetStatus moves a bundle to s. Only pending bundles can change status, and
// builtin can never become error.
func (r *Registry) SetStatus(id string, s Status) error {
	if !s.Valid() {
		return status.Errorf(status.InvalidArgument, "invalid bundle status %q", s)
	}
	if id == BuiltinID {
		if s == StatusError {
			return status.Errorf(status.PreconditionFailed, "builtin bundle can not enter error status")
		}
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bundles[id]
	if !ok {
		return status.NewBundleNotFoundError(id)
	}
	if b.Status == s {
		return nil
	}
	if !b.Status.CanTransitionTo(s) {
		return status.Errorf(status.PreconditionFailed, "bundle %s can not move from %s to %s", id, b.Status, s)
	}

	b.Status = s
	if s == StatusSuccess {
		b.ConfirmedAt = r.now()
	}
	return r.commit(func(m map[string]Bundle) {
		m[id] = b
	})
}

// SetName relabels a bundle
func (r *Registry) SetName(id, name string) error {
	if id == BuiltinID {
		return status.Errorf(status.InvalidArgument, "builtin bundle can not be renamed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bundles[id]
	if !ok {
		return status.NewBundleNotFoundError(id)
	}
	if b.VersionName == name {
		return nil
	}
	b.VersionName = name
	return r.commit(func(m map[string]Bundle) {
		m[id] = b
	})
}

// Remove deletes a bundle from the table and frees its content. If the bundle was
// staged as next, next is cleared.
func (r *Registry) Remove(id string) error {
	if id == BuiltinID {
		return status.Errorf(status.NotFound, "builtin bundle can not be removed")
	}

	r.mu.Lock()
	b, ok := r.bundles[id]
	if !ok {
		r.mu.Unlock()
		return status.NewBundleNotFoundError(id)
	}
	err := r.commit(func(m map[string]Bundle) {
		delete(m, id)
	})
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if r.store.GetString(keyNext, "") == id {
		if err := r.store.PutString(keyNext, ""); err != nil {
			log.Warnf("failed to clear next pointer to removed bundle %s: %v", id, err)
		}
	}

	if b.ContentPath == "" {
		return nil
	}
	if err := r.removeContent(b.ContentPath); err != nil {
		return fmt.Errorf("free content of bundle %s: %w", id, err)
	}
	return nil
}

// Current returns the bundle presently rendered. An unset or dangling pointer resolves
// to builtin.
func (r *Registry) Current() Bundle {
	id := r.store.GetString(keyCurrent, BuiltinID)
	if id == "" || id == BuiltinID {
		return r.builtin
	}
	b, err := r.Get(id)
	if err != nil {
		log.Warnf("current bundle %s is not registered, using builtin", id)
		return r.builtin
	}
	return b
}

// SetCurrent points current at id, which must be builtin or registered
func (r *Registry) SetCurrent(id string) error {
	if id == "" {
		id = BuiltinID
	}
	if !r.Has(id) {
		return status.NewBundleNotFoundError(id)
	}
	return r.store.PutString(keyCurrent, id)
}

// Next returns the staged bundle, if any. A dangling pointer counts as none.
func (r *Registry) Next() (Bundle, bool) {
	id := r.store.GetString(keyNext, "")
	if id == "" {
		return Bundle{}, false
	}
	b, err := r.Get(id)
	if err != nil {
		return Bundle{}, false
	}
	return b, true
}

// SetNext stages id. An empty id clears next.
func (r *Registry) SetNext(id string) error {
	if id != "" && !r.Has(id) {
		return status.NewBundleNotFoundError(id)
	}
	return r.store.PutString(keyNext, id)
}

// Fallback returns the most recently confirmed successful bundle other than current,
// or builtin if there is none.
func (r *Registry) Fallback() Bundle {
	current := r.Current()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best  Bundle
		found bool
	)
	for _, b := range r.bundles {
		if b.ID == current.ID || !b.IsSuccess() {
			continue
		}
		if !found || b.newerThan(best) {
			best = b
			found = true
		}
	}
	if !found {
		return r.builtin
	}
	return best
}

// commit applies mutate to a copy of the table, persists it and swaps it in.
// The caller must hold the write lock.
func (r *Registry) commit(mutate func(m map[string]Bundle)) error {
	next := maps.Clone(r.bundles)
	mutate(next)

	data, err := json.Marshal(next)
	if err != nil {
		return status.Wrap(status.Internal, err, "encode bundle table")
	}
	if err := r.store.PutString(keyBundles, string(data)); err != nil {
		return status.Wrap(status.StorageError, err, "persist bundle table")
	}

	r.bundles = next
	return nil
}

func removeAll(path string) error {
	err := os.RemoveAll(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
