package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/activation"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/bundle"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/readiness"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/storage"
	"github.com/Samankhalid01/capacitor-updater/util"
)

type hostMock struct {
	mu    sync.Mutex
	paths []string
}

func (h *hostMock) LoadContent(path string, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paths = append(h.paths, path)
	return nil
}

func (h *hostMock) loaded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.paths...)
}

type downloaderMock struct {
	registry *bundle.Registry
}

func (d *downloaderMock) Download(_ context.Context, url, versionName string) (bundle.Bundle, error) {
	b := bundle.Bundle{ID: versionName, VersionName: versionName, ContentPath: "/bundles/" + versionName}
	if err := d.registry.Add(b); err != nil {
		return bundle.Bundle{}, err
	}
	return d.registry.Get(versionName)
}

type pollerMock struct {
	enabled  bool
	started  atomic.Bool
	stopped  atomic.Bool
	triggers atomic.Int32
}

func (p *pollerMock) Enabled() bool           { return p.enabled }
func (p *pollerMock) Start(_ context.Context) { p.started.Store(true) }
func (p *pollerMock) Stop()                   { p.stopped.Store(true) }
func (p *pollerMock) Trigger()                { p.triggers.Add(1) }

type testEnv struct {
	store    *storage.MemoryStore
	registry *bundle.Registry
	host     *hostMock
	manager  *Manager
}

func newTestEnv(t *testing.T, config Config, opts ...Option) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore()
	registry, err := bundle.NewRegistry(store, "/app/public", bundle.WithContentRemover(func(string) error { return nil }))
	require.NoError(t, err)

	host := &hostMock{}
	controller := activation.NewController(registry, store, host, activation.Config{
		AppReadyTimeout:    time.Minute,
		AutoDeleteFailed:   true,
		AutoDeletePrevious: true,
	}, nil)

	m := New(config, registry, store, controller, &downloaderMock{registry: registry}, opts...)
	t.Cleanup(m.Stop)

	return &testEnv{store: store, registry: registry, host: host, manager: m}
}

func (e *testEnv) addConfirmed(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.registry.Add(bundle.Bundle{ID: id, VersionName: id, ContentPath: "/bundles/" + id}))
	require.NoError(t, e.registry.SetStatus(id, bundle.StatusSuccess))
}

func TestManager_StartCleansUpOnMajorBump(t *testing.T) {
	tests := []struct {
		name            string
		resetWhenUpdate bool
		previous        string
		native          string
		wantCurrent     string
		wantBundles     []string
	}{
		{
			name:            "major bump drops bundles",
			resetWhenUpdate: true,
			previous:        "1.4.0",
			native:          "2.0.0",
			wantCurrent:     bundle.BuiltinID,
			wantBundles:     []string{},
		},
		{
			name:            "minor bump keeps bundles",
			resetWhenUpdate: true,
			previous:        "1.4.0",
			native:          "1.5.0",
			wantCurrent:     "v1",
			wantBundles:     []string{"v1", "v2"},
		},
		{
			name:            "first start keeps bundles",
			resetWhenUpdate: true,
			native:          "2.0.0",
			wantCurrent:     "v1",
			wantBundles:     []string{"v1", "v2"},
		},
		{
			name:            "disabled",
			resetWhenUpdate: false,
			previous:        "1.4.0",
			native:          "2.0.0",
			wantCurrent:     "v1",
			wantBundles:     []string{"v1", "v2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{NativeVersion: tt.native, ResetWhenUpdate: tt.resetWhenUpdate})
			env.addConfirmed(t, "v1")
			require.NoError(t, env.registry.Add(bundle.Bundle{ID: "v2", ContentPath: "/bundles/v2"}))
			require.NoError(t, env.registry.SetCurrent("v1"))
			if tt.previous != "" {
				require.NoError(t, env.store.PutString(keyLatestNative, tt.previous))
			}

			require.NoError(t, env.manager.Start(context.Background()))

			assert.Equal(t, tt.wantCurrent, env.manager.Current().Bundle.ID)
			ids := []string{}
			for _, b := range env.manager.List() {
				ids = append(ids, b.ID)
			}
			if diff := cmp.Diff(tt.wantBundles, ids); diff != "" {
				t.Errorf("bundles mismatch (-want +got):\n%s", diff)
			}

			if tt.resetWhenUpdate {
				assert.Equal(t, tt.native, env.store.GetString(keyLatestNative, ""))
			}
		})
	}
}

func TestManager_StartLoadsCurrentAndStartsPoller(t *testing.T) {
	poller := &pollerMock{enabled: true}
	env := newTestEnv(t, Config{NativeVersion: "1.0.0"}, WithPoller(poller))

	require.NoError(t, env.manager.Start(context.Background()))
	assert.Equal(t, []string{"/app/public"}, env.host.loaded())
	assert.True(t, poller.started.Load())

	err := env.manager.Start(context.Background())
	assert.True(t, status.Is(err, status.PreconditionFailed))

	env.manager.Stop()
	assert.True(t, poller.stopped.Load())
}

func TestManager_Current(t *testing.T) {
	env := newTestEnv(t, Config{NativeVersion: "3.1.0"})

	current := env.manager.Current()
	assert.Equal(t, bundle.BuiltinID, current.Bundle.ID)
	assert.Equal(t, "3.1.0", current.Native)
}

func TestManager_Download(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.manager.Download(context.Background(), "", "v1")
	assert.True(t, status.Is(err, status.InvalidArgument))

	_, err = env.manager.Download(context.Background(), "https://cdn.example.com/v1.zip", "")
	assert.True(t, status.Is(err, status.InvalidArgument))

	b, err := env.manager.Download(context.Background(), "https://cdn.example.com/v1.zip", "v1")
	require.NoError(t, err)
	assert.Equal(t, bundle.StatusPending, b.Status)
}

func TestManager_NextRenamesAndStages(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.registry.Add(bundle.Bundle{ID: "a1b2", ContentPath: "/bundles/a1b2"}))

	b, err := env.manager.Next("a1b2", "1.0.1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", b.VersionName)

	next, ok := env.registry.Next()
	require.True(t, ok)
	assert.Equal(t, "a1b2", next.ID)

	_, err = env.manager.Next("missing", "")
	assert.True(t, status.Is(err, status.NotFound))
}

func TestManager_SetRenamesAndLoads(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.registry.Add(bundle.Bundle{ID: "a1b2", ContentPath: "/bundles/a1b2"}))

	b, err := env.manager.Set("a1b2", "1.0.1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", b.VersionName)
	assert.Equal(t, "a1b2", env.manager.Current().Bundle.ID)
	assert.Equal(t, []string{"/bundles/a1b2"}, env.host.loaded())

	_, err = env.manager.Set(bundle.BuiltinID, "ignored")
	require.NoError(t, err)
	assert.True(t, env.manager.Current().Bundle.IsBuiltin())
}

func TestManager_NotifyAppReady(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.registry.Add(bundle.Bundle{ID: "v1", ContentPath: "/bundles/v1"}))
	_, err := env.manager.Set("v1", "")
	require.NoError(t, err)

	b, err := env.manager.NotifyAppReady()
	require.NoError(t, err)
	assert.Equal(t, "v1", b.ID)
	assert.Equal(t, bundle.StatusSuccess, b.Status)
}

func TestManager_OnForeground(t *testing.T) {
	tests := []struct {
		name         string
		poller       *pollerMock
		wantTriggers int32
	}{
		{name: "polling enabled", poller: &pollerMock{enabled: true}, wantTriggers: 1},
		{name: "polling disabled", poller: &pollerMock{enabled: false}, wantTriggers: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{}, WithPoller(tt.poller))
			env.manager.OnForeground()
			assert.Equal(t, tt.wantTriggers, tt.poller.triggers.Load())
		})
	}
}

func TestManager_BackgroundCycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addConfirmed(t, "v1")
	_, err := env.manager.Set("v1", "")
	require.NoError(t, err)

	_, err = env.manager.Download(context.Background(), "https://cdn.example.com/v2.zip", "v2")
	require.NoError(t, err)
	_, err = env.manager.Next("v2", "")
	require.NoError(t, err)

	outcome, err := env.manager.OnBackground()
	require.NoError(t, err)
	assert.Equal(t, activation.OutcomeApplied, outcome)
	assert.Equal(t, "v2", env.manager.Current().Bundle.ID)

	_, err = env.manager.NotifyAppReady()
	require.NoError(t, err)

	// v1 was the fallback before v2 confirmed
	_, err = env.manager.Get("v1")
	assert.True(t, status.Is(err, status.NotFound))

	assert.True(t, status.Is(env.manager.Delete("v2"), status.PreconditionFailed))
	require.NoError(t, env.manager.Reset(false))
	assert.True(t, env.manager.Current().Bundle.IsBuiltin())
}

func TestManager_ReadinessMarkerConfirmsCurrent(t *testing.T) {
	dir := t.TempDir()
	watcher := readiness.NewWatcher(dir)
	env := newTestEnv(t, Config{}, WithReadinessWatcher(watcher))
	require.NoError(t, env.registry.Add(bundle.Bundle{ID: "v1", ContentPath: "/bundles/v1"}))
	require.NoError(t, env.registry.SetCurrent("v1"))

	require.NoError(t, env.manager.Start(context.Background()))

	// a marker for another bundle is ignored
	require.NoError(t, readiness.Write(context.Background(), dir, readiness.Marker{BundleID: "v0"}))
	require.Eventually(t, func() bool {
		return !util.FileExists(watcher.Path())
	}, 2*time.Second, 10*time.Millisecond)
	current, err := env.manager.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, bundle.StatusPending, current.Status)

	require.NoError(t, readiness.Write(context.Background(), dir, readiness.Marker{BundleID: "v1"}))
	require.Eventually(t, func() bool {
		b, err := env.manager.Get("v1")
		return err == nil && b.IsSuccess()
	}, 2*time.Second, 10*time.Millisecond)
}
