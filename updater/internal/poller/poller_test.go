package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/activation"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/bundle"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/notify"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/storage"
)

type fetcherMock struct {
	desc  *Descriptor
	err   error
	calls atomic.Int32
	block chan struct{}
}

func (f *fetcherMock) FetchLatest(ctx context.Context, url string) (*Descriptor, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.desc, f.err
}

type downloaderMock struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *downloaderMock) Download(_ context.Context, url, versionName string) (bundle.Bundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, versionName)
	if d.err != nil {
		return bundle.Bundle{}, d.err
	}
	return bundle.Bundle{ID: versionName, VersionName: versionName, Status: bundle.StatusPending}, nil
}

func (d *downloaderMock) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type activatorMock struct {
	current bundle.Bundle
	failing string
	staged  []string
}

func (a *activatorMock) Current() bundle.Bundle { return a.current }
func (a *activatorMock) FailingVersion() string { return a.failing }
func (a *activatorMock) Stage(id string) error {
	a.staged = append(a.staged, id)
	return nil
}

type bundlesMock map[string]bundle.Bundle

func (b bundlesMock) Get(id string) (bundle.Bundle, error) {
	if found, ok := b[id]; ok {
		return found, nil
	}
	return bundle.Bundle{}, status.NewBundleNotFoundError(id)
}

type sinkMock struct {
	mu     sync.Mutex
	events []string
}

func (s *sinkMock) Emit(name string, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
}

func TestPoller_Check(t *testing.T) {
	current := bundle.Bundle{ID: "v2", Status: bundle.StatusSuccess}

	tests := []struct {
		name          string
		desc          *Descriptor
		failing       string
		registered    bundlesMock
		wantOutcome   Outcome
		wantDownloads []string
		wantStaged    []string
		wantEvents    []string
	}{
		{
			name:          "new version is downloaded and staged",
			desc:          &Descriptor{Version: "v3", URL: "https://cdn.example.com/v3.zip"},
			wantOutcome:   OutcomeStaged,
			wantDownloads: []string{"v3"},
			wantStaged:    []string{"v3"},
			wantEvents:    []string{notify.EventUpdateAvailable},
		},
		{
			name:        "failing version is not downloaded",
			desc:        &Descriptor{Version: "v3", URL: "https://cdn.example.com/v3.zip"},
			failing:     "v3",
			wantOutcome: OutcomeSuppressed,
		},
		{
			name:        "current version",
			desc:        &Descriptor{Version: "v2", URL: "https://cdn.example.com/v2.zip"},
			wantOutcome: OutcomeUpToDate,
		},
		{
			name:        "major version is only announced",
			desc:        &Descriptor{Version: "v10", Major: true, Message: "Cannot upgrade major version"},
			wantOutcome: OutcomeMajorAvailable,
			wantEvents:  []string{notify.EventMajorAvailable},
		},
		{
			name:        "message without major",
			desc:        &Descriptor{Message: "no new version available"},
			wantOutcome: OutcomeMessage,
		},
		{
			name:        "already downloaded version is staged without download",
			desc:        &Descriptor{Version: "v3", URL: "https://cdn.example.com/v3.zip"},
			registered:  bundlesMock{"v3": {ID: "v3", Status: bundle.StatusPending}},
			wantOutcome: OutcomeStaged,
			wantStaged:  []string{"v3"},
			wantEvents:  []string{notify.EventUpdateAvailable},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			downloader := &downloaderMock{}
			activator := &activatorMock{current: current, failing: tt.failing}
			sink := &sinkMock{}
			registered := tt.registered
			if registered == nil {
				registered = bundlesMock{}
			}

			p := New(Config{URL: "https://updates.example.com"}, &fetcherMock{desc: tt.desc}, downloader, activator, registered, sink, nil)

			outcome, err := p.Check(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, tt.wantDownloads, downloader.calls)
			assert.Equal(t, tt.wantStaged, activator.staged)
			assert.Equal(t, tt.wantEvents, sink.events)
		})
	}
}

func TestPoller_FailedDownloadIsNotRetried(t *testing.T) {
	downloader := &downloaderMock{err: status.Errorf(status.DownloadError, "connection reset")}
	activator := &activatorMock{current: bundle.Bundle{ID: bundle.BuiltinID, Builtin: true, Status: bundle.StatusSuccess}}
	fetcher := &fetcherMock{desc: &Descriptor{Version: "v3", URL: "https://cdn.example.com/v3.zip"}}

	p := New(Config{URL: "https://updates.example.com"}, fetcher, downloader, activator, bundlesMock{}, nil, nil)

	outcome, err := p.Check(context.Background())
	assert.Error(t, err)
	assert.True(t, status.Is(err, status.DownloadError))
	assert.Equal(t, OutcomeError, outcome)

	outcome, err = p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, outcome)
	assert.Equal(t, 1, downloader.count())
	assert.Empty(t, activator.staged)
}

type hostMock struct{}

func (hostMock) LoadContent(string, bool) error { return nil }

// registeringDownloader adds bundles under generated ids, as happens when the version
// name is taken or not a valid id
type registeringDownloader struct {
	registry *bundle.Registry
	calls    int
}

func (d *registeringDownloader) Download(_ context.Context, _, versionName string) (bundle.Bundle, error) {
	d.calls++
	b := bundle.Bundle{
		ID:          fmt.Sprintf("dl%d", d.calls),
		VersionName: versionName,
		ContentPath: "/bundles/" + versionName,
	}
	if err := d.registry.Add(b); err != nil {
		return bundle.Bundle{}, err
	}
	return d.registry.Get(b.ID)
}

func newRollbackEnv(t *testing.T, autoDeleteFailed bool) (*bundle.Registry, storage.Store, *activation.Controller, *registeringDownloader) {
	t.Helper()

	store := storage.NewMemoryStore()
	registry, err := bundle.NewRegistry(store, "/app/public", bundle.WithContentRemover(func(string) error { return nil }))
	require.NoError(t, err)

	ctrl := activation.NewController(registry, store, hostMock{}, activation.Config{
		AppReadyTimeout:  time.Hour,
		AutoDeleteFailed: autoDeleteFailed,
	}, nil)
	t.Cleanup(ctrl.Close)

	return registry, store, ctrl, &registeringDownloader{registry: registry}
}

func TestPoller_FailedVersionIsNotFetchedAgain(t *testing.T) {
	for _, autoDeleteFailed := range []bool{true, false} {
		t.Run(fmt.Sprintf("autoDeleteFailed=%v", autoDeleteFailed), func(t *testing.T) {
			registry, _, ctrl, downloader := newRollbackEnv(t, autoDeleteFailed)
			fetcher := &fetcherMock{desc: &Descriptor{Version: "v3", URL: "https://cdn.example.com/v3.zip"}}
			p := New(Config{URL: "https://updates.example.com"}, fetcher, downloader, ctrl, registry, nil, nil)

			outcome, err := p.Check(context.Background())
			require.NoError(t, err)
			assert.Equal(t, OutcomeStaged, outcome)

			outcome2, err := ctrl.OnBackground()
			require.NoError(t, err)
			assert.Equal(t, activation.OutcomeApplied, outcome2)

			// never confirmed, so the next transition rolls it back
			outcome2, err = ctrl.OnBackground()
			require.NoError(t, err)
			assert.Equal(t, activation.OutcomeRolledBack, outcome2)
			assert.Equal(t, "v3", ctrl.FailingVersion())

			for i := 0; i < 3; i++ {
				outcome, err = p.Check(context.Background())
				require.NoError(t, err)
				assert.Equal(t, OutcomeSuppressed, outcome)
			}
			assert.Equal(t, 1, downloader.calls)
		})
	}
}

func TestPoller_RegisteredFailedVersionIsSuppressed(t *testing.T) {
	registry, store, ctrl, downloader := newRollbackEnv(t, false)
	require.NoError(t, registry.Add(bundle.Bundle{ID: "v3", VersionName: "v3", ContentPath: "/bundles/v3"}))
	require.NoError(t, registry.SetStatus("v3", bundle.StatusError))
	// a later failure took over the single failing version slot
	require.NoError(t, store.PutString("failingVersion", "v4"))

	fetcher := &fetcherMock{desc: &Descriptor{Version: "v3", URL: "https://cdn.example.com/v3.zip"}}
	p := New(Config{URL: "https://updates.example.com"}, fetcher, downloader, ctrl, registry, nil, nil)

	outcome, err := p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, outcome)
	assert.Zero(t, downloader.calls)
	_, staged := registry.Next()
	assert.False(t, staged)
}

func TestPoller_FetchError(t *testing.T) {
	p := New(Config{URL: "https://updates.example.com"}, &fetcherMock{err: errors.New("offline")},
		&downloaderMock{}, &activatorMock{}, bundlesMock{}, nil, nil)

	outcome, err := p.Check(context.Background())
	assert.Error(t, err)
	assert.Equal(t, OutcomeError, outcome)
}

func TestPoller_TriggersAreCoalesced(t *testing.T) {
	fetcher := &fetcherMock{
		desc:  &Descriptor{Message: "no new version available"},
		block: make(chan struct{}),
	}
	p := New(Config{URL: "https://updates.example.com"}, fetcher, &downloaderMock{}, &activatorMock{}, bundlesMock{}, nil, nil)
	p.Start(context.Background())
	defer p.Stop()

	p.Trigger()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// the first check is blocked, these collapse into a single follow-up
	for i := 0; i < 5; i++ {
		p.Trigger()
	}
	close(fetcher.block)

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestPoller_StopCancelsRunningCheck(t *testing.T) {
	fetcher := &fetcherMock{block: make(chan struct{})}
	p := New(Config{URL: "https://updates.example.com"}, fetcher, &downloaderMock{}, &activatorMock{}, bundlesMock{}, nil, nil)
	p.Start(context.Background())

	p.Trigger()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not cancel the running check")
	}
}

func TestHTTPClient_FetchLatest(t *testing.T) {
	var got latestRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"version":"v3","url":"https://cdn.example.com/v3.zip","unknown":1}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.Client(), DeviceInfo{AppID: "com.example.app", DeviceID: "dev-1", NativeVersion: "1.2.0", Platform: "android"},
		func() string { return "v2" })

	desc, err := client.FetchLatest(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, &Descriptor{Version: "v3", URL: "https://cdn.example.com/v3.zip"}, desc)

	assert.Equal(t, "com.example.app", got.AppID)
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, "1.2.0", got.VersionBuild)
	assert.Equal(t, "v2", got.VersionName)
	assert.Equal(t, "android", got.Platform)
}

func TestHTTPClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(nil, DeviceInfo{}, func() string { return "" })
	_, err := client.FetchLatest(context.Background(), srv.URL)
	assert.Error(t, err)
}
