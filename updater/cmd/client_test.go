package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Samankhalid01/capacitor-updater/updater/internal/api"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/bundle"
)

func TestDaemonClient_Do(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/api/bundles/v1/next":
			var req api.SelectRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			api.WriteJSONObject(r.Context(), w, bundle.Bundle{ID: "v1", VersionName: req.VersionName, Status: bundle.StatusPending})
		default:
			api.WriteErrorResponse("bundle not found: v9", http.StatusNotFound, w)
		}
	}))
	defer srv.Close()

	client := newDaemonClient(srv.URL + "/")

	var b bundle.Bundle
	err := client.do(context.Background(), http.MethodPost, "/bundles/v1/next", api.SelectRequest{VersionName: "1.0.1"}, &b)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", b.VersionName)

	calls.Store(0)
	err = client.do(context.Background(), http.MethodGet, "/bundles/v9", nil, &b)
	require.Error(t, err)
	assert.Equal(t, "bundle not found: v9", err.Error())
	assert.Equal(t, int32(1), calls.Load(), "daemon errors are not retried")
}

func TestDaemonClient_RetriesUntilDeadline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := newDaemonClient(addr).do(ctx, http.MethodGet, "/current", nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestListCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/bundles", r.URL.Path)
		api.WriteJSONObject(r.Context(), w, []bundle.Bundle{
			{ID: "v1", VersionName: "1.0.0", Status: bundle.StatusSuccess},
			{ID: "v2", VersionName: "1.0.1", Status: bundle.StatusPending},
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"--daemon-addr", srv.URL, "list"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "ID")
	assert.Contains(t, out.String(), "v1")
	assert.Contains(t, out.String(), "1.0.1")
	assert.Contains(t, out.String(), "pending")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "builtin (success)", describe(bundle.Bundle{ID: bundle.BuiltinID, Status: bundle.StatusSuccess}))
	assert.Equal(t, "a1b2 [1.0.1] (pending)", describe(bundle.Bundle{ID: "a1b2", VersionName: "1.0.1", Status: bundle.StatusPending}))
}
