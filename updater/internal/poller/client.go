package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"

	log "github.com/sirupsen/logrus"

	"github.com/Samankhalid01/capacitor-updater/version"
)

const (
	userAgent       = "capacitor-updater/%s"
	maxResponseSize = 1 << 20
)

// Descriptor is the latest version reported by the update endpoint. Only these fields are read.
type Descriptor struct {
	Version string `json:"version,omitempty"`
	URL     string `json:"url,omitempty"`
	Major   bool   `json:"major,omitempty"`
	Message string `json:"message,omitempty"`
}

// Fetcher retrieves the latest descriptor
type Fetcher interface {
	FetchLatest(ctx context.Context, url string) (*Descriptor, error)
}

// DeviceInfo identifies this installation to the update endpoint
type DeviceInfo struct {
	AppID         string
	DeviceID      string
	NativeVersion string
	Platform      string
}

type latestRequest struct {
	Platform      string `json:"platform"`
	DeviceID      string `json:"device_id"`
	AppID         string `json:"app_id"`
	VersionBuild  string `json:"version_build"`
	VersionName   string `json:"version_name"`
	PluginVersion string `json:"plugin_version"`
}

// HTTPClient posts the device information as JSON and decodes the descriptor
type HTTPClient struct {
	client      *http.Client
	info        DeviceInfo
	versionName func() string
}

// NewHTTPClient creates the endpoint client. versionName reports the version of the current
// bundle at request time.
func NewHTTPClient(client *http.Client, info DeviceInfo, versionName func() string) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	if info.Platform == "" {
		info.Platform = runtime.GOOS
	}
	return &HTTPClient{
		client:      client,
		info:        info,
		versionName: versionName,
	}
}

func (c *HTTPClient) FetchLatest(ctx context.Context, url string) (*Descriptor, error) {
	body, err := json.Marshal(latestRequest{
		Platform:      c.info.Platform,
		DeviceID:      c.info.DeviceID,
		AppID:         c.info.AppID,
		VersionBuild:  c.info.NativeVersion,
		VersionName:   c.versionName(),
		PluginVersion: version.UpdaterVersion(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.UpdaterVersion()))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode)
	}

	var desc Descriptor
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&desc); err != nil {
		return nil, fmt.Errorf("decode update descriptor: %w", err)
	}
	return &desc, nil
}
