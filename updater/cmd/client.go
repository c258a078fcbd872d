package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/Samankhalid01/capacitor-updater/updater/internal/api"
)

// daemonClient calls the control API of a running daemon
type daemonClient struct {
	addr   string
	client *http.Client
}

func newDaemonClient(addr string) *daemonClient {
	return &daemonClient{
		addr:   strings.TrimSuffix(addr, "/"),
		client: &http.Client{},
	}
}

// do sends body as JSON and decodes the response into out. Connection failures are
// retried, responses from the daemon are not.
func (c *daemonClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	return WithBackOff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.addr+"/api"+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to connect to daemon at %s: %w", c.addr, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(decodeError(resp))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode daemon response: %w", err))
		}
		return nil
	})
}

func decodeError(resp *http.Response) error {
	var errResp api.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &errResp); err != nil || errResp.Message == "" {
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}
	return errors.New(errResp.Message)
}
