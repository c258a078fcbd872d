package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	log "github.com/sirupsen/logrus"
)

const eventWriteTimeout = 5 * time.Second

// events streams the notification history and then every new event as JSON messages
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originHostPatterns(),
	})
	if err != nil {
		log.WithContext(r.Context()).Errorf("event stream upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	defer func() {
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			log.Debugf("failed to close event stream: %v", err)
		}
	}()

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	// the client only listens, a read means it went away
	ctx := conn.CloseRead(r.Context())

	// events emitted after subscribing may also be part of the history
	sent := make(map[string]struct{})
	for _, event := range h.bus.History() {
		if err := writeEvent(ctx, conn, event); err != nil {
			return
		}
		sent[event.ID] = struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, dup := sent[event.ID]; dup {
				continue
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

// originHostPatterns turns the allowed origins into the host patterns websocket.Accept
// matches the Origin header against. The scheme was already checked by originGuard.
func (h *handler) originHostPatterns() []string {
	patterns := make([]string, 0, len(h.allowedOrigins))
	for _, origin := range h.allowedOrigins {
		if origin == "*" {
			patterns = append(patterns, origin)
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, event); err != nil {
		log.Debugf("failed to write event: %v", err)
		return err
	}
	return nil
}
