// Package host serves the content of the current bundle over HTTP.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrContentMissing is returned when a bundle directory does not exist
var ErrContentMissing = errors.New("bundle content missing")

type root struct {
	path    string
	builtin bool
	handler http.Handler
}

// Server serves files from the currently loaded bundle directory
type Server struct {
	current atomic.Pointer[root]
	server  *http.Server
}

func NewServer(listen string) *Server {
	s := &Server{}
	s.server = &http.Server{
		Addr:              listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// LoadContent switches the served directory. Requests in flight finish on the old one.
func (s *Server) LoadContent(path string, builtin bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrContentMissing, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrContentMissing, path)
	}

	s.current.Store(&root{
		path:    path,
		builtin: builtin,
		handler: http.FileServer(http.Dir(path)),
	})
	log.Infof("serving content from %s (builtin: %t)", path, builtin)
	return nil
}

// Path returns the served directory, empty before the first load
func (s *Server) Path() string {
	if r := s.current.Load(); r != nil {
		return r.path
	}
	return ""
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	current := s.current.Load()
	if current == nil {
		http.Error(w, "no content loaded", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	current.handler.ServeHTTP(w, r)
}

// ListenAndServe blocks until Shutdown
func (s *Server) ListenAndServe() error {
	log.Infof("content host listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("content host: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
