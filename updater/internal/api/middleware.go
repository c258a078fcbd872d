package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/Samankhalid01/capacitor-updater/util"
)

const requestIDHeader = "X-Request-ID"

// requestID tags every request with an id, reusing the caller's one if it sent any.
// Routes acting on a bundle also carry its id, so handler logs name it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), util.RequestIDKey, id)
		if bundleID := mux.Vars(r)["id"]; bundleID != "" {
			ctx = context.WithValue(ctx, util.BundleIDKey, bundleID)
		}
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		log.WithContext(ctx).Debugf("%s %s took %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// corsHandler answers preflights for the allowed origins only. An empty list must not
// reach cors.Options as is, the library treats it as allow-all.
func (h *handler) corsHandler() *cors.Cors {
	opts := cors.Options{
		AllowedOrigins: h.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
	}
	if len(h.allowedOrigins) == 0 {
		opts.AllowOriginFunc = func(string) bool { return false }
	}
	return cors.New(opts)
}

// originGuard rejects browser requests from origins that are not allowed. CORS alone only
// hides the response, a simple cross-site POST would still run.
func (h *handler) originGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || h.originAllowed(origin) {
			next.ServeHTTP(w, r)
			return
		}

		log.WithContext(r.Context()).Warnf("rejected %s %s from origin %s", r.Method, r.URL.Path, origin)
		WriteErrorResponse("origin not allowed", http.StatusForbidden, w)
	})
}

func (h *handler) originAllowed(origin string) bool {
	origin = strings.TrimSuffix(origin, "/")
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}
