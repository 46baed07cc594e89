// Package admin serves the subscription API: list, add and remove feeds.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ppiankov/rsscord/internal/store"
)

const (
	apiBasePath   = "/api"
	feedsBasePath = "/feeds"
	paramID       = "id"

	// DefaultRequestTimeout applies when NewRouter is given no timeout.
	DefaultRequestTimeout = 60 * time.Second
)

// Registry is the subscription surface the API exposes.
type Registry interface {
	Subscribe(ctx context.Context, rawURL string) (store.Feed, error)
	Unsubscribe(ctx context.Context, feedID int64) error
	List(ctx context.Context) ([]store.Feed, error)
}

// NewRouter builds the HTTP handler. Subscribe fetches the feed once, so
// callers pass a timeout longer than the fetcher's worst case.
func NewRouter(reg Registry, timeout time.Duration) http.Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	h := &feedHandler{registry: reg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Route(apiBasePath, func(r chi.Router) {
		r.Route(feedsBasePath, func(r chi.Router) {
			r.Get("/", makeHandler(h.handleList))
			r.Post("/", makeHandler(h.handleSubscribe))
			r.Delete("/{"+paramID+"}", makeHandler(h.handleUnsubscribe))
		})
	})
	r.Get("/healthz", handleHealthCheck)

	return r
}

func handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
