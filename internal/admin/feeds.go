package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/rsscord/internal/registry"
	"github.com/ppiankov/rsscord/internal/store"
)

type feedHandler struct {
	registry Registry
}

type subscribeRequest struct {
	URL string `json:"url"`
}

type feedResponse struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Channel   string    `json:"channel"`
	Posts     int       `json:"posts"`
	CreatedAt time.Time `json:"created_at"`
}

func toResponse(f store.Feed) feedResponse {
	return feedResponse{
		ID:        f.ID,
		URL:       f.URL,
		Title:     f.Title,
		Channel:   f.ChannelName,
		Posts:     f.PostCount,
		CreatedAt: f.CreatedAt.UTC(),
	}
}

func (h *feedHandler) handleList(w http.ResponseWriter, r *http.Request) error {
	feeds, err := h.registry.List(r.Context())
	if err != nil {
		return newHTTPError(http.StatusInternalServerError, "failed to list feeds", err)
	}

	out := make([]feedResponse, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, toResponse(f))
	}
	respondJSON(w, http.StatusOK, out)
	return nil
}

func (h *feedHandler) handleSubscribe(w http.ResponseWriter, r *http.Request) error {
	defer r.Body.Close()

	var req subscribeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid request payload: "+err.Error(), err)
	}

	f, err := h.registry.Subscribe(r.Context(), req.URL)
	if err != nil {
		return subscribeError(err)
	}
	respondJSON(w, http.StatusCreated, toResponse(f))
	return nil
}

func subscribeError(err error) error {
	var verr *registry.ValidationError
	var ferr *registry.InvalidFeedError
	switch {
	case errors.As(err, &verr):
		return newHTTPError(http.StatusBadRequest, verr.Error(), err)
	case errors.Is(err, registry.ErrDuplicate):
		return newHTTPError(http.StatusConflict, "feed already exists", err)
	case errors.As(err, &ferr):
		return newHTTPError(http.StatusUnprocessableEntity, "invalid RSS feed", err)
	default:
		return newHTTPError(http.StatusInternalServerError, "failed to add feed", err)
	}
}

func (h *feedHandler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseInt(chi.URLParam(r, paramID), 10, 64)
	if err != nil || id <= 0 {
		return newHTTPError(http.StatusBadRequest, "invalid feed id", err)
	}

	if err := h.registry.Unsubscribe(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newHTTPError(http.StatusNotFound, "feed not found", err)
		}
		return newHTTPError(http.StatusInternalServerError, "failed to remove feed", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
