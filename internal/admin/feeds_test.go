package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ppiankov/rsscord/internal/registry"
	"github.com/ppiankov/rsscord/internal/store"
)

type mapFetcher map[string]*gofeed.Feed

func (m mapFetcher) Fetch(_ context.Context, url string) (*gofeed.Feed, error) {
	if f, ok := m[url]; ok {
		return f, nil
	}
	return nil, errors.New("Failed to detect feed type")
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "rsscord.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fetcher := mapFetcher{
		"https://example.com/feed.rss":  {Title: "My Blog!"},
		"https://example.com/other.rss": {Title: "Other"},
	}
	srv := httptest.NewServer(NewRouter(registry.New(st, fetcher, nil), 0))
	t.Cleanup(srv.Close)
	return srv, st
}

func postFeed(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/feeds", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func deleteFeed(t *testing.T, srv *httptest.Server, id string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/feeds/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestSubscribeCreated(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postFeed(t, srv, `{"url":"https://example.com/feed.rss"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type = %q", ct)
	}
	var got feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID == 0 || got.Channel != "my-blog" || got.Title != "My Blog!" {
		t.Errorf("unexpected feed: %+v", got)
	}
}

func TestSubscribeErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	if resp := postFeed(t, srv, `{"url":"https://example.com/feed.rss"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("seed status = %d", resp.StatusCode)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate", `{"url":"https://example.com/feed.rss"}`, http.StatusConflict},
		{"malformed url", `{"url":"not a url"}`, http.StatusBadRequest},
		{"missing url", `{}`, http.StatusBadRequest},
		{"bad json", `{"url":`, http.StatusBadRequest},
		{"unknown field", `{"link":"https://example.com"}`, http.StatusBadRequest},
		{"not a feed", `{"url":"https://example.com/page.html"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postFeed(t, srv, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if msg := decodeError(t, resp); msg == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestListFeeds(t *testing.T) {
	srv, st := newTestServer(t)
	postFeed(t, srv, `{"url":"https://example.com/feed.rss"}`)
	postFeed(t, srv, `{"url":"https://example.com/other.rss"}`)

	feeds, _ := st.ListFeeds(context.Background())
	if _, err := st.RecordSeen(context.Background(), feeds[0].ID, "abc", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/feeds")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got []feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Channel != "my-blog" || got[1].Channel != "other" {
		t.Fatalf("unexpected list: %+v", got)
	}
	if got[0].Posts != 1 || got[1].Posts != 0 {
		t.Errorf("post counts = %d, %d", got[0].Posts, got[1].Posts)
	}
}

func TestListEmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/feeds")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) != "[]" {
		t.Errorf("body = %s, want []", raw)
	}
}

func TestUnsubscribe(t *testing.T) {
	srv, st := newTestServer(t)
	postFeed(t, srv, `{"url":"https://example.com/feed.rss"}`)
	feeds, _ := st.ListFeeds(context.Background())
	id := feeds[0].ID

	if resp := deleteFeed(t, srv, "1"); resp.StatusCode != http.StatusNoContent || id != 1 {
		t.Fatalf("status = %d (id %d)", resp.StatusCode, id)
	}
	if resp := deleteFeed(t, srv, "1"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
	if resp := deleteFeed(t, srv, "abc"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

type deadlineFetcher struct {
	remaining chan time.Duration
}

func (f deadlineFetcher) Fetch(ctx context.Context, _ string) (*gofeed.Feed, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		f.remaining <- 0
	} else {
		f.remaining <- time.Until(deadline)
	}
	return &gofeed.Feed{Title: "Slow"}, nil
}

func TestSubscribeUsesRequestTimeout(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "rsscord.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fetcher := deadlineFetcher{remaining: make(chan time.Duration, 1)}
	srv := httptest.NewServer(NewRouter(registry.New(st, fetcher, nil), 2*time.Minute))
	t.Cleanup(srv.Close)

	resp := postFeed(t, srv, `{"url":"https://example.com/slow.rss"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if got := <-fetcher.remaining; got <= DefaultRequestTimeout {
		t.Errorf("fetch deadline %v should follow the configured 2m timeout", got)
	}
}
