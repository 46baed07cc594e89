package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rsscord.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st, path
}

func createTestFeed(t *testing.T, st *Store, url, channel string) Feed {
	t.Helper()
	f, err := st.CreateFeed(context.Background(), FeedInput{
		URL:         url,
		Title:       "Feed " + channel,
		ChannelName: channel,
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create feed %s: %v", url, err)
	}
	return f
}

func TestOpenAndMigrate(t *testing.T) {
	st, path := openTestStore(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file not created: %v", err)
	}

	version, err := st.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("schema version = %d, want %d", version, schemaVersion)
	}
}

func TestOpenTwiceKeepsData(t *testing.T) {
	st, path := openTestStore(t)
	createTestFeed(t, st, "https://example.com/a.xml", "a")
	_ = st.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	feeds, err := reopened.ListFeeds(context.Background())
	if err != nil {
		t.Fatalf("list feeds: %v", err)
	}
	if len(feeds) != 1 {
		t.Fatalf("feeds after reopen = %d, want 1", len(feeds))
	}
}

func TestOpenEmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCreateFeedDuplicates(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	createTestFeed(t, st, "https://example.com/a.xml", "blog")

	_, err := st.CreateFeed(ctx, FeedInput{URL: "https://example.com/a.xml", Title: "x", ChannelName: "other"})
	if !errors.Is(err, ErrDuplicateURL) {
		t.Fatalf("duplicate url err = %v, want ErrDuplicateURL", err)
	}

	_, err = st.CreateFeed(ctx, FeedInput{URL: "https://example.com/b.xml", Title: "x", ChannelName: "blog"})
	if !errors.Is(err, ErrDuplicateChannel) {
		t.Fatalf("duplicate channel err = %v, want ErrDuplicateChannel", err)
	}

	feeds, err := st.ListFeeds(ctx)
	if err != nil {
		t.Fatalf("list feeds: %v", err)
	}
	if len(feeds) != 1 {
		t.Fatalf("feeds = %d, want 1", len(feeds))
	}
}

func TestCreateFeedValidation(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   FeedInput
	}{
		{"missing url", FeedInput{Title: "t", ChannelName: "c"}},
		{"missing title", FeedInput{URL: "https://x", ChannelName: "c"}},
		{"missing channel", FeedInput{URL: "https://x", Title: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := st.CreateFeed(ctx, tt.in); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCreateFeedQueuesChannelRequest(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, st, "https://example.com/a.xml", "blog")

	reqs, err := st.PendingChannelRequests(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(reqs) != 1 || reqs[0].FeedID != f.ID || reqs[0].ChannelName != "blog" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}

	if err := st.AckChannelRequest(ctx, f.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reqs, err = st.PendingChannelRequests(ctx)
	if err != nil {
		t.Fatalf("pending after ack: %v", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("requests after ack = %d, want 0", len(reqs))
	}
}

func TestListFeedsOrderAndCounts(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	a := createTestFeed(t, st, "https://example.com/a.xml", "a")
	b := createTestFeed(t, st, "https://example.com/b.xml", "b")

	for _, fp := range []string{"1", "2", "3"} {
		if _, err := st.RecordSeen(ctx, b.ID, fp, time.Now()); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	feeds, err := st.ListFeeds(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(feeds) != 2 {
		t.Fatalf("feeds = %d, want 2", len(feeds))
	}
	if feeds[0].ID != a.ID || feeds[1].ID != b.ID {
		t.Fatalf("unexpected order: %d, %d", feeds[0].ID, feeds[1].ID)
	}
	if feeds[0].PostCount != 0 || feeds[1].PostCount != 3 {
		t.Fatalf("post counts = %d, %d; want 0, 3", feeds[0].PostCount, feeds[1].PostCount)
	}
	if !feeds[0].CreatedAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("created_at = %v", feeds[0].CreatedAt)
	}
}

func TestGetFeedAndFeedByURL(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, st, "https://example.com/a.xml", "a")

	got, err := st.GetFeed(ctx, f.ID)
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	if got.URL != f.URL || got.ChannelName != "a" {
		t.Fatalf("unexpected feed: %+v", got)
	}

	got, err = st.FeedByURL(ctx, "https://example.com/a.xml")
	if err != nil {
		t.Fatalf("feed by url: %v", err)
	}
	if got.ID != f.ID {
		t.Fatalf("feed by url id = %d, want %d", got.ID, f.ID)
	}

	if _, err := st.GetFeed(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing feed err = %v, want ErrNotFound", err)
	}
	if _, err := st.FeedByURL(ctx, "https://nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing url err = %v, want ErrNotFound", err)
	}
}

func TestRecordSeenIdempotent(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, st, "https://example.com/a.xml", "a")

	ok, err := st.RecordSeen(ctx, f.ID, "abc", time.Now())
	if err != nil || !ok {
		t.Fatalf("first record = %v, %v; want true, nil", ok, err)
	}
	ok, err = st.RecordSeen(ctx, f.ID, "abc", time.Now())
	if err != nil || ok {
		t.Fatalf("second record = %v, %v; want false, nil", ok, err)
	}

	seen, err := st.HasSeen(ctx, f.ID, "abc")
	if err != nil || !seen {
		t.Fatalf("has seen = %v, %v; want true", seen, err)
	}
	seen, err = st.HasSeen(ctx, f.ID, "other")
	if err != nil || seen {
		t.Fatalf("has seen other = %v, %v; want false", seen, err)
	}
}

func TestRecordSeenScopedPerFeed(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	a := createTestFeed(t, st, "https://example.com/a.xml", "a")
	b := createTestFeed(t, st, "https://example.com/b.xml", "b")

	for _, id := range []int64{a.ID, b.ID} {
		ok, err := st.RecordSeen(ctx, id, "same", time.Now())
		if err != nil || !ok {
			t.Fatalf("record for feed %d = %v, %v", id, ok, err)
		}
	}
}

func TestRecordSeenEmptyFingerprint(t *testing.T) {
	st, _ := openTestStore(t)
	f := createTestFeed(t, st, "https://example.com/a.xml", "a")
	if _, err := st.RecordSeen(context.Background(), f.ID, "", time.Now()); err == nil {
		t.Fatal("expected error for empty fingerprint")
	}
}

func TestRecordSeenConcurrentExactlyOnce(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, st, "https://example.com/a.xml", "a")

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		failures  atomic.Int32
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := st.RecordSeen(ctx, f.ID, "race", time.Now())
			if err != nil {
				failures.Add(1)
				return
			}
			if ok {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d record calls failed", failures.Load())
	}
	if successes.Load() != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes.Load())
	}
	n, err := st.CountSeen(ctx, f.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestDeleteFeedCascades(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, st, "https://example.com/a.xml", "a")
	for _, fp := range []string{"1", "2"} {
		if _, err := st.RecordSeen(ctx, f.ID, fp, time.Now()); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if err := st.DeleteFeed(ctx, f.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var rows int
	if err := st.db.QueryRow("SELECT COUNT(*) FROM posts").Scan(&rows); err != nil {
		t.Fatalf("count posts: %v", err)
	}
	if rows != 0 {
		t.Fatalf("posts after delete = %d, want 0", rows)
	}
	reqs, err := st.PendingChannelRequests(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("requests after delete = %d, want 0", len(reqs))
	}

	if err := st.DeleteFeed(ctx, f.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}

	again := createTestFeed(t, st, "https://example.com/a.xml", "a")
	if again.ID == f.ID {
		t.Fatalf("re-subscribed feed reused id %d", f.ID)
	}
	seen, err := st.HasSeen(ctx, again.ID, "1")
	if err != nil {
		t.Fatalf("has seen: %v", err)
	}
	if seen {
		t.Fatal("re-subscribed feed inherited seen history")
	}
}

func TestChannelNameTaken(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	createTestFeed(t, st, "https://example.com/a.xml", "my-blog")

	taken, err := st.ChannelNameTaken(ctx, "my-blog")
	if err != nil || !taken {
		t.Fatalf("taken = %v, %v; want true", taken, err)
	}
	taken, err = st.ChannelNameTaken(ctx, "my-blog-1")
	if err != nil || taken {
		t.Fatalf("taken suffix = %v, %v; want false", taken, err)
	}
}

func TestNilStore(t *testing.T) {
	var st *Store
	if err := st.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
	if _, err := st.ListFeeds(context.Background()); err == nil {
		t.Fatal("expected error from nil store")
	}
	if _, err := st.RecordSeen(context.Background(), 1, "x", time.Now()); err == nil {
		t.Fatal("expected error from nil store")
	}
}
