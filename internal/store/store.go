package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a feed id does not exist.
	ErrNotFound = errors.New("feed not found")
	// ErrDuplicateURL is returned when a feed with the same URL is already stored.
	ErrDuplicateURL = errors.New("feed url already exists")
	// ErrDuplicateChannel is returned when the channel name is bound to another feed.
	ErrDuplicateChannel = errors.New("channel name already taken")

	errNotInitialized = errors.New("store is not initialized")
)

type Store struct {
	db *sql.DB
}

// Feed is a subscribed source bound to exactly one destination channel.
type Feed struct {
	ID          int64
	URL         string
	Title       string
	ChannelName string
	CreatedAt   time.Time
	PostCount   int
}

type FeedInput struct {
	URL         string
	Title       string
	ChannelName string
	CreatedAt   time.Time
}

// ChannelRequest is a pending "make sure this channel exists" marker left by
// a subscribe call and consumed by the channel watcher.
type ChannelRequest struct {
	FeedID      int64
	ChannelName string
	RequestedAt time.Time
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite has a single writer; serializing through one connection turns
	// concurrent ledger writes into a queue instead of SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateFeed inserts the feed and its channel request in one transaction so
// the watcher can never observe a feed without a pending request.
func (s *Store) CreateFeed(ctx context.Context, in FeedInput) (Feed, error) {
	if s == nil || s.db == nil {
		return Feed{}, errNotInitialized
	}
	if strings.TrimSpace(in.URL) == "" {
		return Feed{}, errors.New("url is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return Feed{}, errors.New("title is required")
	}
	if strings.TrimSpace(in.ChannelName) == "" {
		return Feed{}, errors.New("channel_name is required")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Feed{}, fmt.Errorf("begin transaction: %w", err)
	}

	createdAt := formatTime(in.CreatedAt)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO feeds (url, title, channel_name, created_at)
		VALUES (?, ?, ?, ?)
	`, in.URL, in.Title, in.ChannelName, createdAt)
	if err != nil {
		_ = tx.Rollback()
		return Feed{}, classifyFeedInsert(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return Feed{}, fmt.Errorf("read feed id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channel_requests (feed_id, channel_name, requested_at)
		VALUES (?, ?, ?)
	`, id, in.ChannelName, createdAt); err != nil {
		_ = tx.Rollback()
		return Feed{}, fmt.Errorf("insert channel request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Feed{}, fmt.Errorf("commit feed: %w", err)
	}

	return Feed{
		ID:          id,
		URL:         in.URL,
		Title:       in.Title,
		ChannelName: in.ChannelName,
		CreatedAt:   in.CreatedAt.UTC(),
	}, nil
}

func classifyFeedInsert(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: feeds.url"):
		return ErrDuplicateURL
	case strings.Contains(msg, "UNIQUE constraint failed: feeds.channel_name"):
		return ErrDuplicateChannel
	}
	return fmt.Errorf("insert feed: %w", err)
}

const feedColumns = `f.id, f.url, f.title, f.channel_name, f.created_at,
	(SELECT COUNT(*) FROM posts p WHERE p.feed_id = f.id)`

func (s *Store) GetFeed(ctx context.Context, id int64) (Feed, error) {
	if s == nil || s.db == nil {
		return Feed{}, errNotInitialized
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+feedColumns+" FROM feeds f WHERE f.id = ?", id)
	return scanFeed(row)
}

func (s *Store) FeedByURL(ctx context.Context, url string) (Feed, error) {
	if s == nil || s.db == nil {
		return Feed{}, errNotInitialized
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+feedColumns+" FROM feeds f WHERE f.url = ?", url)
	return scanFeed(row)
}

// ListFeeds returns every feed in creation order with its live post count.
func (s *Store) ListFeeds(ctx context.Context) ([]Feed, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+feedColumns+" FROM feeds f ORDER BY f.id ASC")
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feeds: %w", err)
	}
	return feeds, nil
}

// DeleteFeed removes a feed together with its seen posts and pending channel
// request. Rows are deleted explicitly as well as via ON DELETE CASCADE so a
// database opened without foreign keys still ends up consistent.
func (s *Store) DeleteFeed(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM posts WHERE feed_id = ?", id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete posts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM channel_requests WHERE feed_id = ?", id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete channel request: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM feeds WHERE id = ?", id)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete feed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		_ = tx.Rollback()
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *Store) ChannelNameTaken(ctx context.Context, name string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNotInitialized
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM feeds WHERE channel_name = ?", name).Scan(&n); err != nil {
		return false, fmt.Errorf("check channel name: %w", err)
	}
	return n > 0, nil
}

// HasSeen reports whether the fingerprint was already recorded for the feed.
func (s *Store) HasSeen(ctx context.Context, feedID int64, fingerprint string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNotInitialized
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM posts WHERE feed_id = ? AND post_id = ?", feedID, fingerprint,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return n > 0, nil
}

// RecordSeen marks the fingerprint as delivered for the feed. It returns true
// for exactly one caller per (feed, fingerprint) pair; every later or
// concurrent call returns false with a nil error.
func (s *Store) RecordSeen(ctx context.Context, feedID int64, fingerprint string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNotInitialized
	}
	if strings.TrimSpace(fingerprint) == "" {
		return false, errors.New("fingerprint is required")
	}
	if at.IsZero() {
		at = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (feed_id, post_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(feed_id, post_id) DO NOTHING
	`, feedID, fingerprint, formatTime(at))
	if err != nil {
		return false, fmt.Errorf("record seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record seen: %w", err)
	}
	return n == 1, nil
}

func (s *Store) CountSeen(ctx context.Context, feedID int64) (int, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts WHERE feed_id = ?", feedID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count seen: %w", err)
	}
	return n, nil
}

// PendingChannelRequests returns unacknowledged requests, oldest first.
func (s *Store) PendingChannelRequests(ctx context.Context) ([]ChannelRequest, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT feed_id, channel_name, requested_at
		FROM channel_requests
		ORDER BY requested_at ASC, feed_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list channel requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reqs []ChannelRequest
	for rows.Next() {
		var (
			req         ChannelRequest
			requestedAt string
		)
		if err := rows.Scan(&req.FeedID, &req.ChannelName, &requestedAt); err != nil {
			return nil, fmt.Errorf("scan channel request: %w", err)
		}
		req.RequestedAt, err = parseTime(requestedAt)
		if err != nil {
			return nil, fmt.Errorf("parse requested_at: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel requests: %w", err)
	}
	return reqs, nil
}

func (s *Store) AckChannelRequest(ctx context.Context, feedID int64) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM channel_requests WHERE feed_id = ?", feedID); err != nil {
		return fmt.Errorf("ack channel request: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(scanner rowScanner) (Feed, error) {
	var (
		f         Feed
		createdAt string
	)
	if err := scanner.Scan(&f.ID, &f.URL, &f.Title, &f.ChannelName, &createdAt, &f.PostCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Feed{}, ErrNotFound
		}
		return Feed{}, fmt.Errorf("scan feed: %w", err)
	}

	var err error
	f.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return Feed{}, fmt.Errorf("parse created_at: %w", err)
	}
	return f, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
