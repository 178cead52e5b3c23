// Package store persists the relay's dedup state and subscription data in
// a local SQLite database. Content and delivery rows are insert-if-absent
// and never updated, which keeps concurrent cycles safe without locking
// beyond the uniqueness constraints.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Delivery outcomes recorded in the ledger. All three mark a
// (fingerprint, destination) pair as processed.
const (
	OutcomeDelivered  = "delivered"
	OutcomeFiltered   = "filtered"
	OutcomeSuppressed = "suppressed"
)

type Store struct {
	db *sql.DB
}

// Content is a canonically-extracted feed item, keyed by fingerprint.
// Immutable after insert.
type Content struct {
	Fingerprint    string
	AuthorID       string
	AuthorName     string
	PublishedAt    time.Time
	Permalink      string
	BodyText       string
	TranslatedText string // empty when translation was unavailable or not required
	ImageURLs      []string
	CreatedAt      time.Time
}

// Delivery marks that a content item was processed for a destination.
type Delivery struct {
	Fingerprint   string
	DestinationID int64
	Outcome       string
	CreatedAt     time.Time
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

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
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

// InsertContent stores a content record if its fingerprint is not yet
// known. Returns true when the row was inserted, false when an earlier
// cycle already stored it.
func (s *Store) InsertContent(ctx context.Context, c Content) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(c.Fingerprint) == "" {
		return false, errors.New("fingerprint is required")
	}
	if strings.TrimSpace(c.AuthorID) == "" {
		return false, errors.New("author_id is required")
	}

	images := c.ImageURLs
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return false, fmt.Errorf("encode image urls: %w", err)
	}

	var translated sql.NullString
	if c.TranslatedText != "" {
		translated = sql.NullString{String: c.TranslatedText, Valid: true}
	}

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO contents (
			fingerprint, author_id, author_name, published_at, permalink,
			body_text, translated_text, image_urls, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.Fingerprint,
		c.AuthorID,
		c.AuthorName,
		formatTime(c.PublishedAt),
		c.Permalink,
		c.BodyText,
		translated,
		string(imagesJSON),
		formatTime(createdAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert content: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert content result: %w", err)
	}
	return n > 0, nil
}

// GetContent returns the stored content for fingerprint, or nil when the
// fingerprint has never been seen.
func (s *Store) GetContent(ctx context.Context, fingerprint string) (*Content, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, author_id, author_name, published_at, permalink,
			body_text, translated_text, image_urls, created_at
		FROM contents
		WHERE fingerprint = ?
	`, fingerprint)

	var (
		c                    Content
		translated           sql.NullString
		publishedAt, created string
		imagesJSON           string
	)
	err := row.Scan(
		&c.Fingerprint,
		&c.AuthorID,
		&c.AuthorName,
		&publishedAt,
		&c.Permalink,
		&c.BodyText,
		&translated,
		&imagesJSON,
		&created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan content: %w", err)
	}

	if translated.Valid {
		c.TranslatedText = translated.String
	}
	if err := json.Unmarshal([]byte(imagesJSON), &c.ImageURLs); err != nil {
		return nil, fmt.Errorf("decode image urls: %w", err)
	}
	if c.PublishedAt, err = parseTime(publishedAt); err != nil {
		return nil, fmt.Errorf("parse published_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &c, nil
}

// InsertDelivery records that a (fingerprint, destination) pair has been
// processed. A pair already in the ledger is left untouched.
func (s *Store) InsertDelivery(ctx context.Context, fingerprint string, destinationID int64, outcome string) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(fingerprint) == "" {
		return errors.New("fingerprint is required")
	}
	switch outcome {
	case OutcomeDelivered, OutcomeFiltered, OutcomeSuppressed:
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO deliveries (fingerprint, destination_id, outcome, created_at)
		VALUES (?, ?, ?, ?)
	`, fingerprint, destinationID, outcome, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// PairKey is the ledger lookup key for one (fingerprint, destination) pair.
func PairKey(fingerprint string, destinationID int64) string {
	return fmt.Sprintf("%s-%d", fingerprint, destinationID)
}

// ExistingDeliveries batch-checks the ledger for every combination of the
// given fingerprints and destinations in a single query, returning the set
// of PairKeys already processed.
func (s *Store) ExistingDeliveries(ctx context.Context, fingerprints []string, destinationIDs []int64) (map[string]bool, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(fingerprints) == 0 || len(destinationIDs) == 0 {
		return map[string]bool{}, nil
	}

	fpPlaceholders := make([]string, len(fingerprints))
	args := make([]any, 0, len(fingerprints)+len(destinationIDs))
	for i, fp := range fingerprints {
		fpPlaceholders[i] = "?"
		args = append(args, fp)
	}
	destPlaceholders := make([]string, len(destinationIDs))
	for i, id := range destinationIDs {
		destPlaceholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT fingerprint, destination_id FROM deliveries
		WHERE fingerprint IN (%s) AND destination_id IN (%s)
	`, strings.Join(fpPlaceholders, ","), strings.Join(destPlaceholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	existing := make(map[string]bool)
	for rows.Next() {
		var fp string
		var dest int64
		if err := rows.Scan(&fp, &dest); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		existing[PairKey(fp, dest)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}

	return existing, nil
}

// FirstRun reports whether the relay has never completed a poll cycle.
// Persisted so a process restart does not re-trigger a backlog blast.
func (s *Store) FirstRun(ctx context.Context) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'first_run'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read first_run: %w", err)
	}
	return value == "1", nil
}

// ClearFirstRun marks the first poll cycle as completed.
func (s *Store) ClearFirstRun(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata(key, value) VALUES('first_run', '0')
		ON CONFLICT(key) DO UPDATE SET value = '0'
	`)
	if err != nil {
		return fmt.Errorf("clear first_run: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return time.Time{}.UTC().Format(time.RFC3339Nano)
	}
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
