package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Platform describes one author source: how to build its feed path and
// whether content from it needs translation.
type Platform struct {
	Name            string
	FeedPath        string
	NeedTranslation bool
}

// Author is a subscribable feed author.
type Author struct {
	ID          string
	DisplayName string
	Platform    string
}

// Subscription maps an author to a delivery destination.
type Subscription struct {
	AuthorID      string
	DestinationID int64
}

// DestinationConfig holds the per-destination delivery flags. A
// destination without a stored row gets DefaultDestinationConfig.
type DestinationConfig struct {
	ID                 int64
	AllowReposts       bool
	AllowSelfReposts   bool
	ShowTranslation    bool
	AnnounceImageCount bool
	MergedMessage      bool
	CardMode           bool
}

// DefaultDestinationConfig returns the flags applied when a destination
// has no stored configuration.
func DefaultDestinationConfig(id int64) DestinationConfig {
	return DestinationConfig{
		ID:                 id,
		AllowReposts:       true,
		AllowSelfReposts:   false,
		ShowTranslation:    true,
		AnnounceImageCount: true,
		MergedMessage:      false,
		CardMode:           false,
	}
}

func (s *Store) UpsertPlatform(ctx context.Context, p Platform) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("platform name is required")
	}
	if strings.TrimSpace(p.FeedPath) == "" {
		return errors.New("platform feed_path is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platforms (name, feed_path, need_translation)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			feed_path = excluded.feed_path,
			need_translation = excluded.need_translation
	`, p.Name, p.FeedPath, boolInt(p.NeedTranslation))
	if err != nil {
		return fmt.Errorf("upsert platform: %w", err)
	}
	return nil
}

func (s *Store) GetPlatform(ctx context.Context, name string) (*Platform, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		p    Platform
		need int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT name, feed_path, need_translation FROM platforms WHERE name = ?", name,
	).Scan(&p.Name, &p.FeedPath, &need)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan platform: %w", err)
	}
	p.NeedTranslation = need != 0
	return &p, nil
}

func (s *Store) ListPlatforms(ctx context.Context) ([]Platform, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, feed_path, need_translation FROM platforms ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var platforms []Platform
	for rows.Next() {
		var (
			p    Platform
			need int
		)
		if err := rows.Scan(&p.Name, &p.FeedPath, &need); err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		p.NeedTranslation = need != 0
		platforms = append(platforms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platforms: %w", err)
	}
	return platforms, nil
}

func (s *Store) UpsertAuthor(ctx context.Context, a Author) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("author id is required")
	}
	if strings.TrimSpace(a.Platform) == "" {
		return errors.New("author platform is required")
	}

	platform, err := s.GetPlatform(ctx, a.Platform)
	if err != nil {
		return err
	}
	if platform == nil {
		return fmt.Errorf("platform %q does not exist", a.Platform)
	}

	name := a.DisplayName
	if name == "" {
		name = a.ID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO authors (id, display_name, platform)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			platform = excluded.platform
	`, a.ID, name, a.Platform)
	if err != nil {
		return fmt.Errorf("upsert author: %w", err)
	}
	return nil
}

func (s *Store) GetAuthor(ctx context.Context, id string) (*Author, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var a Author
	err := s.db.QueryRowContext(ctx,
		"SELECT id, display_name, platform FROM authors WHERE id = ?", id,
	).Scan(&a.ID, &a.DisplayName, &a.Platform)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan author: %w", err)
	}
	return &a, nil
}

func (s *Store) DeleteAuthor(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM authors WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete author: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete author result: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListAuthors(ctx context.Context) ([]Author, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, display_name, platform FROM authors ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var authors []Author
	for rows.Next() {
		var a Author
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Platform); err != nil {
			return nil, fmt.Errorf("scan author: %w", err)
		}
		authors = append(authors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authors: %w", err)
	}
	return authors, nil
}

// AddSubscription subscribes a destination to an author. Returns false
// when the pair is already subscribed.
func (s *Store) AddSubscription(ctx context.Context, authorID string, destinationID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	author, err := s.GetAuthor(ctx, authorID)
	if err != nil {
		return false, err
	}
	if author == nil {
		return false, fmt.Errorf("author %q does not exist", authorID)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO subscriptions (author_id, destination_id, created_at)
		VALUES (?, ?, ?)
	`, authorID, destinationID, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("add subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add subscription result: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RemoveSubscription(ctx context.Context, authorID string, destinationID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE author_id = ? AND destination_id = ?",
		authorID, destinationID)
	if err != nil {
		return false, fmt.Errorf("remove subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove subscription result: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT author_id, destination_id FROM subscriptions ORDER BY author_id, destination_id")
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.AuthorID, &sub.DestinationID); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

// SubscriptionMap resolves the full author -> destination list mapping
// for one poll cycle.
func (s *Store) SubscriptionMap(ctx context.Context) (map[string][]int64, error) {
	subs, err := s.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}

	m := make(map[string][]int64)
	for _, sub := range subs {
		m[sub.AuthorID] = append(m[sub.AuthorID], sub.DestinationID)
	}
	for _, dests := range m {
		sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })
	}
	return m, nil
}

func (s *Store) SetDestinationConfig(ctx context.Context, cfg DestinationConfig) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO destinations (
			id, allow_reposts, allow_self_reposts, show_translation,
			announce_image_count, merged_message, card_mode
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			allow_reposts = excluded.allow_reposts,
			allow_self_reposts = excluded.allow_self_reposts,
			show_translation = excluded.show_translation,
			announce_image_count = excluded.announce_image_count,
			merged_message = excluded.merged_message,
			card_mode = excluded.card_mode
	`,
		cfg.ID,
		boolInt(cfg.AllowReposts),
		boolInt(cfg.AllowSelfReposts),
		boolInt(cfg.ShowTranslation),
		boolInt(cfg.AnnounceImageCount),
		boolInt(cfg.MergedMessage),
		boolInt(cfg.CardMode),
	)
	if err != nil {
		return fmt.Errorf("set destination config: %w", err)
	}
	return nil
}

func (s *Store) GetDestinationConfig(ctx context.Context, id int64) (DestinationConfig, error) {
	if s == nil || s.db == nil {
		return DestinationConfig{}, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, allow_reposts, allow_self_reposts, show_translation,
			announce_image_count, merged_message, card_mode
		FROM destinations WHERE id = ?
	`, id)

	cfg, err := scanDestinationConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultDestinationConfig(id), nil
	}
	if err != nil {
		return DestinationConfig{}, err
	}
	return cfg, nil
}

// DestinationConfigs loads an immutable config snapshot for a set of
// destinations. Destinations without a stored row get defaults. Loaded
// once per cycle so one poll never sees mixed configuration.
func (s *Store) DestinationConfigs(ctx context.Context, ids []int64) (map[int64]DestinationConfig, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	configs := make(map[int64]DestinationConfig, len(ids))
	for _, id := range ids {
		configs[id] = DefaultDestinationConfig(id)
	}
	if len(ids) == 0 {
		return configs, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, allow_reposts, allow_self_reposts, show_translation,
			announce_image_count, merged_message, card_mode
		FROM destinations WHERE id IN (%s)
	`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query destination configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		cfg, err := scanDestinationConfig(rows)
		if err != nil {
			return nil, err
		}
		configs[cfg.ID] = cfg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate destination configs: %w", err)
	}

	return configs, nil
}

func scanDestinationConfig(scanner interface{ Scan(dest ...any) error }) (DestinationConfig, error) {
	var (
		cfg                               DestinationConfig
		reposts, selfReposts, translation int
		announceImages, merged, cardMode  int
	)
	if err := scanner.Scan(
		&cfg.ID, &reposts, &selfReposts, &translation,
		&announceImages, &merged, &cardMode,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DestinationConfig{}, err
		}
		return DestinationConfig{}, fmt.Errorf("scan destination config: %w", err)
	}
	cfg.AllowReposts = reposts != 0
	cfg.AllowSelfReposts = selfReposts != 0
	cfg.ShowTranslation = translation != 0
	cfg.AnnounceImageCount = announceImages != 0
	cfg.MergedMessage = merged != 0
	cfg.CardMode = cardMode != 0
	return cfg, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
