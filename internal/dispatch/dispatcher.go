// Package dispatch drives the poll cycle: fetch each subscribed
// author's feed, dedup entries against the store, and hand new
// entry/destination pairs to the sender.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/semaphore"

	"github.com/tanoasia/feedrelay/internal/config"
	"github.com/tanoasia/feedrelay/internal/content"
	"github.com/tanoasia/feedrelay/internal/feed"
	"github.com/tanoasia/feedrelay/internal/filter"
	"github.com/tanoasia/feedrelay/internal/store"
)

// timeNow is swapped in tests that exercise the quiet window.
var timeNow = time.Now

// FeedFetcher retrieves one author's feed.
type FeedFetcher interface {
	Fetch(ctx context.Context, platformName, feedPath, authorID string) (*feed.Result, error)
}

// Deliverer pushes one stored entry to one destination.
type Deliverer interface {
	Deliver(ctx context.Context, destinationID int64, cfg store.DestinationConfig, c *store.Content, showTranslation bool) error
}

// Params carries the dispatcher's dependencies.
type Params struct {
	Store     *store.Store
	Fetcher   FeedFetcher
	Extractor *content.Extractor
	Sender    Deliverer
	Schedule  config.ScheduleConfig

	// MaxEntries caps how many entries per feed are considered each
	// cycle, newest first. Zero means the default of 3.
	MaxEntries int
	// SendConcurrency caps in-flight deliveries across the whole
	// cycle. Zero means the default of 10.
	SendConcurrency int64

	Logger *slog.Logger
}

// Dispatcher runs poll cycles. A cycle that starts while the previous
// one is still running is skipped, not queued.
type Dispatcher struct {
	store      *store.Store
	fetcher    FeedFetcher
	extractor  *content.Extractor
	sender     Deliverer
	schedule   config.ScheduleConfig
	maxEntries int
	sendCap    int64
	logger     *slog.Logger

	runMu sync.Mutex
}

func New(p Params) *Dispatcher {
	if p.MaxEntries <= 0 {
		p.MaxEntries = 3
	}
	if p.SendConcurrency <= 0 {
		p.SendConcurrency = 10
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Dispatcher{
		store:      p.Store,
		fetcher:    p.Fetcher,
		extractor:  p.Extractor,
		sender:     p.Sender,
		schedule:   p.Schedule,
		maxEntries: p.MaxEntries,
		sendCap:    p.SendConcurrency,
		logger:     p.Logger,
	}
}

// Cycle polls every subscribed author once. Author, entry, and
// destination failures are logged and isolated; the cycle keeps going.
func (d *Dispatcher) Cycle(ctx context.Context) error {
	now := timeNow()
	if d.schedule.QuietWindow(now) {
		d.logger.Debug("inside quiet window, skipping cycle", "time", now.Format("15:04"))
		return nil
	}
	if !d.runMu.TryLock() {
		d.logger.Warn("previous cycle still running, skipping")
		return nil
	}
	defer d.runMu.Unlock()

	firstRun, err := d.store.FirstRun(ctx)
	if err != nil {
		return fmt.Errorf("read first-run flag: %w", err)
	}
	if firstRun {
		d.logger.Info("first run: seeding dedup state without delivering")
	}

	subs, err := d.store.SubscriptionMap(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		d.logger.Debug("no subscriptions, nothing to do")
		return nil
	}

	destCfgs, err := d.destinationSnapshot(ctx, subs)
	if err != nil {
		return err
	}
	platforms, err := d.platformSnapshot(ctx)
	if err != nil {
		return err
	}

	authorIDs := make([]string, 0, len(subs))
	for id := range subs {
		authorIDs = append(authorIDs, id)
	}
	sort.Strings(authorIDs)

	sem := semaphore.NewWeighted(d.sendCap)
	var wg sync.WaitGroup
	for _, authorID := range authorIDs {
		if err := d.processAuthor(ctx, authorID, subs[authorID], destCfgs, platforms, firstRun, sem, &wg); err != nil {
			d.logger.Error("author cycle failed", "author", authorID, "error", err)
		}
	}
	wg.Wait()

	if firstRun {
		if err := d.store.ClearFirstRun(ctx); err != nil {
			return fmt.Errorf("clear first-run flag: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) destinationSnapshot(ctx context.Context, subs map[string][]int64) (map[int64]store.DestinationConfig, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, dests := range subs {
		for _, id := range dests {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	cfgs, err := d.store.DestinationConfigs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load destination configs: %w", err)
	}
	return cfgs, nil
}

func (d *Dispatcher) platformSnapshot(ctx context.Context) (map[string]store.Platform, error) {
	list, err := d.store.ListPlatforms(ctx)
	if err != nil {
		return nil, fmt.Errorf("load platforms: %w", err)
	}
	m := make(map[string]store.Platform, len(list))
	for _, p := range list {
		m[p.Name] = p
	}
	return m, nil
}

func (d *Dispatcher) processAuthor(ctx context.Context, authorID string, destIDs []int64, destCfgs map[int64]store.DestinationConfig, platforms map[string]store.Platform, firstRun bool, sem *semaphore.Weighted, wg *sync.WaitGroup) error {
	author, err := d.store.GetAuthor(ctx, authorID)
	if err != nil {
		return fmt.Errorf("load author: %w", err)
	}
	if author == nil {
		d.logger.Warn("subscription references unknown author", "author", authorID)
		return nil
	}
	platform, ok := platforms[author.Platform]
	if !ok {
		d.logger.Warn("author references unknown platform", "author", authorID, "platform", author.Platform)
		return nil
	}

	res, err := d.fetcher.Fetch(ctx, platform.Name, platform.FeedPath, author.ID)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}
	items := res.Feed.Items
	if len(items) > d.maxEntries {
		items = items[:d.maxEntries]
	}
	if len(items) == 0 {
		return nil
	}

	fingerprints := make([]string, len(items))
	for i, item := range items {
		fingerprints[i] = content.Fingerprint(item)
	}
	existing, err := d.store.ExistingDeliveries(ctx, fingerprints, destIDs)
	if err != nil {
		return fmt.Errorf("ledger lookup: %w", err)
	}

	for i, item := range items {
		fp := fingerprints[i]
		var (
			c     *store.Content
			class content.Classification
		)
		for _, destID := range destIDs {
			if existing[store.PairKey(fp, destID)] {
				continue
			}
			if c == nil {
				c, err = d.loadContent(ctx, fp, item, *author, platform)
				if err != nil {
					d.logger.Error("content load failed", "author", authorID, "fingerprint", fp, "error", err)
					break
				}
				class = content.Classify(item, author.ID, author.DisplayName)
			}
			cfg, ok := destCfgs[destID]
			if !ok {
				cfg = store.DefaultDestinationConfig(destID)
			}

			outcome := store.OutcomeDelivered
			switch {
			case !filter.ShouldDeliver(class, cfg):
				outcome = store.OutcomeFiltered
			case firstRun:
				outcome = store.OutcomeSuppressed
			}
			if err := d.store.InsertDelivery(ctx, fp, destID, outcome); err != nil {
				d.logger.Error("ledger write failed", "fingerprint", fp, "destination", destID, "error", err)
				continue
			}
			if outcome != store.OutcomeDelivered {
				d.logger.Debug("entry not delivered", "fingerprint", fp, "destination", destID, "outcome", outcome)
				continue
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("acquire send slot: %w", err)
			}
			wg.Add(1)
			showTranslation := cfg.ShowTranslation && platform.NeedTranslation && c.TranslatedText != ""
			go func(destID int64, cfg store.DestinationConfig, c *store.Content, show bool) {
				defer wg.Done()
				defer sem.Release(1)
				if err := d.sender.Deliver(ctx, destID, cfg, c, show); err != nil {
					d.logger.Error("delivery failed", "fingerprint", c.Fingerprint, "destination", destID, "error", err)
				}
			}(destID, cfg, c, showTranslation)
		}
	}
	return nil
}

// loadContent returns the cached extraction for fp, extracting and
// persisting it on first sight. Extraction, including translation,
// happens at most once per entry regardless of destination count.
func (d *Dispatcher) loadContent(ctx context.Context, fp string, item *gofeed.Item, author store.Author, platform store.Platform) (*store.Content, error) {
	cached, err := d.store.GetContent(ctx, fp)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	fresh := d.extractor.Extract(ctx, item, author, platform.NeedTranslation)
	if _, err := d.store.InsertContent(ctx, fresh); err != nil {
		return nil, err
	}
	return &fresh, nil
}
