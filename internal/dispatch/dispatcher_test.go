package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/tanoasia/feedrelay/internal/config"
	"github.com/tanoasia/feedrelay/internal/content"
	"github.com/tanoasia/feedrelay/internal/feed"
	"github.com/tanoasia/feedrelay/internal/store"
)

type fakeFetcher struct {
	mu    sync.Mutex
	feeds map[string][]*gofeed.Item
	errs  map[string]error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _, _, authorID string) (*feed.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[authorID]; ok {
		return nil, err
	}
	items, ok := f.feeds[authorID]
	if !ok {
		return nil, fmt.Errorf("no feed for %s", authorID)
	}
	return &feed.Result{Feed: &gofeed.Feed{Items: items}}, nil
}

type deliveredItem struct {
	destination int64
	fingerprint string
	show        bool
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []deliveredItem
	err       error
}

func (f *fakeDeliverer) Deliver(_ context.Context, destinationID int64, _ store.DestinationConfig, c *store.Content, show bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, deliveredItem{destination: destinationID, fingerprint: c.Fingerprint, show: show})
	return f.err
}

func (f *fakeDeliverer) sent() []deliveredItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]deliveredItem, len(f.delivered))
	copy(out, f.delivered)
	return out
}

type countingTranslator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingTranslator) Translate(_ context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return "译:" + text, nil
}

func item(guid, title, desc string) *gofeed.Item {
	published := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &gofeed.Item{
		GUID:            guid,
		Title:           title,
		Link:            "https://example.com/" + guid,
		Description:     desc,
		PublishedParsed: &published,
	}
}

type fixture struct {
	store      *store.Store
	fetcher    *fakeFetcher
	deliverer  *fakeDeliverer
	translator *countingTranslator
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.UpsertPlatform(ctx, store.Platform{Name: "twitter", FeedPath: "/twitter/user/", NeedTranslation: true}); err != nil {
		t.Fatalf("upsert platform: %v", err)
	}

	fetcher := &fakeFetcher{feeds: map[string][]*gofeed.Item{}, errs: map[string]error{}}
	deliverer := &fakeDeliverer{}
	translator := &countingTranslator{}

	d := New(Params{
		Store:     st,
		Fetcher:   fetcher,
		Extractor: content.NewExtractor(translator, 10, nil),
		Sender:    deliverer,
	})

	return &fixture{
		store:      st,
		fetcher:    fetcher,
		deliverer:  deliverer,
		translator: translator,
		dispatcher: d,
	}
}

func (fx *fixture) subscribe(t *testing.T, authorID string, destinations ...int64) {
	t.Helper()
	ctx := context.Background()
	if err := fx.store.UpsertAuthor(ctx, store.Author{ID: authorID, Platform: "twitter"}); err != nil {
		t.Fatalf("upsert author: %v", err)
	}
	for _, dest := range destinations {
		if _, err := fx.store.AddSubscription(ctx, authorID, dest); err != nil {
			t.Fatalf("add subscription: %v", err)
		}
	}
}

func (fx *fixture) clearFirstRun(t *testing.T) {
	t.Helper()
	if err := fx.store.ClearFirstRun(context.Background()); err != nil {
		t.Fatalf("clear first run: %v", err)
	}
}

func TestFirstCycleSuppressesBacklog(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.subscribe(t, "alice", 100)
	fx.fetcher.feeds["alice"] = []*gofeed.Item{item("g1", "hello", "<p>hello</p>")}

	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if sent := fx.deliverer.sent(); len(sent) != 0 {
		t.Fatalf("first cycle must not deliver, got %+v", sent)
	}

	// The backlog is in the ledger so it never delivers later.
	fp := content.Fingerprint(fx.fetcher.feeds["alice"][0])
	existing, err := fx.store.ExistingDeliveries(ctx, []string{fp}, []int64{100})
	if err != nil {
		t.Fatalf("existing deliveries: %v", err)
	}
	if !existing[store.PairKey(fp, 100)] {
		t.Fatalf("backlog entry should be recorded as processed")
	}

	first, err := fx.store.FirstRun(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first {
		t.Fatalf("first-run flag should be cleared after the cycle")
	}
}

func TestNewEntriesDeliverOnceAcrossCycles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.subscribe(t, "alice", 100)
	fx.clearFirstRun(t)
	fx.fetcher.feeds["alice"] = []*gofeed.Item{item("g1", "hello", "<p>hello</p>")}

	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	sent := fx.deliverer.sent()
	if len(sent) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(sent))
	}
	if sent[0].destination != 100 {
		t.Errorf("destination: %d", sent[0].destination)
	}
	if !sent[0].show {
		t.Errorf("translating platform with default config should show translation")
	}

	// Same feed again: nothing new.
	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if sent := fx.deliverer.sent(); len(sent) != 1 {
		t.Fatalf("repeat cycle re-delivered: %+v", sent)
	}

	// A new entry appears, only it goes out.
	fx.fetcher.feeds["alice"] = []*gofeed.Item{
		item("g2", "fresh", "<p>fresh</p>"),
		item("g1", "hello", "<p>hello</p>"),
	}
	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	sent = fx.deliverer.sent()
	if len(sent) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(sent))
	}
	if sent[1].fingerprint != content.Fingerprint(fx.fetcher.feeds["alice"][0]) {
		t.Fatalf("wrong entry delivered: %+v", sent[1])
	}
}

func TestFanOutToMultipleDestinations(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.subscribe(t, "alice", 100, 200)
	fx.clearFirstRun(t)
	fx.fetcher.feeds["alice"] = []*gofeed.Item{item("g1", "hello", "<p>hello</p>")}

	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	sent := fx.deliverer.sent()
	if len(sent) != 2 {
		t.Fatalf("got %d deliveries, want one per destination", len(sent))
	}
	seen := map[int64]bool{}
	for _, d := range sent {
		seen[d.destination] = true
	}
	if !seen[100] || !seen[200] {
		t.Fatalf("missing destination: %+v", sent)
	}

	// Extraction, including translation, ran once for the entry even
	// though two destinations received it.
	if fx.translator.calls != 1 {
		t.Fatalf("translator called %d times, want 1", fx.translator.calls)
	}
}

type failingTranslator struct{}

func (failingTranslator) Translate(context.Context, string) (string, error) {
	return "", errors.New("upstream 503")
}

func TestFailedTranslationDeliversWithoutTranslationBlock(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.subscribe(t, "alice", 100)
	fx.clearFirstRun(t)
	fx.fetcher.feeds["alice"] = []*gofeed.Item{item("g1", "hello", "<p>hello</p>")}

	fx.dispatcher.extractor = content.NewExtractor(failingTranslator{}, 10, nil)

	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	sent := fx.deliverer.sent()
	if len(sent) != 1 {
		t.Fatalf("entry should still deliver untranslated: %+v", sent)
	}
	if sent[0].show {
		t.Fatalf("failed translation must not request a translation block")
	}
}

func TestFilteredEntriesAreRecordedNotSent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.subscribe(t, "alice", 100)
	fx.clearFirstRun(t)
	if err := fx.store.SetDestinationConfig(ctx, store.DestinationConfig{ID: 100, AllowReposts: false, ShowTranslation: true}); err != nil {
		t.Fatalf("set destination config: %v", err)
	}

	quote := item("g1", "interesting", `<p>look</p><div class="rsshub-quote">someone else's post</div>`)
	fx.fetcher.feeds["alice"] = []*gofeed.Item{quote}

	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if sent := fx.deliverer.sent(); len(sent) != 0 {
		t.Fatalf("filtered entry was delivered: %+v", sent)
	}

	fp := content.Fingerprint(quote)
	existing, err := fx.store.ExistingDeliveries(ctx, []string{fp}, []int64{100})
	if err != nil {
		t.Fatalf("existing deliveries: %v", err)
	}
	if !existing[store.PairKey(fp, 100)] {
		t.Fatalf("filtered entry should still be in the ledger")
	}

	// Filtering is per destination: a permissive destination added later
	// still gets the entry.
	if _, err := fx.store.AddSubscription(ctx, "alice", 200); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	sent := fx.deliverer.sent()
	if len(sent) != 1 || sent[0].destination != 200 {
		t.Fatalf("permissive destination should receive the quote: %+v", sent)
	}
}

func TestMaxEntriesCapsPerFeed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.subscribe(t, "alice", 100)
	fx.clearFirstRun(t)

	var items []*gofeed.Item
	for i := 0; i < 6; i++ {
		items = append(items, item(fmt.Sprintf("g%d", i), "post", "<p>post</p>"))
	}
	fx.fetcher.feeds["alice"] = items

	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if sent := fx.deliverer.sent(); len(sent) != 3 {
		t.Fatalf("got %d deliveries, want the newest 3", len(sent))
	}
}

func TestAuthorFailureIsIsolated(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.subscribe(t, "alice", 100)
	fx.subscribe(t, "bob", 100)
	fx.clearFirstRun(t)

	fx.fetcher.errs["alice"] = errors.New("feed host down")
	fx.fetcher.feeds["bob"] = []*gofeed.Item{item("b1", "hi", "<p>hi</p>")}

	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("cycle should survive a single author failing: %v", err)
	}

	sent := fx.deliverer.sent()
	if len(sent) != 1 {
		t.Fatalf("healthy author should still deliver: %+v", sent)
	}
}

func TestSendFailureDoesNotRollBackLedger(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.subscribe(t, "alice", 100)
	fx.clearFirstRun(t)
	fx.deliverer.err = errors.New("websocket closed")

	entry := item("g1", "hello", "<p>hello</p>")
	fx.fetcher.feeds["alice"] = []*gofeed.Item{entry}

	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	// The pair stays processed: no retry storm on the next cycle.
	if err := fx.dispatcher.Cycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if sent := fx.deliverer.sent(); len(sent) != 1 {
		t.Fatalf("failed send should not be retried next cycle: %+v", sent)
	}
}

func TestQuietWindowSkipsCycle(t *testing.T) {
	fx := newFixture(t)
	fx.subscribe(t, "alice", 100)
	fx.clearFirstRun(t)
	fx.fetcher.feeds["alice"] = []*gofeed.Item{item("g1", "hello", "<p>hello</p>")}

	fx.dispatcher.schedule = config.ScheduleConfig{QuietStart: "01:00", QuietEnd: "07:00"}

	oldNow := timeNow
	timeNow = func() time.Time {
		return time.Date(2026, 3, 1, 3, 0, 0, 0, time.Local)
	}
	defer func() { timeNow = oldNow }()

	if err := fx.dispatcher.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if fx.fetcher.calls != 0 {
		t.Fatalf("quiet window cycle should not fetch")
	}
	if sent := fx.deliverer.sent(); len(sent) != 0 {
		t.Fatalf("quiet window cycle delivered: %+v", sent)
	}
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	fx := newFixture(t)
	fx.subscribe(t, "alice", 100)
	fx.clearFirstRun(t)
	fx.fetcher.feeds["alice"] = []*gofeed.Item{item("g1", "hello", "<p>hello</p>")}

	// Simulate a cycle still in flight.
	fx.dispatcher.runMu.Lock()
	defer fx.dispatcher.runMu.Unlock()

	if err := fx.dispatcher.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if fx.fetcher.calls != 0 {
		t.Fatalf("overlapping cycle should be skipped, not queued")
	}
}

func TestNoSubscriptionsIsNoOp(t *testing.T) {
	fx := newFixture(t)
	fx.clearFirstRun(t)

	if err := fx.dispatcher.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if fx.fetcher.calls != 0 {
		t.Fatalf("no subscriptions should mean no fetches")
	}
}
