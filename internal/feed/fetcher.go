// Package feed fetches and parses author feeds with primary/backup host
// failover.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/tanoasia/feedrelay/internal/health"
)

const userAgent = "Mozilla/5.0 (compatible; feedrelay/1.0; +https://github.com/tanoasia/feedrelay)"

// maxHostConns caps concurrent and idle connections per feed host so a
// large subscription list cannot pile connections onto one instance.
const maxHostConns = 10

// ErrFeedUnavailable is returned when neither the primary nor the backup
// host yields any entries for an author.
var ErrFeedUnavailable = errors.New("feed unavailable")

// Fetcher retrieves one author's feed. A fetch that fails or parses to
// zero entries on the primary host is retried once against the backup
// host; health signals track the transitions. Health push failures never
// surface as fetch errors.
type Fetcher struct {
	host       string
	backupHost string
	client     *http.Client
	parser     *gofeed.Parser
	reporter   *health.Reporter
	logger     *slog.Logger
}

// uaTransport injects a User-Agent header into every request.
type uaTransport struct {
	base http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	return t.base.RoundTrip(req)
}

func NewFetcher(host, backupHost string, timeout time.Duration, reporter *health.Reporter, logger *slog.Logger) (*Fetcher, error) {
	if host == "" {
		return nil, errors.New("feed: host is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxConnsPerHost = maxHostConns
	base.MaxIdleConnsPerHost = maxHostConns
	client := &http.Client{
		Timeout:   timeout,
		Transport: &uaTransport{base: base},
	}
	parser := gofeed.NewParser()
	parser.Client = client

	return &Fetcher{
		host:       host,
		backupHost: backupHost,
		client:     client,
		parser:     parser,
		reporter:   reporter,
		logger:     logger,
	}, nil
}

// Result is a parsed feed plus where it came from.
type Result struct {
	Feed       *gofeed.Feed
	UsedBackup bool
}

// Fetch retrieves {host}{feedPath}{authorID}. A degraded primary falls
// back to the backup host when one is configured; the error is only for
// this author's iteration, never fatal to the whole cycle.
func (f *Fetcher) Fetch(ctx context.Context, platformName, feedPath, authorID string) (*Result, error) {
	primaryURL := f.host + feedPath + authorID

	feed, primaryErr := f.fetchURL(ctx, primaryURL)
	if primaryErr == nil && len(feed.Items) > 0 {
		return &Result{Feed: feed}, nil
	}

	if primaryErr != nil {
		f.logger.Warn("primary feed fetch failed", "author", authorID, "url", primaryURL, "error", primaryErr)
	} else {
		f.logger.Warn("primary feed returned no entries", "author", authorID, "url", primaryURL)
	}
	f.reporter.Report(health.StatusUp, fmt.Sprintf("%s primary degraded, trying backup", platformName))

	if f.backupHost == "" {
		f.reporter.Report(health.StatusDown, fmt.Sprintf("%s unavailable", platformName))
		if primaryErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", primaryURL, primaryErr)
		}
		return nil, fmt.Errorf("fetch %s: %w", primaryURL, ErrFeedUnavailable)
	}

	backupURL := f.backupHost + feedPath + authorID
	feed, backupErr := f.fetchURL(ctx, backupURL)
	if backupErr == nil && len(feed.Items) > 0 {
		f.reporter.Report(health.StatusUp, fmt.Sprintf("%s recovered via backup", platformName))
		return &Result{Feed: feed, UsedBackup: true}, nil
	}

	if backupErr != nil {
		f.logger.Warn("backup feed fetch failed", "author", authorID, "url", backupURL, "error", backupErr)
	} else {
		f.logger.Warn("backup feed returned no entries", "author", authorID, "url", backupURL)
	}
	f.reporter.Report(health.StatusDown, fmt.Sprintf("%s backup unavailable", platformName))

	if backupErr != nil {
		return nil, fmt.Errorf("fetch %s: %w", backupURL, backupErr)
	}
	return nil, fmt.Errorf("fetch %s: %w", backupURL, ErrFeedUnavailable)
}

func (f *Fetcher) fetchURL(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	feed, err := f.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, err
	}
	return feed, nil
}
