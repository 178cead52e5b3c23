// Package health pushes best-effort status signals to an external
// monitoring endpoint. Signals are observability only: a failed push is
// logged and dropped, never returned to the caller.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const pushTimeout = 5 * time.Second

const (
	StatusUp   = "up"
	StatusDown = "down"
)

// Reporter pushes status signals via HTTP GET with status/msg query
// params. A nil Reporter discards all signals.
type Reporter struct {
	pushURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewReporter(pushURL string, logger *slog.Logger) *Reporter {
	if pushURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		pushURL: pushURL,
		client:  &http.Client{Timeout: pushTimeout},
		logger:  logger,
	}
}

// Report pushes one signal in the background and returns immediately.
func (r *Reporter) Report(status, msg string) {
	if r == nil {
		return
	}
	go r.push(status, msg)
}

func (r *Reporter) push(status, msg string) {
	u, err := url.Parse(r.pushURL)
	if err != nil {
		r.logger.Debug("health: bad push url", "url", r.pushURL, "error", err)
		return
	}
	q := u.Query()
	q.Set("status", status)
	q.Set("msg", msg)
	q.Set("ping", "")
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		r.logger.Debug("health: build request", "error", err)
		return
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("health: push failed", "error", err)
		return
	}
	_ = resp.Body.Close()
}
