// Package send delivers one content item to one destination, honoring
// the destination's format flags and isolating per-image failures.
package send

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tanoasia/feedrelay/internal/store"
	"github.com/tanoasia/feedrelay/internal/transport"
)

const (
	imageRetryLimit = 3
	// Linear backoff between image attempts: 2s, 4s, 6s.
	imageRetryStep = 2 * time.Second

	maxImageBytes = 20 << 20

	// maxImageConns caps concurrent and idle connections per image host.
	maxImageConns = 10
)

// sleepFunc is the function used for retry backoff delays. Overridable
// in tests.
var sleepFunc = time.Sleep

// CardRenderer renders a content item into a single image. Optional:
// destinations with card mode fall back to plain messages when the
// renderer is missing or fails.
type CardRenderer interface {
	Render(c *store.Content) ([]byte, error)
}

// Sender delivers rendered messages through a Transport. All sends share
// one pacing limiter so fan-out bursts stay inside the chat transport's
// rate limits.
type Sender struct {
	transport transport.Transport
	limiter   *rate.Limiter
	client    *http.Client
	renderer  CardRenderer
	botID     int64
	botName   string
	modelName string
	logger    *slog.Logger
}

type Options struct {
	MessageEvery time.Duration
	ImageTimeout time.Duration
	Renderer     CardRenderer
	BotID        int64
	BotName      string
	ModelName    string
	Logger       *slog.Logger
}

func NewSender(tr transport.Transport, opts Options) *Sender {
	every := opts.MessageEvery
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	imageTimeout := opts.ImageTimeout
	if imageTimeout <= 0 {
		imageTimeout = 20 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	modelName := opts.ModelName
	if modelName == "" {
		modelName = "None"
	}

	imageTransport := http.DefaultTransport.(*http.Transport).Clone()
	imageTransport.MaxConnsPerHost = maxImageConns
	imageTransport.MaxIdleConnsPerHost = maxImageConns

	return &Sender{
		transport: tr,
		limiter:   rate.NewLimiter(rate.Every(every), 1),
		client:    &http.Client{Timeout: imageTimeout, Transport: imageTransport},
		renderer:  opts.Renderer,
		botID:     opts.BotID,
		botName:   opts.BotName,
		modelName: modelName,
		logger:    logger,
	}
}

// Deliver sends one content item to one destination. showTranslation is
// the already-resolved decision that a translation block should appear
// (platform translates, destination wants it, translation exists).
func (s *Sender) Deliver(ctx context.Context, destinationID int64, cfg store.DestinationConfig, c *store.Content, showTranslation bool) error {
	if c.TranslatedText == "" {
		showTranslation = false
	}

	if cfg.CardMode {
		err := s.deliverCard(ctx, destinationID, c)
		if err == nil {
			return nil
		}
		s.logger.Warn("card render failed, falling back to plain messages",
			"destination", destinationID, "fingerprint", c.Fingerprint, "error", err)
	}

	if cfg.MergedMessage {
		return s.deliverMerged(ctx, destinationID, cfg, c, showTranslation)
	}
	return s.deliverPlain(ctx, destinationID, cfg, c, showTranslation)
}

func (s *Sender) deliverCard(ctx context.Context, destinationID int64, c *store.Content) error {
	if s.renderer == nil {
		return fmt.Errorf("no card renderer configured")
	}
	img, err := s.renderer.Render(c)
	if err != nil {
		return fmt.Errorf("render card: %w", err)
	}
	return s.sendMessage(ctx, destinationID, []transport.Segment{transport.ImageBytes(img)})
}

// deliverMerged packs text, translation, and images into one forward
// bundle.
func (s *Sender) deliverMerged(ctx context.Context, destinationID int64, cfg store.DestinationConfig, c *store.Content, showTranslation bool) error {
	nodes := []transport.Segment{
		transport.Node(s.botID, s.botName, []transport.Segment{transport.Text(formatBody(c))}),
	}
	if showTranslation {
		nodes = append(nodes, transport.Node(s.botID, s.botName,
			[]transport.Segment{transport.Text(formatTranslation(c, s.modelName))}))
	}
	if len(c.ImageURLs) > 0 {
		var images []transport.Segment
		for _, u := range c.ImageURLs {
			images = append(images, transport.ImageURL(u))
		}
		nodes = append(nodes, transport.Node(s.botID, s.botName, images))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.transport.SendForward(ctx, destinationID, nodes); err != nil {
		return fmt.Errorf("send forward: %w", err)
	}
	return nil
}

// deliverPlain sends the discrete message sequence: body, translation,
// image count announcement, then each image.
func (s *Sender) deliverPlain(ctx context.Context, destinationID int64, cfg store.DestinationConfig, c *store.Content, showTranslation bool) error {
	if err := s.sendMessage(ctx, destinationID, []transport.Segment{transport.Text(formatBody(c))}); err != nil {
		return fmt.Errorf("send body: %w", err)
	}

	if showTranslation {
		if err := s.sendMessage(ctx, destinationID, []transport.Segment{transport.Text(formatTranslation(c, s.modelName))}); err != nil {
			return fmt.Errorf("send translation: %w", err)
		}
	}

	if len(c.ImageURLs) == 0 {
		return nil
	}

	if cfg.AnnounceImageCount {
		if err := s.sendMessage(ctx, destinationID, []transport.Segment{transport.Text(formatImageCount(len(c.ImageURLs)))}); err != nil {
			return fmt.Errorf("send image count: %w", err)
		}
	}

	for _, u := range c.ImageURLs {
		s.sendImage(ctx, destinationID, u)
	}
	return nil
}

// sendImage downloads and delivers one image with bounded retries. After
// exhausting retries it posts a single failure notice for this image and
// lets the caller continue with the rest.
func (s *Sender) sendImage(ctx context.Context, destinationID int64, imageURL string) {
	var lastErr error
	for attempt := 1; attempt <= imageRetryLimit; attempt++ {
		data, err := s.downloadImage(ctx, imageURL)
		if err == nil {
			err = s.sendMessage(ctx, destinationID, []transport.Segment{transport.ImageBytes(data)})
			if err == nil {
				return
			}
		}
		lastErr = err

		if attempt < imageRetryLimit {
			wait := time.Duration(attempt) * imageRetryStep
			s.logger.Warn("image delivery failed, retrying",
				"destination", destinationID, "url", imageURL, "attempt", attempt, "wait", wait, "error", err)
			sleepFunc(wait)
		}
	}

	s.logger.Error("image delivery gave up",
		"destination", destinationID, "url", imageURL, "error", lastErr)
	if err := s.sendMessage(ctx, destinationID, []transport.Segment{transport.Text(formatImageFailure(lastErr))}); err != nil {
		s.logger.Warn("image failure notice not delivered", "destination", destinationID, "error", err)
	}
}

func (s *Sender) downloadImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

func (s *Sender) sendMessage(ctx context.Context, destinationID int64, segments []transport.Segment) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.transport.SendMessage(ctx, destinationID, segments)
}
