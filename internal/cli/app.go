package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tanoasia/feedrelay/internal/config"
	"github.com/tanoasia/feedrelay/internal/content"
	"github.com/tanoasia/feedrelay/internal/dispatch"
	"github.com/tanoasia/feedrelay/internal/feed"
	"github.com/tanoasia/feedrelay/internal/health"
	"github.com/tanoasia/feedrelay/internal/send"
	"github.com/tanoasia/feedrelay/internal/store"
	"github.com/tanoasia/feedrelay/internal/translate"
	"github.com/tanoasia/feedrelay/internal/transport"
)

// app bundles the fully wired pipeline for the run and refresh commands.
type app struct {
	cfg        *config.Config
	store      *store.Store
	transport  *transport.OneBot
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// openApp loads config and wires the whole pipeline: store, feed
// fetcher, extractor, transport, sender, dispatcher.
func openApp() (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Transport.URL == "" {
		return nil, errors.New("transport.url is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reporter := health.NewReporter(cfg.Health.URL, logger)

	fetcher, err := feed.NewFetcher(cfg.Feeds.Host, cfg.Feeds.BackupHost, cfg.Feeds.Timeout.Duration, reporter, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	var translator translate.Translator
	if cfg.Translate.APIKey != "" {
		llm, err := translate.NewLLM(cfg.Translate.APIKey, cfg.Translate.BaseURL, cfg.Translate.Model)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create translator: %w", err)
		}
		translator = llm
	} else {
		logger.Warn("no translation API key set, entries are relayed untranslated")
	}

	extractor := content.NewExtractor(translator, cfg.Delivery.MaxImages, logger)

	tr, err := transport.NewOneBot(cfg.Transport.URL, cfg.Transport.AccessToken, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}

	sender := send.NewSender(tr, send.Options{
		MessageEvery: cfg.Delivery.MessageEvery.Duration,
		ImageTimeout: cfg.Delivery.ImageTimeout.Duration,
		BotID:        cfg.Transport.BotID,
		BotName:      cfg.Transport.BotName,
		ModelName:    cfg.Translate.Model,
		Logger:       logger,
	})

	dispatcher := dispatch.New(dispatch.Params{
		Store:           db,
		Fetcher:         fetcher,
		Extractor:       extractor,
		Sender:          sender,
		Schedule:        cfg.Schedule,
		MaxEntries:      cfg.Delivery.MaxEntries,
		SendConcurrency: int64(cfg.Delivery.SendConcurrency),
		Logger:          logger,
	})

	return &app{
		cfg:        cfg,
		store:      db,
		transport:  tr,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

func (a *app) Close() {
	_ = a.transport.Close()
	_ = a.store.Close()
}

// openStore loads config and opens just the store, for the subscription
// management commands that never touch the network.
func openStore() (*store.Store, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}
