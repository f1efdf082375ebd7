package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nstogner/threadrun/pkg/assistant/hosted"
	"github.com/nstogner/threadrun/pkg/config"
	"github.com/nstogner/threadrun/pkg/history"
	"github.com/nstogner/threadrun/pkg/history/jsonfile"
	"github.com/nstogner/threadrun/pkg/history/sqlite"
	"github.com/nstogner/threadrun/pkg/model"
	"github.com/nstogner/threadrun/pkg/model/gemini"
	"github.com/nstogner/threadrun/pkg/session"
)

// newProvider is replaced in tests.
var newProvider = func(ctx context.Context, cfg *config.Config) (model.Provider, error) {
	if cfg.Gemini.APIKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}
	return gemini.New(ctx, cfg.Gemini.APIKey)
}

// app wires the hosted assistant service, the history store and the
// orchestrator for one process.
type app struct {
	cfg     *config.Config
	store   *hosted.Store
	service *hosted.Service
	history history.Store
	events  *session.Broadcaster
	orch    *session.Orchestrator

	mu          sync.Mutex
	assistantID string
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing model provider: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := hosted.NewStore(cfg.HostedDBPath())
	if err != nil {
		return nil, fmt.Errorf("initializing assistant store: %w", err)
	}
	hist, err := openHistory(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	svc := hosted.New(store, provider, hosted.Config{
		DefaultModel:   cfg.Gemini.Model,
		RunExpiry:      cfg.Hosted.RunExpiry,
		RescanInterval: cfg.Hosted.RescanInterval,
	})

	events := session.NewBroadcaster()
	observer := session.MultiObserver{session.NewSlogObserver(slog.Default()), events}

	return &app{
		cfg:         cfg,
		store:       store,
		service:     svc,
		history:     hist,
		events:      events,
		orch:        session.New(svc, hist, observer, cfg.Poll),
		assistantID: cfg.Session.AssistantID,
	}, nil
}

func openHistory(cfg *config.Config) (history.Store, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	var (
		store history.Store
		err   error
	)
	switch cfg.Storage.HistoryDriver {
	case config.DriverJSON:
		store, err = jsonfile.New(cfg.HistoryPath())
	default:
		store, err = sqlite.New(cfg.HistoryPath())
	}
	if err != nil {
		return nil, fmt.Errorf("initializing history store: %w", err)
	}
	return store, nil
}

// startWorker processes runs in the background. The returned function stops
// the worker and waits for it to exit.
func (a *app) startWorker(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.service.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Run worker stopped unexpectedly", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// resolveAssistant returns the configured assistant, creating one from the
// session defaults on first use.
func (a *app) resolveAssistant(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.assistantID != "" {
		return a.assistantID, nil
	}
	id, err := a.service.CreateAssistant(ctx, a.cfg.Details(), nil)
	if err != nil {
		return "", err
	}
	slog.Info("Created assistant for resumed threads; set session.assistant_id to reuse it", "assistantID", id)
	a.assistantID = id
	return id, nil
}

func (a *app) Close() error {
	return errors.Join(a.history.Close(), a.store.Close())
}
