package types

import (
	"context"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trustnet/unlx/pkg/analytics"
	"github.com/trustnet/unlx/pkg/events"
	"github.com/trustnet/unlx/pkg/fetch"
	"github.com/trustnet/unlx/pkg/unl"
	"github.com/trustnet/unlx/pkg/unl/store"
)

// User is an API user entry, loaded from the environment.
type User struct {
	Username string `json:"username"`
	Hash     []byte `json:"hash"`
	Role     string `json:"role"`
}

type App struct {
	// Validator engine
	Manager *unl.Manager

	// Persistent store backing the engine
	Store store.Store

	// Event hub (websocket fan-out, optional Redis mirror)
	Hub *events.Hub

	// Optional ClickHouse observation sink
	Analytics *analytics.Sink

	// HTTP fetcher shared by all dynamic sources
	Fetcher *fetch.Client

	// Score decay scheduler
	Cron *cron.Cron

	// Dynamic sources configured via env, enqueued at startup
	SourceURLs []string

	// Zap Logger
	Logger *zap.Logger

	// HTTP Server
	Server *http.Server
}

// Start runs the engine until ctx is cancelled, then shuts everything down
// in dependency order: stop taking requests, stop producing tasks, stop the
// worker, flush the sinks, close the store.
func (a *App) Start(ctx context.Context) {
	a.Manager.Start(ctx)
	for _, url := range a.SourceURLs {
		a.Manager.AddURL(url)
	}

	if a.Cron != nil {
		a.Cron.Start()
	}

	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()

	a.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}

	a.Manager.Stop()

	if a.Analytics != nil {
		if err := a.Analytics.Close(); err != nil {
			a.Logger.Error("Failed to close analytics sink", zap.Error(err))
		}
	}

	if err := a.Hub.Close(); err != nil {
		a.Logger.Error("Failed to close event hub", zap.Error(err))
	}

	a.Logger.Info("closing validator store")
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close validator store", zap.Error(err))
	}
}
