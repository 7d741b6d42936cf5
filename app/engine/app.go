package engine

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trustnet/unlx/app/engine/types"
	"github.com/trustnet/unlx/pkg/analytics"
	"github.com/trustnet/unlx/pkg/events"
	"github.com/trustnet/unlx/pkg/fetch"
	"github.com/trustnet/unlx/pkg/logging"
	"github.com/trustnet/unlx/pkg/unl"
	"github.com/trustnet/unlx/pkg/unl/store"
	"github.com/trustnet/unlx/pkg/utils"
)

func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := ConfigFromEnv()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	st, err := store.OpenPebble(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("Unable to open validator store", zap.Error(err))
	}

	hub := events.NewHub(logger)
	if utils.Env("REDIS_ENABLED", "false") == "true" {
		if redisErr := hub.ConnectRedis(ctx); redisErr != nil {
			logger.Warn("Failed to connect Redis - event mirroring disabled",
				zap.Error(redisErr))
		}
	} else {
		logger.Info("Redis disabled - events are websocket-only")
	}

	// Analytics sink is optional; the engine scores fine without it.
	var sink *analytics.Sink
	if utils.Env("CLICKHOUSE_ENABLED", "false") == "true" {
		sink, err = analytics.NewSink(ctx, logger)
		if err != nil {
			logger.Warn("Failed to connect ClickHouse - analytics disabled", zap.Error(err))
			sink = nil
		}
	}

	fetcher := fetch.New(fetch.Opts{
		Timeout:  cfg.FetchTimeout,
		MaxBytes: cfg.MaxResponseBytes,
	})

	logicCfg := unl.LogicConfig{
		TargetSize: cfg.TargetSize,
		Hub:        hub,
	}
	if sink != nil {
		logicCfg.Observer = func(o unl.Observation) {
			sink.Record(analytics.Observation{
				At:        o.At,
				Round:     o.Round,
				Ledger:    o.Ledger,
				Validator: string(o.Validator),
				Kind:      o.Kind,
			})
		}
	}

	logic := unl.NewLogic(st, logger, logicCfg)
	if err = logic.Load(ctx, fetcher); err != nil {
		logger.Fatal("Unable to load validator state", zap.Error(err))
	}

	var statics []unl.StaticSource
	if len(cfg.StaticValidators) > 0 {
		statics = append(statics, unl.StaticSource{
			Source: unl.NewStringsSource("local", cfg.StaticValidators),
			Pin:    true,
		})
	}
	for _, path := range cfg.SourceFiles {
		statics = append(statics, unl.StaticSource{Source: unl.NewFileSource(path)})
	}
	if err = logic.LoadStatics(ctx, statics); err != nil {
		logger.Fatal("Unable to load static sources", zap.Error(err))
	}

	manager := unl.NewManager(logic, fetcher, cfg.CheckInterval, logger)

	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err = scheduler.AddFunc(cfg.DecaySchedule, manager.DecayScores); err != nil {
		logger.Fatal("Invalid decay schedule",
			zap.String("schedule", cfg.DecaySchedule), zap.Error(err))
	}
	logger.Info("Score decay scheduled", zap.String("schedule", cfg.DecaySchedule))

	return &types.App{
		Manager:    manager,
		Store:      st,
		Hub:        hub,
		Analytics:  sink,
		Fetcher:    fetcher,
		Cron:       scheduler,
		SourceURLs: cfg.SourceURLs,
		Logger:     logger,
	}
}
