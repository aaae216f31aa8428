package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	omnix "github.com/tg-prplx/OmniX-Moderation-bot"
	"github.com/tg-prplx/OmniX-Moderation-bot/internal/app"
	"github.com/tg-prplx/OmniX-Moderation-bot/internal/config"
	"github.com/tg-prplx/OmniX-Moderation-bot/observer"
	"github.com/tg-prplx/OmniX-Moderation-bot/provider/openaimod"
	"github.com/tg-prplx/OmniX-Moderation-bot/store/postgres"
	"github.com/tg-prplx/OmniX-Moderation-bot/store/sqlite"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("OMNIX_CONFIG"))
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Create store
	var store omnix.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	default:
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	// 3. Create the classification API adapter
	var api omnix.ModerationAPI = openaimod.New(cfg.API.APIKey,
		openaimod.WithBaseURL(cfg.API.BaseURL),
		openaimod.WithTimeout(time.Duration(cfg.API.TimeoutSeconds*float64(time.Second))),
		openaimod.WithLogger(logger))

	// 4. Optional observability
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("observer shutdown failed", "error", err)
			}
		}()
		api = observer.WrapAPI(api, inst)
	}

	// 5. The decision sink: this binary has no chat control plane attached,
	// so decisions are logged for an external actuator to consume.
	sink := omnix.DecisionSinkFunc(func(ctx context.Context, decision *omnix.PunishmentDecision, result *omnix.ModerationResult) error {
		logger.Info("moderation decision",
			"chat_id", result.Message.Context.ChatID,
			"user_id", result.Message.Context.UserID,
			"message_id", result.Message.Context.MessageID,
			"action", decision.Action(),
			"rule_code", decision.Chosen.RuleCode,
			"layer", decision.Chosen.Layer,
			"reason", decision.Chosen.Reason)
		return nil
	})

	// 6. Build and run
	engine, err := app.New(cfg, app.Deps{API: api, Store: store, Sink: sink, Logger: logger})
	if err != nil {
		log.Fatal(err)
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatal(err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	engine.Stop()
}
