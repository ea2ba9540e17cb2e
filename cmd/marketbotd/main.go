// Command marketbotd runs the marketplace chat agent: it holds the gateway
// connection, classifies inbound messages and answers buyer queries until
// interrupted or the operator credential is rejected.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftmarket/agent/agent"
	"github.com/driftmarket/agent/agent/api"
	"github.com/driftmarket/agent/agent/dispatch"
	"github.com/driftmarket/agent/agent/handlers"
	"github.com/driftmarket/agent/agent/pipeline"
	"github.com/driftmarket/agent/agent/reply"
	"github.com/driftmarket/agent/agent/session"
	"github.com/driftmarket/agent/agent/store"
)

// rateWindow is the sliding window the per-conversation reply limit is
// measured over.
const rateWindow = time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "marketbotd",
		Short:         "Marketplace chat auto-reply agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := agent.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func run(ctx context.Context, cfg agent.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	client := api.NewClient(cfg, logger)
	tokens := session.NewTokenManager(client, session.DeviceID(cfg.OperatorID()),
		cfg.TokenRefreshInterval.Std(), cfg.TokenRetryInterval.Std(), logger)
	codec := session.NewCodec(cfg.OperatorID(), cfg.TogglePhrases, nil, logger)

	manual := pipeline.NewManualModeStore(cfg.ManualModeTimeout.Std())
	dedup := pipeline.NewDedup()
	limiter := pipeline.NewRateLimiter(cfg.RateLimit, rateWindow)

	registry := dispatch.NewRegistry()
	process := pipeline.New(registry.Dispatch, manual, dedup, limiter,
		pipeline.ExpiryPolicy{MaxAge: cfg.MessageExpiry.Std()}, logger)
	dispatcher := dispatch.NewDispatcher(process, cfg.QueueMode, cfg.Workers, cfg.QueueCapacity, logger)

	manager := session.NewManager(cfg, tokens, codec, dispatcher, logger)

	generator := reply.NewMock()
	chat := handlers.NewChat(db, client, generator, manager, logger)
	command := handlers.NewCommand(manual, logger)
	event := handlers.NewEvent(db, logger)
	for kind, h := range map[agent.Kind]pipeline.Handler{
		agent.KindChatQuery: chat.Handle,
		agent.KindCommand:   command.Handle,
		agent.KindEvent:     event.Handle,
	} {
		if err := registry.Register(kind, h); err != nil {
			return err
		}
	}

	dispatcher.Start(ctx)
	logger.Info("agent starting",
		"gateway", cfg.GatewayURL,
		"workers", cfg.Workers,
		"queue_mode", string(cfg.QueueMode))

	err = manager.Run(ctx)
	stop()
	dispatcher.Wait()

	stats := dispatcher.Stats()
	logger.Info("agent stopped",
		"enqueued", stats.Enqueued,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"dropped", stats.Dropped)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
