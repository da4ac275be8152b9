package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sentrahq/sentra/internal/bootstrap"
	"github.com/sentrahq/sentra/internal/config"
	"github.com/sentrahq/sentra/internal/gateway"
	"github.com/sentrahq/sentra/internal/providers"
	"github.com/sentrahq/sentra/internal/safety"
	"github.com/sentrahq/sentra/internal/store/pg"
	"github.com/sentrahq/sentra/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(); err != nil {
				slog.Error("serve.failed", "error", err)
				os.Exit(1)
			}
		},
	}
}

func runServe() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	stores, db, err := pg.NewPGStores(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := bootstrap.Seed(ctx, stores, log); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	var moderation safety.ModerationClient
	if cfg.Moderation.APIKey != "" {
		moderation = gateway.ModerationAdapter{Client: buildModerationClient(cfg)}
	} else {
		log.Warn("moderation.disabled", "reason", "MODERATION_API_KEY not set")
	}

	srv := gateway.NewServer(cfg, stores, provider, moderation, Version, log)
	srv.Cache().Prime(ctx)

	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("serve.stopped")
	return nil
}

func buildProvider(cfg *config.Config) (providers.CompletionProvider, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		opts := []providers.AnthropicOption{
			providers.WithAnthropicModel(cfg.LLM.Model),
			providers.WithAnthropicMaxTokens(cfg.LLM.MaxTokens),
			providers.WithAnthropicTemperature(cfg.LLM.Temperature),
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.LLM.BaseURL))
		}
		return providers.NewAnthropicProvider(cfg.LLM.APIKey, opts...), nil
	case "openai":
		opts := []providers.OpenAIOption{
			providers.WithOpenAIModel(cfg.LLM.Model),
			providers.WithOpenAIMaxTokens(cfg.LLM.MaxTokens),
			providers.WithOpenAITemperature(cfg.LLM.Temperature),
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, providers.WithOpenAIBaseURL(cfg.LLM.BaseURL))
		}
		return providers.NewOpenAIProvider(cfg.LLM.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func buildModerationClient(cfg *config.Config) *providers.ModerationClient {
	var opts []providers.ModerationOption
	if cfg.Moderation.BaseURL != "" {
		opts = append(opts, providers.WithModerationBaseURL(cfg.Moderation.BaseURL))
	}
	if cfg.Moderation.Model != "" {
		opts = append(opts, providers.WithModerationModel(cfg.Moderation.Model))
	}
	return providers.NewModerationClient(cfg.Moderation.APIKey, opts...)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
