package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeskokaiser/altfragen-io-backend/internal/config"
	"github.com/jeskokaiser/altfragen-io-backend/internal/engine"
	"github.com/jeskokaiser/altfragen-io-backend/internal/notify"
	"github.com/jeskokaiser/altfragen-io-backend/internal/prompts"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider"
	"github.com/jeskokaiser/altfragen-io-backend/internal/store"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// Runner is the cycle surface of *engine.Engine.
type Runner interface {
	SubmitCycle(ctx context.Context) (*engine.SubmitReport, error)
	ConsumeCycle(ctx context.Context) (*engine.ConsumeReport, error)
	RunCycle(ctx context.Context) (*engine.RunReport, error)
}

type env struct {
	store  store.Store
	runner Runner
	close  func()
}

// openEnv is replaced in tests.
var openEnv = func(ctx context.Context, logger *slog.Logger) (*env, error) {
	cfg, err := config.Load(config.WithoutRedis())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	st := store.NewPostgresStore(pool)

	catalogue, err := prompts.Load()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	providers, err := provider.NewFromConfig(cfg.Providers, catalogue, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create providers: %w", err)
	}

	// Alerts still go out so an operator run trips the same channels.
	notifier, err := notify.FromConfig(cfg.Notify, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create notifier: %w", err)
	}

	eng := engine.New(st, providers, notifier, engine.Options{
		CallTimeout:        cfg.Providers.Timeout,
		PollConcurrency:    cfg.Engine.PollConcurrency,
		InstantConcurrency: cfg.Engine.InstantConcurrency,
		Logger:             logger,
	})
	return &env{store: st, runner: eng, close: pool.Close}, nil
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "submit",
		Short: "Select, claim and submit one batch of questions",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(ctx context.Context, e *env, out io.Writer) error {
			report, err := e.runner.SubmitCycle(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, report)
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "consume",
		Short: "Poll open batch jobs and reconcile finished ones",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(ctx context.Context, e *env, out io.Writer) error {
			report, err := e.runner.ConsumeCycle(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, report)
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run a submit cycle followed by a consume cycle",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(ctx context.Context, e *env, out io.Writer) error {
			report, err := e.runner.RunCycle(ctx)
			if report != nil {
				if perr := printJSON(out, report); perr != nil {
					return perr
				}
			}
			return err
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Turn the feature on (e.g. after topping up provider credit)",
		Args:  cobra.NoArgs,
		RunE:  withEnv(setFeature(true)),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Turn the feature off",
		Args:  cobra.NoArgs,
		RunE:  withEnv(setFeature(false)),
	})

	providerCmd := &cobra.Command{
		Use:   "provider",
		Short: "Enable or disable a single provider",
	}
	providerCmd.AddCommand(&cobra.Command{
		Use:   "enable PROVIDER",
		Short: "Enable a provider",
		Args:  cobra.ExactArgs(1),
		RunE:  withEnvArgs(setProvider(true)),
	})
	providerCmd.AddCommand(&cobra.Command{
		Use:   "disable PROVIDER",
		Short: "Disable a provider",
		Args:  cobra.ExactArgs(1),
		RunE:  withEnvArgs(setProvider(false)),
	})
	rootCmd.AddCommand(providerCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "settings",
		Short: "Print the current settings",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(ctx context.Context, e *env, out io.Writer) error {
			s, err := e.store.GetSettings(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, s)
		}),
	})
}

type envFunc func(ctx context.Context, e *env, out io.Writer) error

type envArgsFunc func(ctx context.Context, e *env, out io.Writer, args []string) error

func withEnv(fn envFunc) func(*cobra.Command, []string) error {
	return withEnvArgs(func(ctx context.Context, e *env, out io.Writer, _ []string) error {
		return fn(ctx, e, out)
	})
}

func withEnvArgs(fn envArgsFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		e, err := openEnv(ctx, newLogger())
		if err != nil {
			return err
		}
		defer e.close()
		return fn(ctx, e, cmd.OutOrStdout(), args)
	}
}

func setFeature(enabled bool) envFunc {
	return func(ctx context.Context, e *env, out io.Writer) error {
		if err := e.store.SetFeatureEnabled(ctx, enabled); err != nil {
			return fmt.Errorf("set feature_enabled: %w", err)
		}
		fmt.Fprintf(out, "feature_enabled=%t\n", enabled)
		return nil
	}
}

func setProvider(enabled bool) envArgsFunc {
	return func(ctx context.Context, e *env, out io.Writer, args []string) error {
		name, err := models.ParseProviderName(args[0])
		if err != nil {
			return err
		}
		if err := e.store.SetProviderEnabled(ctx, name, enabled); err != nil {
			return fmt.Errorf("set provider %s: %w", name, err)
		}
		fmt.Fprintf(out, "%s enabled=%t\n", name, enabled)
		return nil
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
