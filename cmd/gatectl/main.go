// Command gatectl runs maintenance tasks against the approval gate.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"approval-gate/internal/app"
	"approval-gate/internal/config"
	"approval-gate/internal/export"
	"approval-gate/internal/logging"
	"approval-gate/internal/models"
	"approval-gate/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatectl",
		Short:         "Maintenance commands for the approval gate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), expireCmd(), reclaimCmd(), exportCmd())
	return root
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	a, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			st, err := store.New(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire overdue decisions and close stalled approvals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Gate.ExpirePending(ctx)
				if err != nil {
					return err
				}
				stalled, err := a.Gate.AbandonStalled(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"expired": n, "stalled": stalled})
			})
		},
	}
}

func reclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Return stale job claims to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Queue.ReclaimStale(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"requeued": len(res.Requeued), "failed": len(res.Failed)})
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var (
		userID, tool string
		since, until string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write audit entries as JSON lines to the export destination",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := export.Request{UserID: userID, ToolName: tool}
			var err error
			if req.Since, err = parseTime(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if req.Until, err = parseTime(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				exp, err := a.BuildExporter(ctx)
				if err != nil {
					return err
				}
				res, err := exp.Export(ctx, models.ServicePrincipal("gatectl"), export.Key(userID, uuid.NewString()), req)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only this user's entries")
	cmd.Flags().StringVar(&tool, "tool", "", "only this tool's entries")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound (inclusive)")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound (exclusive)")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
