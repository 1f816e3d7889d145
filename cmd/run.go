// cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser"
	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/config"
	"github.com/xkilldash9x/pagewalker/internal/observability"
	"github.com/xkilldash9x/pagewalker/internal/registry"
	"github.com/xkilldash9x/pagewalker/internal/scenario"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Runs a scenario file against a browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			sc, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			if sc.Name == "" {
				sc.Name = args[0]
			}

			if err := runScenario(ctx, cfg, sc, logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scenario %q passed (%d steps).\n", sc.Name, len(sc.Steps))
			return nil
		},
	}

	runCmd.Flags().String("backend", config.BackendEmbedded, "browser backend: embedded or remote")
	runCmd.Flags().Duration("timeout", 5*time.Second, "budget for each wait")
	runCmd.Flags().Bool("headless", true, "run the remote browser without a window")
	return runCmd
}

// runScenario starts a browser, runs sc on its default window and shuts the
// browser down, even when ctx was canceled.
func runScenario(ctx context.Context, cfg *config.Config, sc *scenario.Scenario, logger *zap.Logger) error {
	logger.Info("Starting browser.", zap.String("backend", cfg.Browser.Backend))
	b, err := browser.NewBridge(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(bridge.Detach(ctx), shutdownTimeout)
		defer cancel()
		if err := b.Close(shutdownCtx); err != nil {
			logger.Warn("Browser did not shut down cleanly.", zap.Error(err))
		}
	}()

	reg := registry.New(b, registry.DefaultPageFactory(cfg, logger), logger)
	defer reg.Close()

	return scenario.NewRunner(reg, cfg.Wait.StepTimeout, logger).Run(ctx, sc)
}
