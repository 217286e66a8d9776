package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mantiscan/mantiscan/internal/api"
	"github.com/mantiscan/mantiscan/internal/mantis"
	"github.com/mantiscan/mantiscan/internal/scan"
)

func newScanCmd() *cobra.Command {
	var (
		mode     string
		projects []string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Runs a full or incremental scan of the tracker",
		Long: `Enumerates the tracker's projects, walks every issue list page,
fetches each issue's detail page, and upserts the normalized records
into the configured store. With --interval the scan repeats until
interrupted.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			scanMode, err := parseMode(mode)
			if err != nil {
				return err
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			orch := a.Orchestrator(scanMode, projects)
			stopServer := startStatusServer(cmd.Context(), a.Logger(), orch)
			defer stopServer()

			if interval > 0 {
				err := orch.RunEvery(cmd.Context(), interval)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			report, err := orch.Run(cmd.Context())
			if perr := printReport(report); perr != nil {
				a.Logger().Warn("print run report failed", zap.Error(perr))
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run scan: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "full", "scan mode: full or incremental")
	cmd.Flags().StringSliceVar(&projects, "projects", nil, "restrict the scan to these project ids or names")
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat the scan at this interval (0 runs once)")

	return cmd
}

func parseMode(mode string) (mantis.ScanMode, error) {
	switch mantis.ScanMode(mode) {
	case mantis.ScanModeFull:
		return mantis.ScanModeFull, nil
	case mantis.ScanModeIncremental:
		return mantis.ScanModeIncremental, nil
	default:
		return "", fmt.Errorf("unknown scan mode %q", mode)
	}
}

func printReport(report mantis.RunReport) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// startStatusServer serves health, metrics, and run status when enabled.
// The returned func stops the server.
func startStatusServer(ctx context.Context, logger *zap.Logger, orch *scan.Orchestrator) func() {
	a, err := resolveApp(ctx)
	if err != nil || !a.Config().Server.Enabled {
		return func() {}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config().Server.Port),
		Handler:           api.NewServer(orch, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server started", zap.Int("port", a.Config().Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown error", zap.Error(err))
		}
	}
}
