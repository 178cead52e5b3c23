package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll feeds on a schedule and relay new entries",
	RunE:  runAction,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAction(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := a.cfg.Schedule.Interval.Duration
	a.logger.Info("starting", "version", Version, "interval", interval.String())

	if err := a.dispatcher.Cycle(ctx); err != nil {
		a.logger.Error("cycle failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case <-ticker.C:
			if err := a.dispatcher.Cycle(ctx); err != nil {
				a.logger.Error("cycle failed", "error", err)
			}
		}
	}
}
