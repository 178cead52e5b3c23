package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a single poll cycle and exit",
	RunE:  refreshAction,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func refreshAction(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	if err := a.dispatcher.Cycle(cmd.Context()); err != nil {
		return fmt.Errorf("cycle: %w", err)
	}
	fmt.Printf("Cycle finished in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
