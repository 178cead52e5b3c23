package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanoasia/feedrelay/internal/config"
	"github.com/tanoasia/feedrelay/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and local state",
	RunE:  doctorAction,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true

	// Config dir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		printCheck(false, "config directory %s", configDir)
		ok = false
	} else {
		printCheck(true, "config directory %s", configDir)
	}

	// Config file
	cfg, err := config.Load(configDir)
	if err != nil {
		printCheck(false, "config.yaml: %v", err)
		ok = false
	} else {
		quiet := ""
		if cfg.Schedule.QuietStart != "" {
			quiet = fmt.Sprintf(", quiet %s-%s", cfg.Schedule.QuietStart, cfg.Schedule.QuietEnd)
		}
		printCheck(true, "config.yaml (host %s, every %s%s)", cfg.Feeds.Host, cfg.Schedule.Interval.Duration, quiet)
	}

	if cfg != nil {
		if cfg.Transport.URL == "" {
			printCheck(false, "transport.url not set")
			ok = false
		} else if cfg.Transport.AccessTokenEnv != "" && cfg.Transport.AccessToken == "" {
			printCheck(false, "transport token: %s not set in environment", cfg.Transport.AccessTokenEnv)
			ok = false
		} else {
			printCheck(true, "transport %s", cfg.Transport.URL)
		}

		if cfg.Translate.APIKeyEnv != "" && cfg.Translate.APIKey == "" {
			printInfo("translation key %s not set, entries relay untranslated", cfg.Translate.APIKeyEnv)
		}
	}

	// Database
	if cfg != nil {
		db, err := store.Open(cfg.Storage.Path)
		if err != nil {
			printCheck(false, "database: %v", err)
			ok = false
		} else {
			defer func() { _ = db.Close() }()
			ctx := cmd.Context()
			platforms, _ := db.ListPlatforms(ctx)
			authors, _ := db.ListAuthors(ctx)
			subs, _ := db.ListSubscriptions(ctx)
			printCheck(true, "database %s (%d platforms, %d authors, %d subscriptions)",
				cfg.Storage.Path, len(platforms), len(authors), len(subs))
			if len(subs) == 0 {
				printInfo("no subscriptions: cycles will be no-ops")
			}
		}
	}

	if !ok {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func printCheck(pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Printf("[INFO] %s\n", fmt.Sprintf(format, args...))
}
