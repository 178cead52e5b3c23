package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanoasia/feedrelay/internal/store"
)

var (
	platformFeedPath  string
	platformTranslate bool
)

var platformCmd = &cobra.Command{
	Use:   "platform",
	Short: "Manage feed platforms",
}

var platformAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add or update a platform",
	Args:  cobra.ExactArgs(1),
	RunE:  platformAddAction,
}

var platformListCmd = &cobra.Command{
	Use:   "list",
	Short: "List platforms",
	RunE:  platformListAction,
}

func init() {
	platformAddCmd.Flags().StringVar(&platformFeedPath, "feed-path", "", "feed route prefix, e.g. /twitter/user/")
	platformAddCmd.Flags().BoolVar(&platformTranslate, "translate", false, "translate entries from this platform")
	_ = platformAddCmd.MarkFlagRequired("feed-path")

	platformCmd.AddCommand(platformAddCmd)
	platformCmd.AddCommand(platformListCmd)
	rootCmd.AddCommand(platformCmd)
}

func platformAddAction(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	p := store.Platform{
		Name:            args[0],
		FeedPath:        platformFeedPath,
		NeedTranslation: platformTranslate,
	}
	if err := db.UpsertPlatform(cmd.Context(), p); err != nil {
		return fmt.Errorf("upsert platform: %w", err)
	}
	fmt.Printf("Platform %s -> %s (translate: %v)\n", p.Name, p.FeedPath, p.NeedTranslation)
	return nil
}

func platformListAction(cmd *cobra.Command, _ []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	platforms, err := db.ListPlatforms(cmd.Context())
	if err != nil {
		return fmt.Errorf("list platforms: %w", err)
	}
	if len(platforms) == 0 {
		fmt.Println("No platforms configured.")
		return nil
	}
	for _, p := range platforms {
		translate := ""
		if p.NeedTranslation {
			translate = " (translate)"
		}
		fmt.Printf("%s\t%s%s\n", p.Name, p.FeedPath, translate)
	}
	return nil
}
