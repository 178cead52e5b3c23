package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanoasia/feedrelay/internal/store"
)

var (
	destAllowReposts     bool
	destAllowSelfReposts bool
	destShowTranslation  bool
	destAnnounceImages   bool
	destMerged           bool
	destCard             bool
)

var destCmd = &cobra.Command{
	Use:   "dest",
	Short: "Manage destination delivery settings",
}

var destSetCmd = &cobra.Command{
	Use:   "set <destination-id>",
	Short: "Change a destination's delivery flags",
	Long:  "Flags not given on the command line keep their current value.",
	Args:  cobra.ExactArgs(1),
	RunE:  destSetAction,
}

var destShowCmd = &cobra.Command{
	Use:   "show <destination-id>",
	Short: "Show a destination's delivery flags",
	Args:  cobra.ExactArgs(1),
	RunE:  destShowAction,
}

func init() {
	destSetCmd.Flags().BoolVar(&destAllowReposts, "allow-reposts", true, "deliver entries that quote another post")
	destSetCmd.Flags().BoolVar(&destAllowSelfReposts, "allow-self-reposts", false, "deliver the author's reposts of their own content")
	destSetCmd.Flags().BoolVar(&destShowTranslation, "show-translation", true, "append the translated text")
	destSetCmd.Flags().BoolVar(&destAnnounceImages, "announce-image-count", true, "announce how many images follow")
	destSetCmd.Flags().BoolVar(&destMerged, "merged", false, "bundle text and images into one forward message")
	destSetCmd.Flags().BoolVar(&destCard, "card", false, "render entries as a single card image")

	destCmd.AddCommand(destSetCmd)
	destCmd.AddCommand(destShowCmd)
	rootCmd.AddCommand(destCmd)
}

func destSetAction(cmd *cobra.Command, args []string) error {
	id, err := parseDestinationID(args[0])
	if err != nil {
		return err
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx := cmd.Context()
	cfg, err := db.GetDestinationConfig(ctx, id)
	if err != nil {
		return fmt.Errorf("load destination config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("allow-reposts") {
		cfg.AllowReposts = destAllowReposts
	}
	if flags.Changed("allow-self-reposts") {
		cfg.AllowSelfReposts = destAllowSelfReposts
	}
	if flags.Changed("show-translation") {
		cfg.ShowTranslation = destShowTranslation
	}
	if flags.Changed("announce-image-count") {
		cfg.AnnounceImageCount = destAnnounceImages
	}
	if flags.Changed("merged") {
		cfg.MergedMessage = destMerged
	}
	if flags.Changed("card") {
		cfg.CardMode = destCard
	}

	if err := db.SetDestinationConfig(ctx, cfg); err != nil {
		return fmt.Errorf("save destination config: %w", err)
	}
	printDestinationConfig(cfg)
	return nil
}

func destShowAction(cmd *cobra.Command, args []string) error {
	id, err := parseDestinationID(args[0])
	if err != nil {
		return err
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	cfg, err := db.GetDestinationConfig(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("load destination config: %w", err)
	}
	printDestinationConfig(cfg)
	return nil
}

func printDestinationConfig(cfg store.DestinationConfig) {
	fmt.Printf("destination %d\n", cfg.ID)
	fmt.Printf("  allow-reposts:        %v\n", cfg.AllowReposts)
	fmt.Printf("  allow-self-reposts:   %v\n", cfg.AllowSelfReposts)
	fmt.Printf("  show-translation:     %v\n", cfg.ShowTranslation)
	fmt.Printf("  announce-image-count: %v\n", cfg.AnnounceImageCount)
	fmt.Printf("  merged:               %v\n", cfg.MergedMessage)
	fmt.Printf("  card:                 %v\n", cfg.CardMode)
}
