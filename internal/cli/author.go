package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanoasia/feedrelay/internal/store"
)

var (
	authorPlatform string
	authorName     string
)

var authorCmd = &cobra.Command{
	Use:   "author",
	Short: "Manage subscribed authors",
}

var authorAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or update an author",
	Args:  cobra.ExactArgs(1),
	RunE:  authorAddAction,
}

var authorRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an author and its subscriptions",
	Args:  cobra.ExactArgs(1),
	RunE:  authorRemoveAction,
}

var authorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List authors",
	RunE:  authorListAction,
}

func init() {
	authorAddCmd.Flags().StringVar(&authorPlatform, "platform", "", "platform the author posts on")
	authorAddCmd.Flags().StringVar(&authorName, "name", "", "display name (defaults to the id)")
	_ = authorAddCmd.MarkFlagRequired("platform")

	authorCmd.AddCommand(authorAddCmd)
	authorCmd.AddCommand(authorRemoveCmd)
	authorCmd.AddCommand(authorListCmd)
	rootCmd.AddCommand(authorCmd)
}

func authorAddAction(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	a := store.Author{
		ID:          args[0],
		DisplayName: authorName,
		Platform:    authorPlatform,
	}
	if err := db.UpsertAuthor(cmd.Context(), a); err != nil {
		return fmt.Errorf("upsert author: %w", err)
	}
	fmt.Printf("Author %s on %s\n", a.ID, a.Platform)
	return nil
}

func authorRemoveAction(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	removed, err := db.DeleteAuthor(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("delete author: %w", err)
	}
	if !removed {
		fmt.Printf("No author %s.\n", args[0])
		return nil
	}
	fmt.Printf("Removed %s.\n", args[0])
	return nil
}

func authorListAction(cmd *cobra.Command, _ []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	authors, err := db.ListAuthors(cmd.Context())
	if err != nil {
		return fmt.Errorf("list authors: %w", err)
	}
	if len(authors) == 0 {
		fmt.Println("No authors configured.")
		return nil
	}
	for _, a := range authors {
		fmt.Printf("%s\t%s\t%s\n", a.ID, a.DisplayName, a.Platform)
	}
	return nil
}
