package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Manage author-to-destination subscriptions",
}

var subAddCmd = &cobra.Command{
	Use:   "add <author-id> <destination-id>",
	Short: "Subscribe a destination to an author",
	Args:  cobra.ExactArgs(2),
	RunE:  subAddAction,
}

var subRemoveCmd = &cobra.Command{
	Use:   "remove <author-id> <destination-id>",
	Short: "Unsubscribe a destination from an author",
	Args:  cobra.ExactArgs(2),
	RunE:  subRemoveAction,
}

var subListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	RunE:  subListAction,
}

func init() {
	subCmd.AddCommand(subAddCmd)
	subCmd.AddCommand(subRemoveCmd)
	subCmd.AddCommand(subListCmd)
	rootCmd.AddCommand(subCmd)
}

func parseDestinationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid destination id %q", s)
	}
	return id, nil
}

func subAddAction(cmd *cobra.Command, args []string) error {
	destID, err := parseDestinationID(args[1])
	if err != nil {
		return err
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	added, err := db.AddSubscription(cmd.Context(), args[0], destID)
	if err != nil {
		return fmt.Errorf("add subscription: %w", err)
	}
	if !added {
		fmt.Printf("%d already subscribed to %s.\n", destID, args[0])
		return nil
	}
	fmt.Printf("%d subscribed to %s.\n", destID, args[0])
	return nil
}

func subRemoveAction(cmd *cobra.Command, args []string) error {
	destID, err := parseDestinationID(args[1])
	if err != nil {
		return err
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	removed, err := db.RemoveSubscription(cmd.Context(), args[0], destID)
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	if !removed {
		fmt.Printf("%d was not subscribed to %s.\n", destID, args[0])
		return nil
	}
	fmt.Printf("%d unsubscribed from %s.\n", destID, args[0])
	return nil
}

func subListAction(cmd *cobra.Command, _ []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	subs, err := db.ListSubscriptions(cmd.Context())
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		fmt.Println("No subscriptions.")
		return nil
	}
	for _, s := range subs {
		fmt.Printf("%s\t-> %d\n", s.AuthorID, s.DestinationID)
	}
	return nil
}
