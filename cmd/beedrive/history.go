package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/beedrive/pkg/storage"
	"github.com/cuemby/beedrive/pkg/types"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished transfers",
	Long: `List finished transfers recorded by a server, newest first.

The server holds a lock on its database; run this against a stopped
server or query the /transfers endpoint of a running one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		var records []*types.TransferRecord
		if user != "" {
			records, err = store.ListTransfersByUser(user)
		} else {
			records, err = store.ListTransfers()
		}
		if err != nil {
			return fmt.Errorf("failed to list transfers: %w", err)
		}
		if limit > 0 && len(records) > limit {
			records = records[:limit]
		}

		if len(records) == 0 {
			fmt.Println("No transfers recorded")
			return nil
		}

		fmt.Printf("%-36s %-10s %-12s %-9s %-10s %s\n", "ID", "KIND", "USER", "STAGE", "DURATION", "MESSAGE")
		for _, rec := range records {
			fmt.Printf("%-36s %-10s %-12s %-9s %-10s %s\n",
				rec.UUID,
				rec.Kind,
				rec.User,
				rec.Stage,
				rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond),
				rec.Message,
			)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().String("data-dir", ".", "Directory holding beedrive.db")
	historyCmd.Flags().String("user", "", "Only show transfers of this user")
	historyCmd.Flags().Int("limit", 20, "Maximum number of records (0 for all)")
}
