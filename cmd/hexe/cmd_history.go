package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 20, "number of events to show")
}

var historyCmd = &cobra.Command{
	Use:   "history <user>",
	Short: "Show the latest events of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		logger := setupLogging(cfg)
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			return fmt.Errorf("limit must be positive")
		}

		// Embeddings are not needed to read history.
		st, err := openStores(cfg, nil, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		recs, err := st.history.LoadWindow(context.Background(), types.UserID(args[0]), event.Window{
			Limit: limit,
			Order: event.NewestFirst,
		})
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		if len(recs) == 0 {
			fmt.Println("No events found.")
			return nil
		}
		slices.Reverse(recs)

		out := newPrinter(os.Stdout)
		for _, rec := range recs {
			out.dim.Fprintf(os.Stdout, "%s ", rec.Event.Base().CreatedAt.Local().Format("2006-01-02 15:04:05"))
			out.stored(rec.Event)
		}
		return nil
	},
}
