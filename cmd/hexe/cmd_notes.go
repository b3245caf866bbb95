package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(notesCmd)
	notesCmd.AddCommand(notesPurgeCmd)
}

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Manage saved notes",
}

var notesPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired notes of all users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		logger := setupLogging(cfg)
		st, err := openStores(cfg, nil, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.notes.PurgeExpired(context.Background(), time.Now())
		if err != nil {
			return fmt.Errorf("purge notes: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Purged %d expired notes.\n", n)
		return nil
	},
}
