package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/hexe/internal/state"
	"github.com/user/hexe/internal/types"
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileListCmd, profileTimezoneCmd)
}

func profileStore() *state.ProfileStore {
	return state.NewProfileStore(loadConfig().DataDir)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage user profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List user profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		profiles, err := profileStore().List(context.Background())
		if err != nil {
			return fmt.Errorf("list profiles: %w", err)
		}
		if len(profiles) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tTIMEZONE")
		for _, p := range profiles {
			fmt.Fprintf(w, "%s\t%s\n", p.UserID, p.Timezone)
		}
		return w.Flush()
	},
}

var profileTimezoneCmd = &cobra.Command{
	Use:   "timezone <user> <Area/City>",
	Short: "Set the timezone of a user",
	Long:  "A running daemon applies the timezone to the next conversation it starts for the user.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := profileStore().SetTimezone(context.Background(), types.UserID(args[0]), args[1]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Timezone of %s set to %s.\n", args[0], args[1])
		return nil
	},
}
