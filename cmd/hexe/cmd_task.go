package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/hexe/internal/scheduler"
	"github.com/user/hexe/internal/state"
	"github.com/user/hexe/internal/types"
)

func init() {
	rootCmd.AddCommand(newTaskCmd())
}

func openTasks() *state.TaskStore {
	return state.NewTaskStore(filepath.Join(loadConfig().DataDir, "tasks.json"))
}

// newTaskCmd builds "hexe task". A running daemon watches the task file
// and applies changes without a restart.
func newTaskCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "task",
		Short: "Manage prompts sent on a cron schedule",
	}

	var task state.Task
	var user string
	add := &cobra.Command{
		Use:     "add",
		Short:   "Schedule a prompt",
		Example: `  hexe task add --name morning --schedule "0 8 * * *" --user telegram:42 --prompt "Plan my day"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := scheduler.ValidateSchedule(task.Schedule); err != nil {
				return err
			}
			t := task
			t.User = types.UserID(user)
			t.Enabled = true
			if err := openTasks().Add(&t); err != nil {
				return fmt.Errorf("add task: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %q (%s) for %s.\n", t.Name, t.Schedule, t.User)
			return nil
		},
	}
	flags := add.Flags()
	flags.StringVar(&task.Name, "name", "", "unique task name")
	flags.StringVar(&task.Prompt, "prompt", "", "text sent as the user's message")
	flags.StringVar(&task.Schedule, "schedule", "", "cron expression or descriptor such as @daily")
	flags.StringVar(&user, "user", "", "user the prompt is sent as, e.g. telegram:42")
	for _, name := range []string{"name", "prompt", "schedule", "user"} {
		_ = add.MarkFlagRequired(name)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show scheduled prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := openTasks().List()
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSCHEDULE\tENABLED\tUSER")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", t.Name, t.Schedule, t.Enabled, t.User)
			}
			return tw.Flush()
		},
	}

	remove := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a scheduled prompt",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openTasks().Remove(args[0]); err != nil {
				return fmt.Errorf("remove task: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %q.\n", args[0])
			return nil
		},
	}

	root.AddCommand(add, list, remove, toggleTaskCmd("enable", true), toggleTaskCmd("disable", false))
	return root
}

func toggleTaskCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: verb + " a scheduled prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openTasks().SetEnabled(args[0], enabled); err != nil {
				return fmt.Errorf("%s task: %w", verb, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%q is now %sd.\n", args[0], verb)
			return nil
		},
	}
}
