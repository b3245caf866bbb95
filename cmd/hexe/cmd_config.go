package main

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/user/hexe/internal/config"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change the config file",
	}

	root.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), cfgPath)
		},
	})

	var showSecrets bool
	list := &cobra.Command{
		Use:   "list",
		Short: "Print every key with its effective value",
		Long:  "Values include environment overrides. Secrets are masked unless --show-secrets is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := config.ListValues(loadConfig(), !showSecrets)
			if err != nil {
				return fmt.Errorf("list config: %w", err)
			}
			for _, k := range slices.Sorted(maps.Keys(values)) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", k, values[k])
			}
			return nil
		},
	}
	list.Flags().BoolVar(&showSecrets, "show-secrets", false, "print api keys and tokens unmasked")

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored in the file under a dot-separated key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.GetValue(cfgPath, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}

	set := &cobra.Command{
		Use:     "set <key> <value>",
		Short:   "Store a value under a dot-separated key",
		Long:    "Values that parse as JSON (numbers, booleans, lists) keep their type. The file is left untouched if the result does not load.",
		Example: "  hexe config set llm.model gpt-4o\n  hexe config set runners.python '[\"python3\", \"-u\"]'",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := setChecked(cfgPath, key, value); err != nil {
				return err
			}
			if config.IsSecretKey(key) {
				value = "***"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
			return nil
		},
	}

	root.AddCommand(list, get, set)
	return root
}

// setChecked applies SetValue and restores the previous file when the
// result no longer loads. Only keys already present in the file are
// accepted.
func setChecked(path, key, value string) error {
	if _, err := config.GetValue(path, key); err != nil {
		return err
	}
	previous, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := config.SetValue(path, key, value); err != nil {
		return err
	}
	if _, loadErr := config.Load(path); loadErr != nil {
		if err := os.WriteFile(path, previous, 0600); err != nil {
			return fmt.Errorf("%w (restoring %s: %v)", loadErr, path, err)
		}
		return fmt.Errorf("rejected %s=%s: %w", key, value, loadErr)
	}
	return nil
}
