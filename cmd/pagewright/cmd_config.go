package main

import (
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/pagewright/internal/config"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or edit the config file",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print every config key with its effective value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			show, _ := cmd.Flags().GetBool("show-secrets")
			values, err := config.ListValues(loadConfig(), !show)
			if err != nil {
				return fmt.Errorf("list config: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, k := range slices.Sorted(maps.Keys(values)) {
				fmt.Fprintf(w, "%s\t%v\n", k, values[k])
			}
			return w.Flush()
		},
	}
	list.Flags().Bool("show-secrets", false, "print secret values unmasked")

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print one key as stored in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			loadConfig() // creates the file on first use
			val, err := config.GetValue(cfgPath, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), config.MaskSecrets(map[string]any{key: val})[key])
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store one key in the config file; a running server sees it after restart",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			loadConfig()
			if err := config.SetValue(cfgPath, key, value); err != nil {
				return err
			}
			if _, err := config.Load(cfgPath); err != nil {
				return fmt.Errorf("config no longer loads after setting %s: %w", key, err)
			}
			if config.IsSecretKey(key) {
				value = "***"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), cfgPath)
		},
	}

	configCmd.AddCommand(list, get, set, path)
	rootCmd.AddCommand(configCmd)
}
