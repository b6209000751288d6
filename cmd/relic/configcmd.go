package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"relic/internal/config"
	"relic/internal/store"
)

// configFile picks the file a config mutation applies to: the global
// file with --global, the repository's local file otherwise.
func configFile(cmd *cobra.Command) (string, error) {
	global, _ := cmd.Flags().GetBool("global")
	if global {
		return config.GlobalPath()
	}
	st, err := store.Discover(workspace(cmd))
	if err != nil {
		return "", err
	}
	return config.LocalPath(st.Root()), nil
}

// loadView reads the config a get sees: the global file alone, or the
// merged global-plus-local view.
func loadView(cmd *cobra.Command, global bool) (*config.Config, error) {
	if global {
		path, err := config.GlobalPath()
		if err != nil {
			return nil, err
		}
		return config.ReadFile(path)
	}
	st, err := store.Discover(workspace(cmd))
	if err != nil {
		return nil, err
	}
	return config.Load(st.Root())
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print a configuration value",
	Long: "Print a configuration value. Without --global the merged view is\n" +
		"shown: local values override global ones key by key.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		global, _ := cmd.Flags().GetBool("global")

		cfg, err := loadView(cmd, global)
		if err != nil {
			return err
		}
		value, err := cfg.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY [VALUE]",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Omitting VALUE for auth.password\n" +
		"prompts for it without echo.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value string
		switch {
		case len(args) == 2:
			value = args[1]
		case args[0] == "auth.password":
			prompted, err := promptPassword()
			if err != nil {
				return err
			}
			value = prompted
		default:
			return fmt.Errorf("no value for key %q", args[0])
		}

		path, err := configFile(cmd)
		if err != nil {
			return err
		}
		cfg, err := config.ReadFile(path)
		if err != nil {
			return err
		}
		if err := cfg.Set(args[0], value); err != nil {
			return err
		}
		return config.WriteFile(path, cfg)
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset KEY",
	Short: "Clear a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configFile(cmd)
		if err != nil {
			return err
		}
		cfg, err := config.ReadFile(path)
		if err != nil {
			return err
		}
		if err := cfg.Unset(args[0]); err != nil {
			return err
		}
		return config.WriteFile(path, cfg)
	},
}

func init() {
	configCmd.PersistentFlags().Bool("global", false, "Operate on the per-user config file")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	rootCmd.AddCommand(configCmd)
}
