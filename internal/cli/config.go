package cli

import (
	"fmt"

	"github.com/dl-alexandre/docsync/internal/config"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for managing docsync configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective configuration, including environment overrides",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Use 'config show' to see available keys",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset configuration to defaults",
	Long:  "Reset all configuration settings to their default values",
	RunE:  runConfigReset,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configResetCmd)
}

func saveConfig() error {
	if globalFlags.Config != "" {
		return appConfig.SaveTo(globalFlags.Config)
	}
	return appConfig.Save()
}

// configTable renders the settable keys; JSON output keeps the config object
type configTable []config.Entry

func (t configTable) Headers() []string    { return []string{"Key", "Value", "Env"} }
func (t configTable) EmptyMessage() string { return "No configuration keys" }
func (t configTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, e := range t {
		rows = append(rows, []string{e.Key, truncate(e.Value, 60), e.Env})
	}
	return rows
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := newOutput()
	if globalFlags.OutputFormat != types.OutputFormatTable {
		return out.WriteSuccess("config.show", appConfig)
	}
	entries, err := appConfig.Entries()
	if err != nil {
		return err
	}
	return out.WriteSuccess("config.show", configTable(entries))
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	out := newOutput()
	key, value := args[0], args[1]

	if err := appConfig.Set(key, value); err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).Build(), err)
	}
	if err := saveConfig(); err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeStorageError,
			fmt.Sprintf("Failed to save configuration: %v", err)).Build(), err)
	}

	out.Log("Configuration updated: %s = %s", key, value)
	return out.WriteSuccess("config.set", map[string]interface{}{
		"key":   key,
		"value": value,
	})
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	out := newOutput()
	if !confirm("Reset all configuration to defaults?") {
		return utils.ErrAborted
	}

	appConfig = config.DefaultConfig()
	if err := saveConfig(); err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeStorageError,
			fmt.Sprintf("Failed to save configuration: %v", err)).Build(), err)
	}

	out.Log("Configuration reset to defaults")
	return out.WriteSuccess("config.reset", appConfig)
}
