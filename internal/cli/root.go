package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dl-alexandre/docsync/internal/config"
	"github.com/dl-alexandre/docsync/internal/logging"
	docsync "github.com/dl-alexandre/docsync/internal/sync"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/dl-alexandre/docsync/pkg/version"
	"github.com/spf13/cobra"
)

var (
	globalFlags types.GlobalFlags
	logger      logging.Logger = logging.NewNoOpLogger()
	appConfig                  = config.DefaultConfig()
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "docsync - offline copies of your favorite documents",
	Long: `docsync keeps local copies of favorite documents and folders from a
remote document repository, uploads local edits and reports conflicts.

All commands support JSON output for automation and scripting.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		appConfig = cfg

		if err := validateGlobalFlags(cmd); err != nil {
			return err
		}

		logConfig := logging.DefaultLogConfig()
		logConfig.Level = levelFor(cfg.LogLevel)
		logConfig.OutputFile = globalFlags.LogFile
		if logConfig.OutputFile == "" {
			logConfig.OutputFile = cfg.LogFile
		}
		logConfig.EnableConsole = !globalFlags.Quiet && cfg.LogLevel != "quiet"
		logConfig.EnableDebug = globalFlags.Debug || cfg.LogLevel == "debug"
		logConfig.EnableColor = cfg.ColorOutput
		if globalFlags.Verbose {
			logConfig.Level = logging.DEBUG
		}
		if globalFlags.OutputFormat == types.OutputFormatJSON && !globalFlags.Verbose && !globalFlags.Debug {
			logConfig.EnableConsole = false
		}

		logger, err = logging.NewLogger(logConfig)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "Print the version number of docsync",
	Run: func(cmd *cobra.Command, args []string) {
		if globalFlags.OutputFormat == types.OutputFormatJSON {
			_ = newOutput().WriteSuccess("version", version.Get())
			return
		}
		fmt.Fprintln(stdout, version.Get().String())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Account, "account", "a", "", "Account to operate on (defaults to the configured default account)")
	rootCmd.PersistentFlags().StringVar((*string)(&globalFlags.OutputFormat), "output", "json", "Output format (json, table)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Debug, "debug", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogFile, "log-file", "", "Path to log file")
	rootCmd.PersistentFlags().StringVar(&globalFlags.DataDir, "data-dir", "", "Directory holding registries and offline content")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Yes, "yes", "y", false, "Answer yes to all prompts")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format (alias for --output json)")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Demo, "demo", false, "Use a built-in in-memory repository instead of Google Drive")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).Build(), err)
	})
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	if globalFlags.Config != "" {
		return config.LoadFrom(globalFlags.Config)
	}
	return config.Load()
}

func validateGlobalFlags(cmd *cobra.Command) error {
	// Handle --json flag as alias for --output json
	if globalFlags.JSON {
		globalFlags.OutputFormat = types.OutputFormatJSON
	} else if !cmd.Flags().Changed("output") && appConfig.DefaultOutputFormat != "" {
		globalFlags.OutputFormat = appConfig.DefaultOutputFormat
	}

	if globalFlags.OutputFormat != types.OutputFormatJSON && globalFlags.OutputFormat != types.OutputFormatTable {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid output format: %s", globalFlags.OutputFormat)).Build())
	}
	return nil
}

// levelFor maps the config log levels onto logger severities
func levelFor(level string) logging.LogLevel {
	switch level {
	case "quiet":
		return logging.ERROR
	case "verbose", "debug":
		return logging.DEBUG
	}
	return logging.INFO
}

// Execute runs the root command. A failure is reported through the output
// envelope and the process exits with the code of its error class.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := rootCmd.ExecuteContextC(ctx)
	if err == nil {
		return
	}
	err = usageError(err)
	_ = newOutput().WriteError(commandName(cmd), utils.ToCLIError(err))
	os.Exit(exitCode(err))
}

// commandName turns "docsync account enable" into "account.enable"
func commandName(cmd *cobra.Command) string {
	if cmd == nil || cmd == rootCmd {
		return rootCmd.Name()
	}
	parts := strings.Fields(cmd.CommandPath())
	return strings.Join(parts[1:], ".")
}

// usageError gives engine errors caused by the arguments the invalid-argument code
func usageError(err error) error {
	if errors.Is(err, docsync.ErrNotTopLevel) || errors.Is(err, docsync.ErrNotDocument) || errors.Is(err, docsync.ErrNoObstacle) {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).Build(), err)
	}
	return err
}

func exitCode(err error) int {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return utils.GetExitCode(appErr.CLIError.Code)
	}
	return utils.GetExitCode(utils.ClassifySyncError(err))
}

// GetGlobalFlags returns the global flags
func GetGlobalFlags() types.GlobalFlags {
	return globalFlags
}

// GetLogger returns the global logger
func GetLogger() logging.Logger {
	return logger
}
