// Package cmd provides the CLI commands for the tether bridge.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/tether/internal/appdir"
	"github.com/inercia/tether/internal/config"
	"github.com/inercia/tether/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string
	logFile       string
	logJSON       bool
	logComponents string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether - a session bridge for local coding agents",
	Long: `Tether runs a local coding agent as a supervised subprocess and
exposes its sessions to remote clients over a WebSocket gateway.

Sessions survive both client disconnects and agent restarts: every
event is recorded in an append-only log and replayed on reconnect.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		var err error
		if configPath == "" {
			configPath = config.DefaultConfigPath()
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		// Priority: --log-level flag > --debug flag > config > default (info)
		effectiveLevel := cfg.Logging.Level
		if logLevel != "" {
			effectiveLevel = logLevel
		} else if debug {
			effectiveLevel = "debug"
		}
		effectiveFile := cfg.Logging.File
		if logFile != "" {
			effectiveFile = logFile
		}
		var fileLog *logging.FileLogConfig
		if effectiveFile != "" {
			fileLog = &logging.FileLogConfig{Path: effectiveFile}
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				if c = strings.TrimSpace(c); c != "" {
					components = append(components, c)
				}
			}
		} else {
			components = cfg.Logging.Components
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLevel,
			FileLog:    fileLog,
			JSON:       logJSON || cfg.Logging.JSON,
			Components: components,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: ~/.tether/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (rotated; logs are also written to console)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'gateway,session'). Empty means all components.")
}
