package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/config"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

// rootCmd represents the base command for the opencrm-auth application
var rootCmd = &cobra.Command{
	Use:   "opencrm-auth",
	Short: "Authentication gateway and OAuth proxy for the OpenCRM MCP server",
	Long: `opencrm-auth authenticates requests to the OpenCRM MCP endpoint.

Requests carry either an OAuth bearer token (JWT from a configured identity
provider) or a tenant-scoped API key. Each resolves to a user, a tenant and a
set of scopes. The built-in OAuth 2.1 proxy lets MCP clients discover and
complete the authorization flow against an upstream provider.

Configuration is read from an optional YAML file (--config) and from
OPENCRM_* environment variables.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "opencrm-auth version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file. Can also use OPENCRM_CONFIG env var.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides logging.level)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides logging.format)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// loadConfig resolves the configuration file from the flag or environment.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("OPENCRM_CONFIG")
	}
	return config.Load(path)
}

// newLogger builds the process logger. Flags win over the file.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level, format := cfg.Level, cfg.Format
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	logger := logging.New(os.Stderr, level, format)
	slog.SetDefault(logger)
	return logger
}
