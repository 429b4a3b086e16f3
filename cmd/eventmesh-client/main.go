package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/client"
)

const (
	// Application info
	appName    = "eventmesh-client"
	appVersion = "0.1.0"
)

var (
	// Global flags
	configPath string
	logLevel   string

	// timeNow is replaced in tests
	timeNow = time.Now
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "End-to-end encrypted pub/sub client tools",
		Long: `eventmesh-client exercises the client-side pub/sub engine: ordered delivery with
gap filling, group key exchange and subscription lifecycles. The simulate command runs
publishers and subscribers against an in-memory stream log.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML client configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newKeygenCommand())
	rootCmd.AddCommand(newGrantCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
		},
	}
}

// loadBaseConfig returns the configuration shared by every client the command creates.
func loadBaseConfig() (*client.Config, error) {
	var cfg *client.Config
	if configPath != "" {
		loaded, err := client.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &client.Config{}
		cfg.SetDefaults()
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg *client.Config) (*slog.Logger, error) {
	logger, err := client.NewLogger(w, cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	return logger, nil
}
