package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/you/dankchat-api/internal/config"
	"github.com/you/dankchat-api/internal/httpapi"
	"github.com/you/dankchat-api/internal/logging"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.buildTime=...".
var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "dankchat-api",
		Short:         "Emote-set lookups and supporter badges for DankChat",
		Version:       buildInfo().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv(config.ConfigPathEnvVar, configPath)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides "+config.ConfigPathEnvVar+")")

	root.AddCommand(serveCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(donorsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())
	return root
}

// loadConfig reads the configuration and points the global logger at it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, nil
}

func buildInfo() httpapi.BuildInfo {
	info := httpapi.BuildInfo{Version: version, Revision: commit}
	if t, err := time.Parse(time.RFC3339, buildTime); err == nil {
		info.BuiltAt = t
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Revision == "" {
					info.Revision = s.Value
				}
			case "vcs.time":
				if info.BuiltAt.IsZero() {
					if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
						info.BuiltAt = t
					}
				}
			}
		}
	}
	return info
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := buildInfo()
			built := "unknown"
			if !info.BuiltAt.IsZero() {
				built = info.BuiltAt.UTC().Format(time.RFC3339)
			}
			rev := info.Revision
			if rev == "" {
				rev = "unknown"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dankchat-api version: %s (commit %s, built %s)\n", info.Version, rev, built)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg.Redacted())
		},
	}
}
