// Command memoryd serves multi-vector memory retrieval and runs tier sweeps.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/bootstrap"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/config"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "memoryd",
	Short:         "Multi-vector memory retrieval for conversational agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(shellCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadApp reads .env, the configuration and sets up logging before wiring
// every component.
func loadApp(ctx context.Context) (*bootstrap.App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg, err = config.LoadDefault()
	} else {
		cfg, err = config.LoadFromFile(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.Setup(cfg.LogConfig())

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := app.Init(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("memoryd %s (commit: %s, built: %s)\n", Version, Commit, BuildDate)
	},
}

func versionString() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
