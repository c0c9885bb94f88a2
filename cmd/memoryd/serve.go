package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the tier sweep scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if app.Config.Sweep.Enabled {
		app.Scheduler.Start()
		log.Info("Tier sweep scheduler started")
	}

	srv := server.New(app.Orchestrator, versionString())
	return server.Run(ctx, app.Config.Server.Addr, srv, app.Config.Server.ShutdownTimeout)
}
