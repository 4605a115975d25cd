package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"bastion/internal/config"
	"bastion/internal/logging"
	"bastion/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the public gateway: bind the exposed port, answer /health
locally and forward the configured prefixes to the internal application
service.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	if err := logging.Setup(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		log.Fatal("failed to set up logging", "error", err)
	}

	// An ambiguous route table lands here and refuses to start.
	gw, err := server.New(cfg)
	if err != nil {
		log.Fatal("failed to initialize gateway", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting bastion",
		"version", BuildVersion,
		"port", cfg.Server.Port,
		"upstream", cfg.DefaultTarget().String())

	if err := gw.Start(ctx); err != nil {
		log.Fatal("gateway failed", "error", err)
	}
}
