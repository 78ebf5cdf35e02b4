package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulafaas/internal/config"
	"github.com/piwi3910/nebulafaas/internal/server"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	dataDir := flag.String("data", "", "Data directory path")
	address := flag.String("address", "", "Fabric listen address")
	metricsPort := flag.Int("metrics-port", 0, "Prometheus metrics port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("NebulaFaaS executor %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	opts := config.Options{
		DataDir:       *dataDir,
		FabricAddress: *address,
		MetricsPort:   *metricsPort,
	}
	if *debug {
		opts.LogLevel = "debug"
	}

	cfg, err := config.Load(*configPath, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	configureLogging(cfg.Log, *debug)

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("node_id", cfg.NodeID).
		Msg("Starting NebulaFaaS executor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := server.NewExecutor(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create executor")
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Received shutdown signal")
	}()

	if err := node.Start(ctx, nil); err != nil {
		log.Fatal().Err(err).Msg("Executor error")
	}

	log.Info().Msg("NebulaFaaS executor shutdown complete")
}

// configureLogging applies the log section once the config is loaded. The
// -debug flag wins over the file.
func configureLogging(cfg config.LogConfig, debug bool) {
	if debug {
		return
	}

	if level, err := zerolog.ParseLevel(cfg.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
