package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/basaltdb/basalt/cfg"
	"github.com/basaltdb/basalt/engine"
	"github.com/basaltdb/basalt/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Basalt storage node")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	startMetricsServer()

	// Open storage roots and rebuild the transaction index
	eng, err := engine.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage engine")
		return
	}
	for _, root := range cfg.Config.Storage.Roots {
		if err := eng.LoadTxnsFromMetaStore(root); err != nil {
			log.Fatal().Err(err).Str("root", root).Msg("Failed to recover transactions")
			return
		}
	}

	eng.Start()
	log.Info().
		Int("storage_roots", len(cfg.Config.Storage.Roots)).
		Msg("Storage engine started")

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	eng.Shutdown()
}

// startMetricsServer exposes the Prometheus endpoint when enabled.
func startMetricsServer() {
	handler := telemetry.GetMetricsHandler()
	if handler == nil {
		return
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving Prometheus metrics")
}
