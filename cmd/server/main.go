package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sessiondeck/backend/internal/config"
	"github.com/sessiondeck/backend/internal/control"
	"github.com/sessiondeck/backend/internal/inference"
	"github.com/sessiondeck/backend/internal/monitor"
	"github.com/sessiondeck/backend/internal/server"
	"github.com/sessiondeck/backend/internal/transcript"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	dataRoot := flag.String("data", "", "Override data root directory")
	noSignals := flag.Bool("no-signals", false, "Disable process scanning and signaling (markers only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *dataRoot != "" {
		cfg.Data.Root = *dataRoot
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	transcripts := transcript.NewStore(cfg.Data.Root)
	engine := inference.NewEngine(transcripts, nil, log)

	var matcher control.ProcessMatcher = control.GopsutilMatcher{}
	if *noSignals {
		log.Info("process signaling disabled, control actions write markers only")
		matcher = control.NoopMatcher{}
	}
	executor := control.NewExecutor(transcripts, matcher, nil, log)

	registry := monitor.NewRegistry()
	svc := monitor.NewService(registry, transcripts, engine, executor, nil, log)
	defer svc.Close()

	hub := server.NewHub(log)
	svc.SetSnapshotHook(hub.BroadcastSnapshot)

	srv := server.New(svc, transcripts, hub, log, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		svc.Close()
		os.Exit(0)
	}()

	log.Infow("server listening", "host", cfg.Server.Host, "port", cfg.Server.Port, "dataRoot", cfg.Data.Root)
	if err := server.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalw("server error", "error", err)
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.SugaredLogger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err == nil {
		zapCfg.Level = level
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
