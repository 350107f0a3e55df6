package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/placement/internal/config"
	"github.com/dray-io/placement/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("placementd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "run":
		os.Exit(runDaemon(os.Args[2:]))
	case "version":
		fmt.Printf("placementd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: placementd <command> [options]

Commands:
  run         Start the load balancer and broker discovery daemon
  version     Print version information

Run 'placementd <command> --help' for more information on a command.`)
}

// runDaemon returns the process exit code.
func runDaemon(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	brokerID := fs.String("broker-id", "", "Override broker ID (default: advertised host:port)")
	advertisedAddr := fs.String("advertised-addr", "", "Override advertised host:port")
	oxiaEndpoint := fs.String("oxia", "", "Override Oxia service address")
	healthAddr := fs.String("health-addr", "", "Override health and lookup endpoint address (e.g., :8080)")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics endpoint address (e.g., :9090)")
	cluster := fs.String("cluster", "", "Override cluster name")

	fs.Usage = func() {
		fmt.Println(`Usage: placementd run [options]

Start the placement daemon. It publishes this broker's load report, watches
every other broker, ranks them, answers topic lookups and, while it holds
leadership, sheds load and publishes bundle quotas.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	if *advertisedAddr != "" {
		cfg.Broker.AdvertisedAddr = *advertisedAddr
	}
	if *oxiaEndpoint != "" {
		cfg.Metadata.OxiaEndpoint = *oxiaEndpoint
	}
	if *healthAddr != "" {
		cfg.Observability.HealthAddr = *healthAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *cluster != "" {
		cfg.Cluster.Name = *cluster
	}

	instanceID := uuid.NewString()
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Observability.LogLevel),
		Format: logging.ParseFormat(cfg.Observability.LogFormat),
	}).With(map[string]any{"instanceId": instanceID})
	logging.SetGlobal(logger)

	opts := Options{
		Config:     cfg,
		Logger:     logger,
		BrokerID:   *brokerID,
		InstanceID: instanceID,
		Version:    version,
		GitCommit:  gitCommit,
		BuildTime:  buildTime,
	}

	daemon, err := NewDaemon(opts)
	if err != nil {
		logger.Errorf("failed to create daemon", map[string]any{"error": err.Error()})
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- daemon.Start(ctx)
	}()

	code := 0
	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Errorf("daemon failed to start", map[string]any{"error": err.Error()})
			code = 1
			break
		}
		sig := <-sigCh
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		return 1
	}
	return code
}
