package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peskar/icaro/antivirus"
	"github.com/peskar/icaro/config"
	"github.com/peskar/icaro/icap"
	"github.com/peskar/icaro/logger"
	"github.com/peskar/icaro/server/httpapi"
	"github.com/peskar/icaro/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	icapHost := flag.String("icap-host", "", "Override ICAP server host")
	icapPort := flag.Int("icap-port", 0, "Override ICAP server port")
	icapService := flag.String("icap-service", "", "Override ICAP service name")
	apiAddr := flag.String("api-addr", "", "Override HTTP API listen address")
	flag.Parse()

	if *showVersion {
		fmt.Printf("icaro version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if _, err := os.Stat(*configPath); err == nil {
		loaded, loadErr := config.Load(*configPath)
		if loadErr != nil {
			fmt.Fprintf(os.Stderr, "ICARO: %v\n", loadErr)
			os.Exit(1)
		}
		cfg = loaded
	} else if isFlagSet("config") {
		fmt.Fprintf(os.Stderr, "ICARO: config file %s not found\n", *configPath)
		os.Exit(1)
	}

	// Command-line flags override the configuration file
	if *icapHost != "" {
		cfg.ICAP.Host = *icapHost
	}
	if *icapPort != 0 {
		cfg.ICAP.Port = *icapPort
	}
	if *icapService != "" {
		cfg.ICAP.Service = *icapService
	}
	if *apiAddr != "" {
		cfg.HTTPAPI.Addr = *apiAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ICARO: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ICARO: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if closeErr := f.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "ICARO: Error closing log file %s: %v\n", f.Name(), closeErr)
			}
		}(logFile)
	}

	logger.Infof("ICARO starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("ICAP target icap://%s:%d/%s, mode: %s",
		cfg.ICAP.Host, cfg.ICAP.Port, cfg.ICAP.Service, cfg.ICAP.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	scanner, err := buildScanner(cfg)
	if err != nil {
		logger.Fatalf("ICARO: %v", err)
	}

	var store *storage.S3Storage
	if cfg.S3 != nil {
		store, err = storage.New(
			cfg.S3.Endpoint,
			cfg.S3.AccessKey,
			cfg.S3.SecretKey,
			cfg.S3.Bucket,
			!cfg.S3.DisableTLS,
			cfg.S3.Debug,
		)
		if err != nil {
			logger.Fatalf("ICARO: failed to initialize object storage: %v", err)
		}
		logger.Infof("Object storage enabled: %s/%s", cfg.S3.Endpoint, cfg.S3.Bucket)
	}

	errChan := make(chan error, 2)

	if cfg.HTTPAPI.Start {
		maxFileSize, _ := cfg.Scanner.GetMaxFileSize()
		go httpapi.Start(ctx, scanner, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			APIKeyHash:   cfg.HTTPAPI.APIKeyHash,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			Store:        store,
			MaxBodySize:  maxFileSize,
			FailOpen:     cfg.Scanner.FailOpen(),
			TLS:          cfg.HTTPAPI.TLS,
			TLSCertFile:  cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:   cfg.HTTPAPI.TLSKeyFile,
		}, errChan)
	}

	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, cfg.Metrics.Addr, errChan)
	}

	if !cfg.HTTPAPI.Start && !cfg.Metrics.Enabled {
		logger.Fatal("ICARO: nothing to serve: enable http_api.start or metrics.enabled")
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown complete")
	case err := <-errChan:
		logger.Errorf("Server error: %v", err)
		cancel()
		os.Exit(1)
	}
}

func buildScanner(cfg config.Config) (*antivirus.Scanner, error) {
	connectTimeout, err := cfg.ICAP.GetConnectTimeout()
	if err != nil {
		return nil, err
	}
	ioTimeout, err := cfg.ICAP.GetIOTimeout()
	if err != nil {
		return nil, err
	}

	client, err := icap.NewClient(cfg.ICAP.Host, cfg.ICAP.Port, cfg.ICAP.Service,
		icap.WithConnectTimeout(connectTimeout),
		icap.WithIOTimeout(ioTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ICAP client: %w", err)
	}

	maxFileSize, err := cfg.Scanner.GetMaxFileSize()
	if err != nil {
		return nil, err
	}
	lockWait, err := cfg.Scanner.GetLockWait()
	if err != nil {
		return nil, err
	}
	cacheMaxAge, err := cfg.Scanner.GetVerdictCacheMaxAge()
	if err != nil {
		return nil, err
	}

	var locks antivirus.LockService
	switch cfg.Scanner.LockMode {
	case "none":
		locks = antivirus.NewNoopLockService()
	default:
		locks = antivirus.NewLocalLockService()
	}

	return antivirus.NewScanner(client, locks, antivirus.ScannerOptions{
		MaxFileSize:        maxFileSize,
		LockWait:           lockWait,
		Mode:               cfg.ICAP.Mode,
		VerdictCacheSize:   cfg.Scanner.VerdictCacheSize,
		VerdictCacheMaxAge: cacheMaxAge,
	}), nil
}

func startMetricsServer(ctx context.Context, addr string, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Infof("Error shutting down metrics server: %v", err)
		}
	}()

	logger.Infof("Starting metrics server on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
