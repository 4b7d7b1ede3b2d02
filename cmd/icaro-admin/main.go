package main

import (
	"fmt"
	"os"
	"time"

	"github.com/peskar/icaro/antivirus"
	"github.com/peskar/icaro/config"
	"github.com/peskar/icaro/icap"
	"github.com/peskar/icaro/logger"
)

const timeRound = time.Millisecond

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "scan-file":
		handleScanFile()
	case "scan-message":
		handleScanMessage()
	case "scan-object":
		handleScanObject()
	case "options":
		handleOptions()
	case "cache-stats":
		handleCacheStats()
	case "cache-purge":
		handleCachePurge()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: icaro-admin <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  scan-file     Scan a local file")
	fmt.Println("  scan-message  Scan every part of an email message file")
	fmt.Println("  scan-object   Scan an object stored in S3")
	fmt.Println("  options       Print the ICAP server's capabilities")
	fmt.Println("  cache-stats   Show verdict cache statistics of a running daemon")
	fmt.Println("  cache-purge   Drop all cached verdicts of a running daemon")
	fmt.Println()
	fmt.Println("Run 'icaro-admin <command> -h' for command-specific options.")
}

// loadConfig reads the TOML configuration, tolerating a missing default
// file so the ICAP flags alone are enough for ad-hoc use.
func loadConfig(path string, explicit bool) config.Config {
	if _, err := os.Stat(path); err != nil {
		if explicit {
			fmt.Fprintf(os.Stderr, "config file %s not found\n", path)
			os.Exit(1)
		}
		return config.NewDefaultConfig()
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return cfg
}

// initQuietLogging routes log output to stderr at warn level so command
// output stays clean.
func initQuietLogging() {
	_, err := logger.Initialize(config.LoggingConfig{
		Output: "stderr",
		Format: "console",
		Level:  "warn",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning initializing logger: %v\n", err)
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

	return antivirus.NewScanner(client, antivirus.NewLocalLockService(), antivirus.ScannerOptions{
		MaxFileSize:      maxFileSize,
		LockWait:         lockWait,
		Mode:             cfg.ICAP.Mode,
		VerdictCacheSize: cfg.Scanner.VerdictCacheSize,
	}), nil
}

func printVerdict(prefix string, v *antivirus.Verdict) {
	switch {
	case v.IsClean():
		fmt.Printf("%s: CLEAN (istag %q, %v)\n", prefix, v.ISTag, v.Duration.Round(timeRound))
	case v.IsInfected():
		fmt.Printf("%s: INFECTED threat=%q (istag %q)\n", prefix, v.Threat, v.ISTag)
		if v.Message != "" {
			fmt.Printf("  %s\n", v.Message)
		}
	default:
		fmt.Printf("%s: ERROR [%s] %s\n", prefix, v.ErrorCategory, v.Message)
	}
}
