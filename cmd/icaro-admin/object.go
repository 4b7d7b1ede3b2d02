package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peskar/icaro/antivirus"
	"github.com/peskar/icaro/storage"
)

func handleScanObject() {
	fs := flag.NewFlagSet("scan-object", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	host := fs.String("icap-host", "", "Override ICAP server host")
	port := fs.Int("icap-port", 0, "Override ICAP server port")
	service := fs.String("icap-service", "", "Override ICAP service name")
	fs.Usage = func() {
		fmt.Println("Usage: icaro-admin scan-object [options] <key>...")
		fmt.Println()
		fmt.Println("Scans objects from the S3 bucket configured in the [s3] section.")
		fmt.Println()
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}

	initQuietLogging()
	cfg := loadConfig(*configPath, flagProvided(fs, "config"))
	applyICAPOverrides(&cfg, *host, *port, *service)

	if cfg.S3 == nil {
		fmt.Fprintln(os.Stderr, "no [s3] section in configuration, object scanning unavailable")
		os.Exit(1)
	}

	store, err := storage.New(
		cfg.S3.Endpoint,
		cfg.S3.AccessKey,
		cfg.S3.SecretKey,
		cfg.S3.Bucket,
		!cfg.S3.DisableTLS,
		cfg.S3.Debug,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize object storage: %v\n", err)
		os.Exit(1)
	}

	scanner, err := buildScanner(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	exitCode := 0
	for _, key := range fs.Args() {
		verdict := scanObject(ctx, scanner, store, key)
		printVerdict(key, verdict)
		if !verdict.IsClean() {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func scanObject(ctx context.Context, scanner *antivirus.Scanner, store *storage.S3Storage, key string) *antivirus.Verdict {
	info, err := store.Stat(ctx, key)
	if err != nil {
		return &antivirus.Verdict{
			Status:        antivirus.StatusFailed,
			ErrorCategory: antivirus.ErrorConnectivity,
			Message:       err.Error(),
			Err:           err,
		}
	}

	return scanner.Scan(ctx, &antivirus.ScanJob{
		DataSource: func() (io.ReadCloser, error) {
			return store.GetWithRetry(ctx, key)
		},
		UniqueID:      store.ObjectID(key, info.ETag),
		ContentLength: info.Size,
		ContentType:   info.ContentType,
	})
}
