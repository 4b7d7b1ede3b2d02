package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/peskar/icaro/antivirus"
	"github.com/peskar/icaro/config"
	"github.com/peskar/icaro/helpers"
)

func handleScanFile() {
	fs := flag.NewFlagSet("scan-file", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	host := fs.String("icap-host", "", "Override ICAP server host")
	port := fs.Int("icap-port", 0, "Override ICAP server port")
	service := fs.String("icap-service", "", "Override ICAP service name")
	fs.Usage = func() {
		fmt.Println("Usage: icaro-admin scan-file [options] <path>...")
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

	scanner, err := buildScanner(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	exitCode := 0
	for _, path := range fs.Args() {
		verdict := scanLocalFile(ctx, scanner, path)
		printVerdict(path, verdict)
		if !verdict.IsClean() {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func scanLocalFile(ctx context.Context, scanner *antivirus.Scanner, path string) *antivirus.Verdict {
	// The digest ties the cache entry to the file's content, so editing
	// the file always triggers a fresh scan.
	digest, size, err := helpers.FileDigest(path)
	if err != nil {
		return &antivirus.Verdict{
			Status:        antivirus.StatusFailed,
			ErrorCategory: antivirus.ErrorConfiguration,
			Message:       err.Error(),
			Err:           err,
		}
	}

	return scanner.Scan(ctx, &antivirus.ScanJob{
		DataSource: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
		UniqueID:      "blake3:" + digest,
		ContentLength: size,
	})
}

func handleScanMessage() {
	fs := flag.NewFlagSet("scan-message", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	host := fs.String("icap-host", "", "Override ICAP server host")
	port := fs.Int("icap-port", 0, "Override ICAP server port")
	service := fs.String("icap-service", "", "Override ICAP service name")
	fs.Usage = func() {
		fmt.Println("Usage: icaro-admin scan-message [options] <message.eml>")
		fmt.Println()
		fmt.Println("Parses the message and scans every MIME part individually.")
		fmt.Println()
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	path := fs.Arg(0)

	initQuietLogging()
	cfg := loadConfig(*configPath, flagProvided(fs, "config"))
	applyICAPOverrides(&cfg, *host, *port, *service)

	scanner, err := buildScanner(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	parts, err := helpers.ExtractMessageParts(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse message %s: %v\n", path, err)
		os.Exit(1)
	}
	if len(parts) == 0 {
		fmt.Println("Message has no scannable parts")
		return
	}

	ctx := context.Background()
	exitCode := 0
	for i, part := range parts {
		verdict := scanMessagePart(ctx, scanner, part)
		label := part.Filename
		if label == "" {
			label = fmt.Sprintf("part %d (%s)", i+1, part.ContentType)
		}
		printVerdict(fmt.Sprintf("%s: %s", filepath.Base(path), label), verdict)
		if !verdict.IsClean() {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func scanMessagePart(ctx context.Context, scanner *antivirus.Scanner, part helpers.MessagePart) *antivirus.Verdict {
	digest, _, err := helpers.ContentDigest(bytes.NewReader(part.Data))
	uniqueID := ""
	if err == nil {
		uniqueID = "blake3:" + digest
	}

	return scanner.Scan(ctx, &antivirus.ScanJob{
		DataSource: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(part.Data)), nil
		},
		UniqueID:      uniqueID,
		ContentLength: int64(len(part.Data)),
		ContentType:   part.ContentType,
	})
}

func applyICAPOverrides(cfg *config.Config, host string, port int, service string) {
	if host != "" {
		cfg.ICAP.Host = host
	}
	if port != 0 {
		cfg.ICAP.Port = port
	}
	if service != "" {
		cfg.ICAP.Service = service
	}
}

func flagProvided(fs *flag.FlagSet, name string) bool {
	provided := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			provided = true
		}
	})
	return provided
}
