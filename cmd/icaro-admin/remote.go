package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// handleOptions negotiates directly with the ICAP server and prints its
// advertised capabilities.
func handleOptions() {
	fs := flag.NewFlagSet("options", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	host := fs.String("icap-host", "", "Override ICAP server host")
	port := fs.Int("icap-port", 0, "Override ICAP server port")
	service := fs.String("icap-service", "", "Override ICAP service name")
	fs.Usage = func() {
		fmt.Println("Usage: icaro-admin options [options]")
		fmt.Println()
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	initQuietLogging()
	cfg := loadConfig(*configPath, flagProvided(fs, "config"))
	applyICAPOverrides(&cfg, *host, *port, *service)

	scanner, err := buildScanner(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts, err := scanner.ServerOptions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to fetch server options: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Server:          icap://%s:%d/%s\n", cfg.ICAP.Host, cfg.ICAP.Port, cfg.ICAP.Service)
	fmt.Printf("Methods:         %v\n", opts.Methods)
	if opts.Service != "" {
		fmt.Printf("Service:         %s\n", opts.Service)
	}
	fmt.Printf("ISTag:           %q\n", opts.ISTag)
	if opts.PreviewSize >= 0 {
		fmt.Printf("Preview:         %d bytes\n", opts.PreviewSize)
	} else {
		fmt.Printf("Preview:         not supported\n")
	}
	fmt.Printf("Allow 204:       %t\n", opts.Allow204)
	if opts.MaxConnections > 0 {
		fmt.Printf("Max connections: %d\n", opts.MaxConnections)
	}
}

// cache-stats and cache-purge act on a running daemon via its HTTP API.

func handleCacheStats() {
	runAPICommand("cache-stats", http.MethodGet, "/api/v1/cache/stats")
}

func handleCachePurge() {
	runAPICommand("cache-purge", http.MethodPost, "/api/v1/cache/purge")
}

func runAPICommand(name, method, path string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8744", "Base URL of the running daemon's HTTP API")
	apiKey := fs.String("api-key", "", "Bearer token for the HTTP API")
	fs.Usage = func() {
		fmt.Printf("Usage: icaro-admin %s [options]\n\n", name)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	if *apiKey == "" {
		*apiKey = os.Getenv("ICARO_API_KEY")
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "an API key is required (-api-key or ICARO_API_KEY)")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, *apiURL+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+*apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read response: %v\n", err)
		os.Exit(1)
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "API returned %s: %s\n", resp.Status, string(body))
		os.Exit(1)
	}
	fmt.Println(string(body))
}
