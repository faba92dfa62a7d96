package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"archive-mirror/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: archive-mirror mcp-server [options]

Start an MCP (Model Context Protocol) server that controls crawls.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Start with stdio transport
  archive-mirror mcp-server -config config.yaml

  # Start with SSE transport on port 8080
  archive-mirror mcp-server -config config.yaml -transport sse -port 8080

Available MCP Tools:
  list_crawls            List configured and registered crawls
  crawl_start            Start a configured crawl
  crawl_status           Queue, workers and errors of one or all crawls
  crawl_add              Mirror one identifier or query
  crawl_pause            Stop dispatching queued tasks
  crawl_resume           Continue dispatching
  crawl_cancel           Drop queued tasks
  crawl_restart          Forget this run and push the seeds again
  crawl_set_concurrency  Change a crawl's worker count
  crawl_reconfigure      Replace a crawl's configuration
  crawl_reconsider       Drop an identifier's queued work and re-push its seeds later
  crawl_retire           Stop and remove a crawl
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doMcpServer(*configFile, *transport, *port, *logLevel, os.Stderr))
}

// doMcpServer is the testable implementation of the MCP server
func doMcpServer(configPath, transport string, port int, logLevel string, stderr io.Writer) int {
	if transport != "stdio" && transport != "sse" {
		fmt.Fprintf(stderr, "Unknown transport: %s (supported: stdio, sse)\n", transport)
		return 1
	}

	// MCP protocol uses stdout, logs go to stderr
	log := setupLogger(logLevel, "text", stderr)

	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Config error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	rt, err := newRuntime(ctx, appCfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close()

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig:  appCfg,
		ConfigPath: configPath,
		Registry:   rt.registry,
		Transport:  transport,
		Port:       port,
		Logger:     log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}

	log.Infof("Starting MCP server (transport: %s)", transport)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warnf("MCP shutdown: %v", serr)
	}

	if err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}
