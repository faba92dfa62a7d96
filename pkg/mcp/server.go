package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/config"
	"archive-mirror/pkg/orchestrate"
)

const (
	serverName    = "archive-mirror"
	serverVersion = "1.0.0"
)

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig  *config.AppConfig
	ConfigPath string
	Registry   *orchestrate.Registry
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger
}

// Server exposes the crawl registry as MCP tools
type Server struct {
	mcpServer *server.MCPServer
	cfg       *ServerConfig
	registry  *orchestrate.Registry
	log       *logrus.Entry
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("Registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		cfg:       cfg,
		registry:  cfg.Registry,
		log:       cfg.Logger.WithField("component", "mcp"),
	}
	s.registerTools()
	return s, nil
}

// crawlParam is the selector shared by the per-crawl tools
func crawlParam(required bool) mcp.ToolOption {
	opts := []mcp.PropertyOption{mcp.Description("Crawl handle, name or destination directory")}
	if required {
		opts = append(opts, mcp.Required())
	}
	return mcp.WithString("crawl", opts...)
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	tools := []struct {
		tool    mcp.Tool
		handler server.ToolHandlerFunc
	}{
		{mcp.NewTool("list_crawls",
			mcp.WithDescription("List configured crawls and the crawls currently registered"),
		), s.handleListCrawls},
		{mcp.NewTool("crawl_start",
			mcp.WithDescription("Start a configured crawl in the background and push its seeds"),
			mcp.WithString("name", mcp.Required(), mcp.Description("Crawl name from the config file")),
		), s.handleCrawlStart},
		{mcp.NewTool("crawl_status",
			mcp.WithDescription("Queue, workers, options, seeds and error log of one crawl, or of all crawls"),
			crawlParam(false),
		), s.handleCrawlStatus},
		{mcp.NewTool("crawl_add",
			mcp.WithDescription("Crawl one identifier or query once. Identifier 'local' re-pushes the target crawl's configured seeds."),
			mcp.WithString("identifier", mcp.Description("Item identifier, 'identifier/path' for one file, or 'local'")),
			mcp.WithString("query", mcp.Description("Advanced search query, used when no identifier is given")),
			mcp.WithString("level", mcp.Description("tile, metadata, details (default) or all")),
			mcp.WithNumber("rows", mcp.Description("Also crawl this many search results at the same level")),
			mcp.WithString("destination", mcp.Description("Mirror directory; defaults to the default crawl")),
		), s.handleCrawlAdd},
		{mcp.NewTool("crawl_pause",
			mcp.WithDescription("Stop dispatching queued tasks; running tasks finish"),
			crawlParam(true),
		), s.handleCrawlPause},
		{mcp.NewTool("crawl_resume",
			mcp.WithDescription("Continue dispatching queued tasks"),
			crawlParam(true),
		), s.handleCrawlResume},
		{mcp.NewTool("crawl_cancel",
			mcp.WithDescription("Remove queued tasks, optionally only those of one identifier"),
			crawlParam(true),
			mcp.WithString("identifier", mcp.Description("Only cancel tasks for this identifier")),
		), s.handleCrawlCancel},
		{mcp.NewTool("crawl_restart",
			mcp.WithDescription("Drop queued tasks, forget what this run has seen and push the seeds again"),
			crawlParam(true),
		), s.handleCrawlRestart},
		{mcp.NewTool("crawl_set_concurrency",
			mcp.WithDescription("Change how many tasks of a crawl run at once"),
			crawlParam(true),
			mcp.WithNumber("concurrency", mcp.Required(), mcp.Description("New worker count (>= 1)")),
		), s.handleCrawlSetConcurrency},
		{mcp.NewTool("crawl_reconfigure",
			mcp.WithDescription("Replace a crawl's configuration; queued and running tasks are kept"),
			crawlParam(true),
			mcp.WithString("config", mcp.Required(), mcp.Description("Crawl configuration as JSON, with the same fields as a crawl in the config file")),
		), s.handleCrawlReconfigure},
		{mcp.NewTool("crawl_reconsider",
			mcp.WithDescription("Drop queued work for an identifier, then after a delay re-push the configured seeds that name it"),
			crawlParam(true),
			mcp.WithString("identifier", mcp.Required(), mcp.Description("Item identifier")),
			mcp.WithString("delay", mcp.Description("How long to wait before re-pushing, e.g. 30s (default 0)")),
		), s.handleCrawlReconsider},
		{mcp.NewTool("crawl_retire",
			mcp.WithDescription("Stop a crawl and remove it from the registry"),
			crawlParam(true),
		), s.handleCrawlRetire},
	}
	for _, t := range tools {
		s.mcpServer.AddTool(t.tool, t.handler)
	}
	s.log.Infof("Registered %d MCP tools", len(tools))
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown retires every crawl
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	done := make(chan struct{})
	go func() {
		s.registry.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
