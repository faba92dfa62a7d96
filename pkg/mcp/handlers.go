package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	"archive-mirror/pkg/config"
	"archive-mirror/pkg/crawler"
	"archive-mirror/pkg/models"
	"archive-mirror/pkg/orchestrate"
)

// handleListCrawls handles the list_crawls tool
func (s *Server) handleListCrawls(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	running := make(map[string]orchestrate.Entry)
	for _, e := range s.registry.List() {
		running[e.Name] = e
	}

	names := s.cfg.AppConfig.CrawlNames()
	configured := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		crawlCfg := s.cfg.AppConfig.Crawls[name]
		info := map[string]interface{}{
			"name":        name,
			"destination": crawlCfg.Destination,
			"seeds_count": len(crawlCfg.Tasks),
			"concurrency": crawlCfg.Concurrency,
		}
		if e, ok := running[name]; ok {
			info["status"] = "running"
			info["handle"] = e.Handle
		}
		configured = append(configured, info)
	}

	result := map[string]interface{}{
		"crawls":       configured,
		"registered":   s.registry.List(),
		"config_path":  s.cfg.ConfigPath,
		"total_crawls": len(configured),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCrawlStart handles the crawl_start tool
func (s *Server) handleCrawlStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name parameter is required"), nil
	}
	if err := orchestrate.ValidateCrawlNames(s.cfg.AppConfig, []string{name}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	crawlCfg, warnings, err := s.cfg.AppConfig.Crawl(name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid crawl configuration: %v", err)), nil
	}
	sched, err := s.registry.Register(crawlCfg)
	if err != nil {
		if errors.Is(err, orchestrate.ErrDestinationInUse) {
			return mcp.NewToolResultError(fmt.Sprintf("crawl '%s' cannot start: %v", name, err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to start crawl: %v", err)), nil
	}
	admitted := sched.PushSeeds(crawlCfg.Tasks...)
	s.log.WithField("crawl", name).Infof("Started crawl with %d seeded tasks", admitted)

	result := map[string]interface{}{
		"name":     name,
		"handle":   sched.Status().Handle,
		"status":   "started",
		"seeded":   admitted,
		"warnings": warnings,
		"message":  fmt.Sprintf("Crawl started. Use crawl_status with crawl=%s to check progress.", name),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCrawlStatus handles the crawl_status tool
func (s *Server) handleCrawlStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := request.GetString("crawl", "")
	if key == "" {
		statuses := s.registry.StatusAll()
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"crawls": statuses,
			"total":  len(statuses),
		})), nil
	}

	sched, errResult := s.lookup(request)
	if errResult != nil {
		return errResult, nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"crawl": sched.Status(),
	})), nil
}

// handleCrawlAdd handles the crawl_add tool
func (s *Server) handleCrawlAdd(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := orchestrate.AddRequest{
		Identifier:  request.GetString("identifier", ""),
		Query:       request.GetString("query", ""),
		Level:       models.Level(request.GetString("level", "")),
		Rows:        request.GetInt("rows", 0),
		Destination: request.GetString("destination", ""),
	}
	if req.Identifier == "" && req.Query == "" {
		return mcp.NewToolResultError("identifier or query parameter is required"), nil
	}

	sched, admitted, err := s.registry.Add(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]interface{}{
		"crawl":    sched.Name(),
		"handle":   sched.Status().Handle,
		"admitted": admitted,
	}
	if admitted == 0 {
		result["message"] = "Nothing was queued; the task budget is spent or the crawl has been stopped."
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCrawlPause handles the crawl_pause tool
func (s *Server) handleCrawlPause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sched, errResult := s.lookup(request)
	if errResult != nil {
		return errResult, nil
	}
	sched.Pause()
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"crawl":  sched.Name(),
		"paused": true,
	})), nil
}

// handleCrawlResume handles the crawl_resume tool
func (s *Server) handleCrawlResume(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sched, errResult := s.lookup(request)
	if errResult != nil {
		return errResult, nil
	}
	sched.Resume()
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"crawl":  sched.Name(),
		"paused": false,
	})), nil
}

// handleCrawlCancel handles the crawl_cancel tool
func (s *Server) handleCrawlCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sched, errResult := s.lookup(request)
	if errResult != nil {
		return errResult, nil
	}
	identifier := request.GetString("identifier", "")
	removed := sched.CancelMatching(identifier)
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"crawl":      sched.Name(),
		"identifier": identifier,
		"cancelled":  removed,
	})), nil
}

// handleCrawlRestart handles the crawl_restart tool
func (s *Server) handleCrawlRestart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sched, errResult := s.lookup(request)
	if errResult != nil {
		return errResult, nil
	}
	seeded := sched.Restart()
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"crawl":  sched.Name(),
		"seeded": seeded,
	})), nil
}

// handleCrawlSetConcurrency handles the crawl_set_concurrency tool
func (s *Server) handleCrawlSetConcurrency(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sched, errResult := s.lookup(request)
	if errResult != nil {
		return errResult, nil
	}
	n := request.GetInt("concurrency", 0)
	if n < 1 {
		return mcp.NewToolResultError("concurrency must be at least 1"), nil
	}
	sched.SetConcurrency(n)
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"crawl":       sched.Name(),
		"concurrency": n,
	})), nil
}

// handleCrawlRetire handles the crawl_retire tool
func (s *Server) handleCrawlRetire(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := request.GetString("crawl", "")
	if key == "" {
		return mcp.NewToolResultError("crawl parameter is required"), nil
	}
	if err := s.registry.Retire(key); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"crawl":   key,
		"retired": true,
	})), nil
}

// handleCrawlReconfigure handles the crawl_reconfigure tool
func (s *Server) handleCrawlReconfigure(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := request.GetString("crawl", "")
	if key == "" {
		return mcp.NewToolResultError("crawl parameter is required"), nil
	}
	raw := request.GetString("config", "")
	if raw == "" {
		return mcp.NewToolResultError("config parameter is required"), nil
	}
	// JSON is a subset of YAML, so the config file's field names and shorthands apply
	var crawlCfg config.CrawlConfig
	if err := yaml.Unmarshal([]byte(raw), &crawlCfg); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid config: %v", err)), nil
	}

	sched, warnings, err := s.registry.Reconfigure(key, crawlCfg)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"crawl":    sched.Name(),
		"warnings": warnings,
		"opts":     sched.Status().Options,
		"message":  "Configuration replaced. Queued tasks are kept; use crawl_restart to re-push the seeds.",
	})), nil
}

// handleCrawlReconsider handles the crawl_reconsider tool
func (s *Server) handleCrawlReconsider(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sched, errResult := s.lookup(request)
	if errResult != nil {
		return errResult, nil
	}
	identifier := request.GetString("identifier", "")
	if identifier == "" {
		return mcp.NewToolResultError("identifier parameter is required"), nil
	}
	var delay time.Duration
	if raw := request.GetString("delay", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid delay %q: want a duration such as 30s", raw)), nil
		}
		delay = d
	}

	sched.SuspendAndReconsider(identifier, delay, s.registry.LiveSeeds(sched))
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"crawl":      sched.Name(),
		"identifier": identifier,
		"delay":      delay.String(),
	})), nil
}

// lookup resolves the crawl parameter to a registered scheduler
func (s *Server) lookup(request mcp.CallToolRequest) (*crawler.Scheduler, *mcp.CallToolResult) {
	key := request.GetString("crawl", "")
	if key == "" {
		return nil, mcp.NewToolResultError("crawl parameter is required")
	}
	sched, err := s.registry.Get(key)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return sched, nil
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
