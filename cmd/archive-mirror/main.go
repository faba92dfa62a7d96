package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"archive-mirror/pkg/config"
	applog "archive-mirror/pkg/log"
	"archive-mirror/pkg/mirror"
	"archive-mirror/pkg/models"
	"archive-mirror/pkg/orchestrate"
	"archive-mirror/pkg/watch"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		runCrawl(os.Args[2:])
	case "add":
		runAdd(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "list-crawls":
		runListCrawls(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("archive-mirror %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `archive-mirror - Offline mirror of an online archive

Usage:
  archive-mirror <command> [options]

Commands:
  crawl        Run configured crawls until they drain
  add          Mirror one identifier or query
  watch        Re-run crawls on a schedule
  validate     Validate configuration file
  list-crawls  List configured crawls
  mcp-server   Start MCP server for crawl control
  version      Show version info

Run 'archive-mirror <command> -h' for command-specific help.`)
}

// loadConfig loads and parses the config file
func loadConfig(path string) (*config.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg config.AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// setupLogger creates the root logger, warning on a bad level or format
func setupLogger(logLevelStr, format string, out io.Writer) *logrus.Logger {
	log, err := applog.NewLogger(logLevelStr, format, out)
	if err != nil {
		log.Warn(err.Error())
	} else {
		log.Debugf("Log level: %s", log.GetLevel())
	}
	return log
}

// loadAndValidateConfig loads the config file, validates it, and logs warnings.
func loadAndValidateConfig(configFile string, log *logrus.Logger) *config.AppConfig {
	log.Infof("Loading configuration from %s", configFile)
	appCfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	appWarnings, err := appCfg.Validate()
	for _, w := range appWarnings {
		log.Warn(w)
	}
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	return appCfg
}

// parseCrawlNames resolves -crawl/-crawls/-all-crawls into a name list.
// A nil result with all=true means every configured crawl.
func parseCrawlNames(single, list string, all bool) ([]string, error) {
	switch {
	case all:
		return nil, nil
	case list != "":
		var names []string
		for _, n := range strings.Split(list, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		if len(names) == 0 {
			return nil, errors.New("-crawls lists no crawl names")
		}
		return names, nil
	case single != "":
		return []string{single}, nil
	default:
		return nil, errors.New("one of -crawl, -crawls, or -all-crawls is required")
	}
}

// resolveCrawlNames expands the all-crawls form and checks every name exists
func resolveCrawlNames(appCfg *config.AppConfig, names []string, all bool, log *logrus.Logger) []string {
	if all {
		names = orchestrate.AllCrawlNames(appCfg)
		log.Infof("All crawls mode: found %d crawls", len(names))
	}
	if err := orchestrate.ValidateCrawlNames(appCfg, names); err != nil {
		log.Fatalf("Invalid crawl names: %v", err)
	}
	for _, name := range names {
		_, warnings, err := appCfg.Crawl(name)
		if err != nil {
			log.Fatalf("Crawl '%s' configuration error: %v", name, err)
		}
		for _, w := range warnings {
			log.Warnf("[%s] %s", name, w)
		}
	}
	return names
}

// signalContext returns a context cancelled on SIGINT/SIGTERM; a second signal forces exit
func signalContext(log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// runCrawl handles the crawl subcommand
func runCrawl(args []string) {
	fs := flag.NewFlagSet("crawl", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	crawlName := fs.String("crawl", "", "Crawl name from config (single crawl)")
	crawls := fs.String("crawls", "", "Comma-separated crawl names to run in parallel")
	allCrawls := fs.Bool("all-crawls", false, "Run all configured crawls in parallel")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	logFormat := fs.String("logformat", "text", "Log format (text, json)")
	keysLog := fs.String("write-keys-log", "", "Write every recorded file key to this path after the crawl")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: archive-mirror crawl [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  archive-mirror crawl -crawl books\n")
		fmt.Fprintf(os.Stderr, "  archive-mirror crawl -crawls books,maps\n")
		fmt.Fprintf(os.Stderr, "  archive-mirror crawl -all-crawls\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	names, err := parseCrawlNames(*crawlName, *crawls, *allCrawls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}

	os.Exit(executeCrawl(*configFile, names, *allCrawls, *logLevel, *logFormat, *keysLog))
}

// executeCrawl runs the named crawls to their first drain and returns the exit code
func executeCrawl(configFile string, names []string, all bool, logLevelStr, logFormat, keysLog string) int {
	log := setupLogger(logLevelStr, logFormat, os.Stderr)
	appCfg := loadAndValidateConfig(configFile, log)
	names = resolveCrawlNames(appCfg, names, all, log)

	ctx, cancel := signalContext(log)
	defer cancel()

	rt, err := newRuntime(ctx, appCfg, log)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	defer rt.close()

	orch := orchestrate.NewOrchestrator(appCfg, rt.registry, log.WithField("component", "parallel_crawl"))
	results := orch.Run(ctx, names)

	if keysLog != "" {
		if ctx.Err() != nil {
			log.Warnf("Skipping keys log due to shutdown: %v", ctx.Err())
		} else if err := rt.store.WriteKeysLog(mirror.FilesTable, keysLog); err != nil {
			log.Errorf("Error writing keys log: %v", err)
		}
	}

	if ctx.Err() != nil {
		log.Warn("Crawl cancelled gracefully.")
		return 0
	}
	for _, r := range results {
		if !r.Success {
			return 1
		}
	}
	log.Info("All crawls drained.")
	return 0
}

// runAdd handles the add subcommand
func runAdd(args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	identifier := fs.String("identifier", "", "Item identifier, identifier/path for one file, or 'local' for the configured seeds")
	query := fs.String("query", "", "Advanced search query")
	level := fs.String("level", string(models.LevelDetails), "Depth level (tile, metadata, details, all)")
	rows := fs.Int("rows", 0, "Also mirror this many search results at the same level")
	destination := fs.String("destination", "", "Mirror directory (default: the default crawl)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	logFormat := fs.String("logformat", "text", "Log format (text, json)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: archive-mirror add [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  archive-mirror add -identifier goodytwoshoes00newyiala -level all\n")
		fmt.Fprintf(os.Stderr, "  archive-mirror add -query 'collection:prelinger' -level tile -rows 100\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	req, err := buildAddRequest(*identifier, *query, *level, *rows, *destination)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}

	os.Exit(executeAdd(*configFile, req, *logLevel, *logFormat))
}

// buildAddRequest checks the add flags and builds the request
func buildAddRequest(identifier, query, level string, rows int, destination string) (orchestrate.AddRequest, error) {
	if identifier == "" && query == "" {
		return orchestrate.AddRequest{}, errors.New("one of -identifier or -query is required")
	}
	req := orchestrate.AddRequest{
		Identifier:  identifier,
		Query:       query,
		Level:       models.Level(level),
		Rows:        rows,
		Destination: destination,
	}
	if destination != "" {
		abs, err := filepath.Abs(destination)
		if err != nil {
			return req, fmt.Errorf("destination: %w", err)
		}
		req.Destination = abs
	}
	if identifier == orchestrate.LocalIdentifier {
		return req, nil
	}
	return req, orchestrate.ValidateAddRequest(req)
}

// executeAdd submits one request and waits for its crawl to drain
func executeAdd(configFile string, req orchestrate.AddRequest, logLevelStr, logFormat string) int {
	log := setupLogger(logLevelStr, logFormat, os.Stderr)
	appCfg := loadAndValidateConfig(configFile, log)

	ctx, cancel := signalContext(log)
	defer cancel()

	rt, err := newRuntime(ctx, appCfg, log)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	defer rt.close()

	drained := make(chan models.CrawlStatus, 1)
	var once sync.Once
	rt.registry.OnDrain(func(status models.CrawlStatus) {
		once.Do(func() { drained <- status })
	})

	sched, admitted, err := rt.registry.Add(req)
	if err != nil {
		log.Errorf("Add failed: %v", err)
		return 1
	}
	log.Infof("Queued %d tasks on crawl '%s'", admitted, sched.Name())

	status := sched.Status()
	if !sched.Idle() {
		select {
		case status = <-drained:
		case <-ctx.Done():
			log.Warn("Add cancelled gracefully.")
			return 0
		}
	}

	log.Infof("Done: %d tasks completed, %d errors", status.Queue.Completed, len(status.Errors))
	for _, e := range status.Errors {
		log.Warnf("  %s: %s", strings.Join(e.Lineage, " > "), e.Error.Message)
	}
	if len(status.Errors) > 0 {
		return 1
	}
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	crawlName := fs.String("crawl", "", "Crawl to validate (optional, validates all if empty)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: archive-mirror validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, *crawlName, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath, crawlName string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	names := appCfg.CrawlNames()
	if crawlName != "" {
		if _, ok := appCfg.Crawls[crawlName]; !ok {
			fmt.Fprintf(stderr, "Error: crawl '%s' not found in config\n", crawlName)
			return 1
		}
		names = []string{crawlName}
	}

	hasError := false
	for _, name := range names {
		_, crawlWarnings, err := appCfg.Crawl(name)
		for _, w := range crawlWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", name, w)
		}
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", name, err)
			hasError = true
			continue
		}
		fmt.Fprintf(stdout, "OK: [%s]\n", name)
	}
	if hasError {
		return 1
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListCrawls handles the list-crawls subcommand
func runListCrawls(args []string) {
	fs := flag.NewFlagSet("list-crawls", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: archive-mirror list-crawls [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doListCrawls(*configFile, os.Stdout, os.Stderr))
}

// doListCrawls lists crawls and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doListCrawls(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Crawls in %s:\n\n", configPath)
	for _, name := range appCfg.CrawlNames() {
		crawlCfg := appCfg.Crawls[name]
		fmt.Fprintf(stdout, "  %s\n", name)
		if crawlCfg.Destination != "" {
			fmt.Fprintf(stdout, "    Destination: %s\n", crawlCfg.Destination)
		}
		fmt.Fprintf(stdout, "    Seeds: %d\n", len(crawlCfg.Tasks))
		for _, seed := range crawlCfg.Tasks {
			summary := seed.Summary()
			target := summary.Query
			if target == "" {
				target = strings.Join(summary.Identifier, ", ")
			}
			level := seed.Level
			if level == "" {
				level = models.LevelDetails
			}
			fmt.Fprintf(stdout, "      - %s @ %s\n", target, level)
		}
		fmt.Fprintln(stdout)
	}
	return 0
}

// runWatch handles the watch subcommand
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	crawlName := fs.String("crawl", "", "Crawl name from config (single crawl)")
	crawls := fs.String("crawls", "", "Comma-separated crawl names")
	allCrawls := fs.Bool("all-crawls", false, "Watch all configured crawls")
	interval := fs.String("interval", "24h", "Crawl interval (e.g., 30m, 1h, 24h, 7d)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	logFormat := fs.String("logformat", "text", "Log format (text, json)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: archive-mirror watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  archive-mirror watch -crawl books -interval 24h\n")
		fmt.Fprintf(os.Stderr, "  archive-mirror watch -all-crawls -interval 7d\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	names, err := parseCrawlNames(*crawlName, *crawls, *allCrawls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}

	os.Exit(executeWatch(*configFile, names, *allCrawls, *interval, *logLevel, *logFormat))
}

// executeWatch runs the watcher until a signal arrives
func executeWatch(configFile string, names []string, all bool, intervalStr, logLevelStr, logFormat string) int {
	log := setupLogger(logLevelStr, logFormat, os.Stderr)

	interval, err := watch.ParseInterval(intervalStr)
	if err != nil {
		log.Errorf("Invalid interval: %v", err)
		return 1
	}
	log.Infof("Watch interval: %s", watch.FormatInterval(interval))

	appCfg := loadAndValidateConfig(configFile, log)
	names = resolveCrawlNames(appCfg, names, all, log)

	ctx, cancel := signalContext(log)
	defer cancel()

	rt, err := newRuntime(ctx, appCfg, log)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	defer rt.close()

	watcher := watch.NewWatcher(appCfg, rt.registry, names, interval, log.WithField("component", "watch"))
	if err := watcher.Run(ctx); err != nil {
		log.Errorf("Watcher error: %v", err)
		return 1
	}

	log.Info("Watch mode stopped")
	return 0
}
