package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/adrg/xdg"

	"archive-mirror/pkg/models"
	"archive-mirror/pkg/utils"
)

const (
	defaultArchiveBaseURL = "https://archive.org"
	defaultRelatedBaseURL = "https://be-api.us.archive.org"
	defaultUserAgent      = AppName + "/1.0"
	defaultConcurrency    = 10
)

// DefaultStateDir is where the hash store and watch state live unless configured
func DefaultStateDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// DefaultCacheDir is the cache location used when no directories are configured
func DefaultCacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName)
}

// DefaultDetailsSearch is used for details/all items that have no search of their own
func DefaultDetailsSearch() models.Search {
	return models.Search{{Sort: "-downloads", Rows: 40, Level: models.LevelTile}}
}

// DefaultDetailsRelated is used for details/all items that have no related spec of their own
func DefaultDetailsRelated() *models.RelatedSpec {
	return &models.RelatedSpec{Rows: 6, Level: models.LevelTile}
}

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.ArchiveBaseURL == "" {
		c.ArchiveBaseURL = defaultArchiveBaseURL
	}
	if _, perr := url.ParseRequestURI(c.ArchiveBaseURL); perr != nil {
		return warnings, fmt.Errorf("%w: archive_base_url %q: %w", utils.ErrConfigValidation, c.ArchiveBaseURL, perr)
	}
	if c.RelatedBaseURL == "" {
		c.RelatedBaseURL = defaultRelatedBaseURL
	}
	if _, perr := url.ParseRequestURI(c.RelatedBaseURL); perr != nil {
		return warnings, fmt.Errorf("%w: related_base_url %q: %w", utils.ErrConfigValidation, c.RelatedBaseURL, perr)
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}

	// StateDir
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
		warnings = append(warnings, fmt.Sprintf("state_dir is empty, defaulting to '%s'", c.StateDir))
	}

	// Directories
	if len(c.Directories) == 0 {
		c.Directories = []string{DefaultCacheDir()}
		warnings = append(warnings, fmt.Sprintf("directories is empty, defaulting to '%s'", c.Directories[0]))
	}
	for i, dir := range c.Directories {
		c.Directories[i] = filepath.Clean(dir)
	}

	// MaxRequests
	if c.MaxRequests <= 0 {
		warnings = append(warnings, "max_requests should be > 0, defaulting to 10")
		c.MaxRequests = 10
	}

	// MaxRequestsPerHost
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 4")
		c.MaxRequestsPerHost = 4
	}

	if c.DefaultDelayPerHost < 0 {
		warnings = append(warnings, "default_delay_per_host cannot be negative, setting to 0")
		c.DefaultDelayPerHost = 0
	}
	if c.RequestsPerSecondPerHost < 0 {
		warnings = append(warnings, "requests_per_second_per_host cannot be negative, disabling")
		c.RequestsPerSecondPerHost = 0
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 3
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}
	if c.ConnectivityProbeInterval <= 0 {
		c.ConnectivityProbeInterval = 30 * time.Second
	}
	if c.DirectoryRescanInterval <= 0 {
		c.DirectoryRescanInterval = 15 * time.Second
	}
	if c.PerTaskTimeout < 0 {
		warnings = append(warnings, "per_task_timeout cannot be negative, disabling timeout")
		c.PerTaskTimeout = 0
	}

	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 5 * time.Minute // File bodies can be large
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 4
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// CrawlNames returns the configured crawl names in sorted order
func (c *AppConfig) CrawlNames() []string {
	names := make([]string, 0, len(c.Crawls))
	for name := range c.Crawls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Crawl returns a validated copy of the named crawl, with Name defaulted to the key
func (c *AppConfig) Crawl(name string) (CrawlConfig, []string, error) {
	crawlCfg, ok := c.Crawls[name]
	if !ok {
		return CrawlConfig{}, nil, fmt.Errorf("%w: crawl %q not found in configuration", utils.ErrConfigValidation, name)
	}
	if crawlCfg.Name == "" {
		crawlCfg.Name = name
	}
	crawlCfg.Tasks = slices.Clone(crawlCfg.Tasks) // Validate writes seed defaults in place
	warnings, err := crawlCfg.Validate()
	if err != nil {
		return CrawlConfig{}, warnings, fmt.Errorf("crawl %q: %w", name, err)
	}
	return crawlCfg, warnings, nil
}

// Validate checks CrawlConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place.
func (c *CrawlConfig) Validate() (warnings []string, err error) {
	if c.Concurrency <= 0 {
		if c.Concurrency < 0 {
			warnings = append(warnings, fmt.Sprintf("concurrency should be > 0, defaulting to %d", defaultConcurrency))
		}
		c.Concurrency = defaultConcurrency
	}
	if c.MaxFileSize < 0 {
		warnings = append(warnings, "max_file_size cannot be negative, setting to 0 (unlimited)")
		c.MaxFileSize = 0
	}
	if c.TotalTaskBudget < 0 {
		warnings = append(warnings, "total_task_budget cannot be negative, setting to 0 (unlimited)")
		c.TotalTaskBudget = 0
	}
	if c.Destination != "" {
		c.Destination = filepath.Clean(c.Destination)
	}

	if c.DefaultDetailsSearch == nil {
		c.DefaultDetailsSearch = DefaultDetailsSearch()
	}
	if c.DefaultDetailsRelated == nil {
		c.DefaultDetailsRelated = DefaultDetailsRelated()
	}
	w, err := validateSearch("default_details_search", c.DefaultDetailsSearch)
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}
	w, err = validateRelated("default_details_related", c.DefaultDetailsRelated)
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}

	for i := range c.Tasks {
		w, err := c.Tasks[i].validate(fmt.Sprintf("tasks[%d]", i))
		warnings = append(warnings, w...)
		if err != nil {
			return warnings, err
		}
	}
	if len(c.Tasks) == 0 {
		warnings = append(warnings, "crawl has no tasks; it will only run one-off additions")
	}

	return warnings, nil
}

// validate checks one seed and defaults its level to details
func (s *SeedSpec) validate(path string) (warnings []string, err error) {
	if s.Level == "" {
		warnings = append(warnings, fmt.Sprintf("%s has no level, defaulting to 'details'", path))
		s.Level = models.LevelDetails
	}
	if s.Level, err = checkLevel(path, s.Level); err != nil {
		return warnings, err
	}
	if len(s.Identifier) > 0 && s.Query != "" {
		warnings = append(warnings, fmt.Sprintf("%s has both identifier and query; the query is ignored", path))
		s.Query = ""
	}
	w, err := validateSearch(path+".search", s.Search)
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}
	w, err = validateRelated(path+".related", s.Related)
	return append(warnings, w...), err
}

func checkLevel(path string, l models.Level) (models.Level, error) {
	parsed, err := models.ParseLevel(string(l))
	if err != nil {
		return l, fmt.Errorf("%w: %s: %w", utils.ErrConfigValidation, path, err)
	}
	return parsed, nil
}

func validateSearch(path string, search models.Search) (warnings []string, err error) {
	for i := range search {
		page := &search[i]
		pagePath := fmt.Sprintf("%s[%d]", path, i)
		if page.Rows < 0 {
			return warnings, fmt.Errorf("%w: %s: rows cannot be negative", utils.ErrConfigValidation, pagePath)
		}
		if page.Level == "" {
			warnings = append(warnings, fmt.Sprintf("%s has no level, defaulting to 'tile'", pagePath))
			page.Level = models.LevelTile
		}
		if page.Level, err = checkLevel(pagePath, page.Level); err != nil {
			return warnings, err
		}
		if i > 0 && page.Sort != search[0].Sort {
			warnings = append(warnings, fmt.Sprintf("%s sort %q differs from first page sort %q; members will come from the first sort order", pagePath, page.Sort, search[0].Sort))
		}
		w, err := validateSearch(pagePath+".search", page.Search)
		warnings = append(warnings, w...)
		if err != nil {
			return warnings, err
		}
		w, err = validateRelated(pagePath+".related", page.Related)
		warnings = append(warnings, w...)
		if err != nil {
			return warnings, err
		}
	}
	return warnings, nil
}

func validateRelated(path string, related *models.RelatedSpec) (warnings []string, err error) {
	if related == nil {
		return nil, nil
	}
	if related.Rows < 0 {
		return nil, fmt.Errorf("%w: %s: rows cannot be negative", utils.ErrConfigValidation, path)
	}
	if related.Level == "" {
		warnings = append(warnings, fmt.Sprintf("%s has no level, defaulting to 'tile'", path))
		related.Level = models.LevelTile
	}
	if related.Level, err = checkLevel(path, related.Level); err != nil {
		return warnings, err
	}
	w, err := validateSearch(path+".search", related.Search)
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}
	w, err = validateRelated(path+".related", related.Related)
	return append(warnings, w...), err
}
