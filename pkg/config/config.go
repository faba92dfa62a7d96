package config

import (
	"time"

	"archive-mirror/pkg/models"
)

// AppName names the default state and cache directories
const AppName = "archive-mirror"

// CrawlConfig holds configuration for one crawl (one scheduler)
type CrawlConfig struct {
	Name                    string              `yaml:"name,omitempty"`
	Destination             string              `yaml:"destination,omitempty"`     // Mirror target; empty = first cache directory
	SkipFetchFile           bool                `yaml:"skip_fetch_file,omitempty"` // Record file presence only, no downloads
	IgnoreCache             bool                `yaml:"ignore_cache,omitempty"`    // Refetch even if cached
	MaxFileSize             int64               `yaml:"max_file_size,omitempty"`   // Bytes; 0 = unlimited
	Concurrency             int                 `yaml:"concurrency,omitempty"`
	TotalTaskBudget         int                 `yaml:"total_task_budget,omitempty"` // Cap on admitted pushes; 0 = unlimited
	CrawlEpubs              bool                `yaml:"crawl_epubs,omitempty"`
	CrawlSpecialPagedFormat bool                `yaml:"crawl_special_paged_format,omitempty"` // Palm-leaf items get three renditions per page
	DefaultDetailsSearch    models.Search       `yaml:"default_details_search,omitempty"`
	DefaultDetailsRelated   *models.RelatedSpec `yaml:"default_details_related,omitempty"`
	NotifyOnceOnDrain       bool                `yaml:"notify_once_on_drain,omitempty"`
	DebugIdentifier         string              `yaml:"debug_identifier,omitempty"` // Tasks for this identifier log at info level
	Tasks                   []SeedSpec          `yaml:"tasks"`
}

// AppConfig holds the global application configuration
type AppConfig struct {
	ArchiveBaseURL            string                 `yaml:"archive_base_url,omitempty"`
	RelatedBaseURL            string                 `yaml:"related_base_url,omitempty"`
	UserAgent                 string                 `yaml:"user_agent,omitempty"`
	StateDir                  string                 `yaml:"state_dir,omitempty"`
	Directories               []string               `yaml:"directories,omitempty"` // Cache locations; only existing ones count
	MaxRequests               int                    `yaml:"max_requests,omitempty"`
	MaxRequestsPerHost        int                    `yaml:"max_requests_per_host,omitempty"`
	DefaultDelayPerHost       time.Duration          `yaml:"default_delay_per_host,omitempty"`
	RequestsPerSecondPerHost  float64                `yaml:"requests_per_second_per_host,omitempty"` // Token bucket on top of the delay; 0 = off
	MaxRetries                int                    `yaml:"max_retries,omitempty"`
	InitialRetryDelay         time.Duration          `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay             time.Duration          `yaml:"max_retry_delay,omitempty"`
	SemaphoreAcquireTimeout   time.Duration          `yaml:"semaphore_acquire_timeout,omitempty"`
	ConnectivityProbeInterval time.Duration          `yaml:"connectivity_probe_interval,omitempty"`
	DirectoryRescanInterval   time.Duration          `yaml:"directory_rescan_interval,omitempty"`
	PerTaskTimeout            time.Duration          `yaml:"per_task_timeout,omitempty"` // 0 = no timeout
	HTTPClientSettings        HTTPClientConfig       `yaml:"http_client_settings,omitempty"`
	Crawls                    map[string]CrawlConfig `yaml:"crawls"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// FetchOptions returns the per-fetch switches of this crawl
func (c CrawlConfig) FetchOptions() models.FetchOptions {
	return models.FetchOptions{
		Destination:   c.Destination,
		SkipFetchFile: c.SkipFetchFile,
		IgnoreCache:   c.IgnoreCache,
	}
}

// Reportable returns the options echoed in status reports
func (c CrawlConfig) Reportable() models.ReportableOptions {
	return models.ReportableOptions{
		Destination:             c.Destination,
		SkipFetchFile:           c.SkipFetchFile,
		IgnoreCache:             c.IgnoreCache,
		MaxFileSize:             c.MaxFileSize,
		Concurrency:             c.Concurrency,
		TotalTaskBudget:         c.TotalTaskBudget,
		CrawlEpubs:              c.CrawlEpubs,
		CrawlSpecialPagedFormat: c.CrawlSpecialPagedFormat,
		DebugIdentifier:         c.DebugIdentifier,
		NotifyOnceOnDrain:       c.NotifyOnceOnDrain,
		DefaultDetailsSearch:    c.DefaultDetailsSearch,
		DefaultDetailsRelated:   c.DefaultDetailsRelated,
	}
}
