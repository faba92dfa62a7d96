package models

import "time"

// FileStatus is the state of a file recorded in the hash store
type FileStatus string

const (
	FileStatusUnset   FileStatus = ""        // Zero value = unset/unknown
	FileStatusFetched FileStatus = "fetched" // Body downloaded into the mirror
	FileStatusPresent FileStatus = "present" // Seen while skipping fetches; no body on disk
	FileStatusCached  FileStatus = "cached"  // Already in a cache directory, not refetched
)

// String implements fmt.Stringer for logging
func (s FileStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s FileStatus) IsValid() bool {
	switch s {
	case FileStatusFetched, FileStatusPresent, FileStatusCached:
		return true
	}
	return false
}

// CrawlStatus is the report surface of one scheduler
type CrawlStatus struct {
	Name    string            `json:"name"`
	Handle  string            `json:"handle,omitempty"`
	Queue   QueueStatus       `json:"queue"`
	Options ReportableOptions `json:"opts"`
	Seeds   []SeedSummary     `json:"initial_tasks"`
	Errors  []ErrorSummary    `json:"errors"`
}

// QueueStatus describes the pending queue and the busy workers
type QueueStatus struct {
	Length      int            `json:"length"`
	Running     int            `json:"running"`
	Workers     []TaskSnapshot `json:"workers"`
	Concurrency int            `json:"concurrency"`
	Completed   int64          `json:"completed"`
	Pushed      int64          `json:"pushed"`
	Paused      bool           `json:"paused"`
	Seen        SeenCounts     `json:"seen"`
}

// SeenCounts is the size of the visited index: items, files and page renditions claimed so far
type SeenCounts struct {
	Items int `json:"items"`
	Files int `json:"files"`
	Pages int `json:"pages"`
}

// TaskSnapshot is a read-only view of a task for reporting
type TaskSnapshot struct {
	Kind       string       `json:"kind"`
	Name       string       `json:"name"`
	Identifier string       `json:"identifier,omitempty"`
	Lineage    []string     `json:"lineage,omitempty"`
	Level      Level        `json:"level,omitempty"`
	Search     Search       `json:"search,omitempty"`
	Related    *RelatedSpec `json:"related,omitempty"`
}

// ReportableOptions is the part of the crawl configuration echoed in status
type ReportableOptions struct {
	Destination             string       `json:"destination,omitempty"`
	SkipFetchFile           bool         `json:"skip_fetch_file"`
	IgnoreCache             bool         `json:"ignore_cache"`
	MaxFileSize             int64        `json:"max_file_size"`
	Concurrency             int          `json:"concurrency"`
	TotalTaskBudget         int          `json:"total_task_budget"`
	CrawlEpubs              bool         `json:"crawl_epubs"`
	CrawlSpecialPagedFormat bool         `json:"crawl_special_paged_format"`
	DebugIdentifier         string       `json:"debug_identifier,omitempty"`
	NotifyOnceOnDrain       bool         `json:"notify_once_on_drain"`
	DefaultDetailsSearch    Search       `json:"default_details_search,omitempty"`
	DefaultDetailsRelated   *RelatedSpec `json:"default_details_related,omitempty"`
}

// SeedSummary echoes one configured seed
type SeedSummary struct {
	Identifier []string     `json:"identifier,omitempty"`
	Query      string       `json:"query,omitempty"`
	Level      Level        `json:"level,omitempty"`
	Search     Search       `json:"search,omitempty"`
	Related    *RelatedSpec `json:"related,omitempty"`
}

// ErrorSummary is one entry of the run's error log
type ErrorSummary struct {
	Date    time.Time    `json:"date"`
	Lineage []string     `json:"lineage"`
	Level   Level        `json:"level,omitempty"`
	Search  Search       `json:"search,omitempty"`
	Related *RelatedSpec `json:"related,omitempty"`
	Error   ErrorDetail  `json:"error"`
}

// ErrorDetail names and describes an error
type ErrorDetail struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}
