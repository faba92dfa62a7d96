package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HomeIdentifier is the pseudo-item standing for the archive's front page
const HomeIdentifier = "home"

// searchKeyPrefix marks dedup keys of query-only items
const searchKeyPrefix = "_SEARCH_"

// Item is the crawler's working handle on one archive item or one query
type Item struct {
	Identifier   string        // Empty for query-only items
	Query        string        // Search query; set for queries and filled in for collections
	Metadata     *ItemMetadata // Nil until metadata has been fetched
	Files        []File        // Files listed by the metadata API
	Server       string        // Data node serving this item (from metadata)
	Dir          string        // Item directory on Server (from metadata)
	PageManifest []PageLeaf    // Nil until the paged-document manifest has been fetched
	Sort         string        // Sort order established by the first query run for this item
	Members      []Member      // Result of the last query
}

// NewItem creates an unfetched item handle
func NewItem(identifier, query string) *Item {
	return &Item{Identifier: identifier, Query: query}
}

// Key is the identity used for per-run deduplication
func (i *Item) Key() string {
	if i.Identifier != "" {
		return i.Identifier
	}
	return searchKeyPrefix + i.Query
}

// Mediatype returns the metadata mediatype, or "" before metadata is known
func (i *Item) Mediatype() string {
	if i.Metadata == nil {
		return ""
	}
	return i.Metadata.Mediatype
}

// IsCollection reports whether the item groups other items
func (i *Item) IsCollection() bool {
	return i.Mediatype() == "collection"
}

// ItemMetadata is the subset of the archive's item metadata the crawler looks at
type ItemMetadata struct {
	Identifier         string     `json:"identifier"`
	Mediatype          string     `json:"mediatype"`
	Title              StringList `json:"title,omitempty"`
	Collection         StringList `json:"collection,omitempty"`
	BookreaderDefaults string     `json:"bookreader-defaults,omitempty"`
}

// File is one file of an item as listed by the metadata API
type File struct {
	Identifier string    `json:"identifier,omitempty"` // Filled in by the client, not by the API
	Name       string    `json:"name"`
	Format     string    `json:"format,omitempty"`
	Source     string    `json:"source,omitempty"`
	Size       FlexInt64 `json:"size,omitempty"`
	SHA1       string    `json:"sha1,omitempty"`
}

// Key is the per-run identity of the file
func (f File) Key() string {
	return f.Identifier + "/" + f.Name
}

// Member is one entry of a search or related-items result
type Member struct {
	Identifier string     `json:"identifier"`
	Mediatype  string     `json:"mediatype,omitempty"`
	Title      string     `json:"title,omitempty"`
	Collection StringList `json:"collection,omitempty"`
	Downloads  int64      `json:"downloads,omitempty"`
	Query      string     `json:"query,omitempty"` // Only for mediatype "search": the saved query
}

// PageLeaf is one entry of a paged document's manifest
type PageLeaf struct {
	LeafNum int    `json:"leafNum"`
	URI     string `json:"uri"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// PageRequest asks for a page either near a target width or at an explicit scale
type PageRequest struct {
	IdealWidth int
	Scale      int
}

// PageParams selects one rendered page image
type PageParams struct {
	Page   string `json:"page,omitempty"` // Named page such as cover_t.jpg
	Zip    string `json:"zip,omitempty"`
	File   string `json:"file,omitempty"`
	Scale  int    `json:"scale,omitempty"`
	Rotate int    `json:"rotate,omitempty"`
}

// Key is the per-run identity of the page; every rendering parameter takes part
func (p PageParams) Key(identifier string) string {
	pageOrZip := p.Page
	if pageOrZip == "" {
		pageOrZip = p.Zip
	}
	return fmt.Sprintf("%s/%s/%s/%d/%d", identifier, pageOrZip, p.File, p.Scale, p.Rotate)
}

// FetchOptions are the per-crawl switches handed to every fetch
type FetchOptions struct {
	Destination   string // Mirror directory; empty means the first cache directory
	SkipFetchFile bool   // Record presence only, never download file bodies
	IgnoreCache   bool   // Refetch even when a cached copy exists
}

// QueryOptions controls one search query
type QueryOptions struct {
	Sort string
	Rows int
}

// FileRecord is what the mirror remembers about a file in the hash store
type FileRecord struct {
	Status    FileStatus `json:"status"`
	Path      string     `json:"path,omitempty"`
	Size      int64      `json:"size"`
	SHA1      string     `json:"sha1,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StringList decodes archive fields that are sometimes a string and sometimes a list
type StringList []string

// UnmarshalJSON accepts "a" as well as ["a","b"]
func (s *StringList) UnmarshalJSON(data []byte) error {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single == "" {
		*s = nil
		return nil
	}
	*s = StringList{single}
	return nil
}

// Contains reports whether any entry equals v
func (s StringList) Contains(v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// First returns the first entry or ""
func (s StringList) First() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// FlexInt64 decodes sizes the archive reports as quoted strings
type FlexInt64 int64

// UnmarshalJSON accepts 123 as well as "123"
func (n *FlexInt64) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", raw, err)
	}
	*n = FlexInt64(v)
	return nil
}
