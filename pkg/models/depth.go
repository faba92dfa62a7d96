package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Level is how deep a crawl goes into one item
type Level string

const (
	LevelTile     Level = "tile"     // Thumbnail only
	LevelMetadata Level = "metadata" // Thumbnail + metadata
	LevelDetails  Level = "details"  // Metadata + minimum file set + related + pages
	LevelAll      Level = "all"      // Every file the item has
)

var levelOrder = []Level{LevelTile, LevelMetadata, LevelDetails, LevelAll}

// Rank returns the position of the level in tile < metadata < details < all, or -1 if unknown
func (l Level) Rank() int {
	for i, candidate := range levelOrder {
		if candidate == l {
			return i
		}
	}
	return -1
}

// AtLeast reports whether l is at or above min. Unknown levels are never at least anything.
func (l Level) AtLeast(min Level) bool {
	r := l.Rank()
	return r >= 0 && r >= min.Rank()
}

// String implements fmt.Stringer for logging
func (l Level) String() string {
	if l == "" {
		return "unset"
	}
	return string(l)
}

// ParseLevel validates a level name
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l.Rank() < 0 {
		return "", fmt.Errorf("unknown level %q (want one of tile, metadata, details, all)", s)
	}
	return l, nil
}

// SearchPage is one page of a search spec: which members to take and how deep to crawl them
type SearchPage struct {
	Sort    string       `yaml:"sort,omitempty" json:"sort,omitempty"`
	Rows    int          `yaml:"rows" json:"rows"`
	Level   Level        `yaml:"level,omitempty" json:"level,omitempty"`
	Search  Search       `yaml:"search,omitempty" json:"search,omitempty"`
	Related *RelatedSpec `yaml:"related,omitempty" json:"related,omitempty"`
}

// Search is an ordered list of search pages. It decodes from either a single mapping or a list.
type Search []SearchPage

// RelatedSpec describes how to explore the items related to an item
type RelatedSpec struct {
	Rows    int          `yaml:"rows" json:"rows"`
	Level   Level        `yaml:"level,omitempty" json:"level,omitempty"`
	Search  Search       `yaml:"search,omitempty" json:"search,omitempty"`
	Related *RelatedSpec `yaml:"related,omitempty" json:"related,omitempty"`
}

// DepthSpec is the full crawl depth requested for one item
type DepthSpec struct {
	Level   Level        `yaml:"level" json:"level"`
	Search  Search       `yaml:"search,omitempty" json:"search,omitempty"`
	Related *RelatedSpec `yaml:"related,omitempty" json:"related,omitempty"`
}

// UnmarshalYAML accepts `search: {rows: 10}` as well as `search: [{rows: 10}]`
func (s *Search) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var page SearchPage
		if err := node.Decode(&page); err != nil {
			return err
		}
		*s = Search{page}
		return nil
	case yaml.SequenceNode:
		var pages []SearchPage
		if err := node.Decode(&pages); err != nil {
			return err
		}
		*s = pages
		return nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*s = nil
			return nil
		}
	}
	return fmt.Errorf("line %d: search must be a mapping or a list of mappings", node.Line)
}

// UnmarshalJSON mirrors UnmarshalYAML for tool/API input
func (s *Search) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var page SearchPage
		if err := json.Unmarshal(data, &page); err != nil {
			return err
		}
		*s = Search{page}
		return nil
	}
	var pages []SearchPage
	if err := json.Unmarshal(data, &pages); err != nil {
		return err
	}
	*s = pages
	return nil
}

// TotalRows is the number of rows needed to satisfy every page in one query
func (s Search) TotalRows() int {
	total := 0
	for _, page := range s {
		total += page.Rows
	}
	return total
}

// Depth returns the page as the depth spec given to each member it selects
func (p SearchPage) Depth() DepthSpec {
	return DepthSpec{Level: p.Level, Search: p.Search, Related: p.Related}
}

// Depth returns the related spec as the depth spec given to each related member
func (r *RelatedSpec) Depth() DepthSpec {
	if r == nil {
		return DepthSpec{}
	}
	return DepthSpec{Level: r.Level, Search: r.Search, Related: r.Related}
}

// --- Dominance ---

// DominatedBy reports whether a crawl at d is already covered by an earlier crawl at prior
func (d DepthSpec) DominatedBy(prior DepthSpec) bool {
	return d.Level.Rank() <= prior.Level.Rank() &&
		SearchDominatedBy(d.Search, prior.Search) &&
		RelatedDominatedBy(d.Related, prior.Related)
}

// SearchDominatedBy compares search specs page by page. Sort and rows must match exactly
// since a different sort or page size selects a different set of members.
func SearchDominatedBy(a, b Search) bool {
	if len(a) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		pa, pb := a[i], b[i]
		if pa.Sort != pb.Sort || pa.Rows != pb.Rows {
			return false
		}
		if pa.Level.Rank() > pb.Level.Rank() {
			return false
		}
		if !SearchDominatedBy(pa.Search, pb.Search) || !RelatedDominatedBy(pa.Related, pb.Related) {
			return false
		}
	}
	return true
}

// RelatedDominatedBy compares related specs; fewer rows at a shallower level are covered
func RelatedDominatedBy(a, b *RelatedSpec) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	return a.Rows <= b.Rows &&
		a.Level.Rank() <= b.Level.Rank() &&
		SearchDominatedBy(a.Search, b.Search) &&
		RelatedDominatedBy(a.Related, b.Related)
}
