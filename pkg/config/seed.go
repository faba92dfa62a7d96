package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"archive-mirror/pkg/models"
)

// SeedSpec is one configured starting point of a crawl
type SeedSpec struct {
	Identifier Identifiers         `yaml:"identifier,omitempty" json:"identifier,omitempty"`
	Query      string              `yaml:"query,omitempty" json:"query,omitempty"`
	Level      models.Level        `yaml:"level,omitempty" json:"level,omitempty"`
	Search     models.Search       `yaml:"search,omitempty" json:"search,omitempty"`
	Related    *models.RelatedSpec `yaml:"related,omitempty" json:"related,omitempty"`
}

// Depth returns the seed's depth spec
func (s SeedSpec) Depth() models.DepthSpec {
	return models.DepthSpec{Level: s.Level, Search: s.Search, Related: s.Related}
}

// Summary converts the seed for status output
func (s SeedSpec) Summary() models.SeedSummary {
	return models.SeedSummary{
		Identifier: s.Identifier,
		Query:      s.Query,
		Level:      s.Level,
		Search:     s.Search,
		Related:    s.Related,
	}
}

// Matches reports whether the seed names identifier
func (s SeedSpec) Matches(identifier string) bool {
	for _, id := range s.Identifier {
		if id == identifier {
			return true
		}
	}
	return false
}

// Narrow returns a copy of the seed restricted to one identifier
func (s SeedSpec) Narrow(identifier string) SeedSpec {
	s.Identifier = Identifiers{identifier}
	return s
}

// IsFilePath reports whether the identifier is a slash path naming one file (id/dir/file)
func IsFilePath(identifier string) bool {
	return identifier != "/" && strings.Contains(identifier, "/")
}

// Identifiers holds one or more item identifiers. It decodes from a scalar or a list.
type Identifiers []string

// UnmarshalYAML accepts `identifier: x` as well as `identifier: [x, y]`
func (ids *Identifiers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" || node.Value == "" {
			*ids = nil
			return nil
		}
		*ids = Identifiers{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*ids = list
		return nil
	}
	return fmt.Errorf("line %d: identifier must be a string or a list of strings", node.Line)
}

// UnmarshalJSON accepts "x" as well as ["x","y"]
func (ids *Identifiers) UnmarshalJSON(data []byte) error {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*ids = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single == "" {
		*ids = nil
		return nil
	}
	*ids = Identifiers{single}
	return nil
}
