package crawler

import (
	"context"
	"slices"

	"archive-mirror/pkg/models"
)

// Task is one unit of crawl work
type Task interface {
	Name() string
	Lineage() []string  // Ancestor names, oldest first
	Identifier() string // Item identifier, "" for query tasks
	Process(ctx context.Context, s *Scheduler) error
}

// taskBase carries the fields every task shares
type taskBase struct {
	name    string
	lineage []string
}

func (b taskBase) Name() string { return b.name }

func (b taskBase) Lineage() []string { return b.lineage }

// childLineage returns parent's lineage extended by parent itself
func childLineage(parent Task) []string {
	if parent == nil {
		return nil
	}
	return append(slices.Clone(parent.Lineage()), parent.Name())
}

// fullLineage is the lineage of t including t
func fullLineage(t Task) []string {
	return append(slices.Clone(t.Lineage()), t.Name())
}

// snapshot returns the reporting view of a task
func snapshot(t Task) models.TaskSnapshot {
	snap := models.TaskSnapshot{
		Name:       t.Name(),
		Identifier: t.Identifier(),
		Lineage:    t.Lineage(),
	}
	switch task := t.(type) {
	case *ItemTask:
		snap.Kind = "item"
		snap.Level = task.depth.Level
		snap.Search = task.depth.Search
		snap.Related = task.depth.Related
	case *FileTask:
		snap.Kind = "file"
	case *PageTask:
		snap.Kind = "page"
	}
	return snap
}

// depthOf returns the depth spec of item tasks and the zero spec otherwise
func depthOf(t Task) models.DepthSpec {
	if item, ok := t.(*ItemTask); ok {
		return item.depth
	}
	return models.DepthSpec{}
}
