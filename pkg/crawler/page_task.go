package crawler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/models"
)

// PageTask fetches one rendered page image of a paged document
type PageTask struct {
	taskBase
	item   *models.Item // Resolved item with metadata and manifest
	params models.PageParams
}

// NewPageTask creates a page task. item must already carry metadata.
func NewPageTask(parent Task, item *models.Item, params models.PageParams) *PageTask {
	return &PageTask{
		taskBase: taskBase{name: fmt.Sprintf("page:%s", params.Key(item.Identifier)), lineage: childLineage(parent)},
		item:     item,
		params:   params,
	}
}

// Identifier returns the owning item's identifier
func (t *PageTask) Identifier() string { return t.item.Identifier }

// Params returns the page selection
func (t *PageTask) Params() models.PageParams { return t.params }

// Process fetches the page unless an identical rendition was already handled this run
func (t *PageTask) Process(ctx context.Context, s *Scheduler) error {
	if !s.dedup.ClaimPage(t.params.Key(t.item.Identifier)) {
		s.taskLog(t).Trace("Page already handled this run, skipping")
		return nil
	}
	rec, err := s.archive.FetchPage(ctx, t.item, t.params, s.currentConfig().FetchOptions())
	if err != nil {
		return stageError("page", err)
	}
	s.taskLog(t).WithFields(logrus.Fields{"status": rec.Status, "path": rec.Path}).Trace("Page done")
	return nil
}
