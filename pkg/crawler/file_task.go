package crawler

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/models"
	"archive-mirror/pkg/utils"
)

// FileTask fetches one file of an item into the mirror
type FileTask struct {
	taskBase
	identifier string
	filename   string
	file       *models.File // Nil until resolved when built from a path
}

// NewFileTask creates a task for a file already known from item metadata
func NewFileTask(parent Task, file *models.File) *FileTask {
	return &FileTask{
		taskBase:   taskBase{name: file.Key(), lineage: childLineage(parent)},
		identifier: file.Identifier,
		filename:   file.Name,
		file:       file,
	}
}

// NewFilePathTask creates a task for an "identifier/path/in/item" seed. The file is resolved
// against the item's metadata when the task runs.
func NewFilePathTask(parent Task, filePath string) *FileTask {
	identifier, filename, _ := strings.Cut(strings.TrimPrefix(filePath, "/"), "/")
	return &FileTask{
		taskBase:   taskBase{name: identifier + "/" + filename, lineage: childLineage(parent)},
		identifier: identifier,
		filename:   filename,
	}
}

// Identifier returns the owning item's identifier
func (t *FileTask) Identifier() string { return t.identifier }

// Process resolves the file if needed, enforces the size ceiling and fetches it
func (t *FileTask) Process(ctx context.Context, s *Scheduler) error {
	if !s.dedup.ClaimFile(t.identifier + "/" + t.filename) {
		s.taskLog(t).Trace("File already handled this run, skipping")
		return nil
	}

	cfg := s.currentConfig()
	opts := cfg.FetchOptions()

	file := t.file
	if file == nil {
		resolved, err := s.archive.ResolveFile(ctx, t.identifier, t.filename, opts)
		if err != nil {
			return stageError("resolve", err)
		}
		file = &resolved
	}

	if cfg.MaxFileSize > 0 && int64(file.Size) > cfg.MaxFileSize {
		return fmt.Errorf("%w: %s is %s, limit is %s", utils.ErrFileTooLarge, file.Key(),
			humanize.IBytes(uint64(file.Size)), humanize.IBytes(uint64(cfg.MaxFileSize)))
	}

	rec, err := s.archive.FetchFile(ctx, *file, opts)
	if err != nil {
		return stageError("file", err)
	}
	s.taskLog(t).WithFields(logrus.Fields{"status": rec.Status, "size": humanize.IBytes(uint64(rec.Size))}).Debug("File done")
	return nil
}
