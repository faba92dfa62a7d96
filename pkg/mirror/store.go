package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/models"
	"archive-mirror/pkg/storage"
	"archive-mirror/pkg/utils"
)

// FilesTable is the hash store table holding one FileRecord per identifier/filename
const FilesTable = "files"

// Store lays items out as <dir>/<identifier>/<file> under the destination or a cache directory,
// and records what it has written or seen in the hash store
type Store struct {
	dirs   *Directories
	hashes storage.HashStore
	log    *logrus.Entry
}

// NewStore creates a Store. hashes may be nil, in which case nothing is recorded.
func NewStore(dirs *Directories, hashes storage.HashStore, log *logrus.Entry) *Store {
	return &Store{dirs: dirs, hashes: hashes, log: log.WithField("component", "mirror")}
}

// Directories returns the cache directory set the store reads from
func (s *Store) Directories() *Directories {
	return s.dirs
}

// Root returns the directory writes go to: the explicit destination, else the first existing cache directory
func (s *Store) Root(opts models.FetchOptions) (string, error) {
	if opts.Destination != "" {
		return opts.Destination, nil
	}
	dirs := s.dirs.List()
	if len(dirs) == 0 {
		return "", fmt.Errorf("%w: no destination configured and no cache directory exists", utils.ErrFilesystem)
	}
	return dirs[0], nil
}

// Lookup finds an existing copy of identifier/name, checking the destination first, then every cache directory
func (s *Store) Lookup(opts models.FetchOptions, identifier, name string) (string, bool) {
	rel, err := utils.CleanRelPath(identifier + "/" + name)
	if err != nil {
		return "", false
	}
	roots := s.dirs.List()
	if opts.Destination != "" {
		roots = append([]string{opts.Destination}, roots...)
	}
	for _, root := range roots {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// ReadFile returns the cached bytes of identifier/name, if any copy exists
func (s *Store) ReadFile(opts models.FetchOptions, identifier, name string) ([]byte, bool, error) {
	p, ok := s.Lookup(opts, identifier, name)
	if !ok {
		return nil, false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false, fmt.Errorf("%w: read %s: %w", utils.ErrFilesystem, p, err)
	}
	return data, true, nil
}

// ReadJSON decodes a cached JSON file into v
func (s *Store) ReadJSON(opts models.FetchOptions, identifier, name string, v any) (bool, error) {
	data, ok, err := s.ReadFile(opts, identifier, name)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s/%s: %w", utils.ErrParsing, identifier, name, err)
	}
	return true, nil
}

// WriteJSON writes v as identifier/name under the write root
func (s *Store) WriteJSON(opts models.FetchOptions, identifier, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s/%s: %w", utils.ErrParsing, identifier, name, err)
	}
	_, err = s.Write(opts, identifier, name, bytes.NewReader(data), WriteOptions{})
	return err
}

// WriteOptions constrains one body write
type WriteOptions struct {
	MaxSize int64  // Abort once more than MaxSize bytes arrive; 0 = unlimited
	SHA1    string // Expected checksum; a mismatch discards the write
}

// Write streams r into identifier/name under the write root via a temp file and rename.
// Concurrent writers of the same file each produce a complete file; the last rename wins.
func (s *Store) Write(opts models.FetchOptions, identifier, name string, r io.Reader, wopts WriteOptions) (models.FileRecord, error) {
	rel, err := utils.CleanRelPath(identifier + "/" + name)
	if err != nil {
		return models.FileRecord{}, err
	}
	root, err := s.Root(opts)
	if err != nil {
		return models.FileRecord{}, err
	}
	dest := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return models.FileRecord{}, fmt.Errorf("%w: mkdir %s: %w", utils.ErrFilesystem, filepath.Dir(dest), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".part-*")
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("%w: create temp for %s: %w", utils.ErrFilesystem, dest, err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	src := r
	if wopts.MaxSize > 0 {
		src = io.LimitReader(r, wopts.MaxSize+1)
	}
	n, sum, err := utils.CopyWithSHA1(tmp, src)
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("%w: write %s: %w", utils.ErrFilesystem, dest, err)
	}
	if wopts.MaxSize > 0 && n > wopts.MaxSize {
		return models.FileRecord{}, fmt.Errorf("%w: %s/%s exceeds %s", utils.ErrFileTooLarge, identifier, name, humanize.Bytes(uint64(wopts.MaxSize)))
	}
	if wopts.SHA1 != "" && wopts.SHA1 != sum {
		return models.FileRecord{}, fmt.Errorf("%w: %s/%s: expected %s, got %s", utils.ErrChecksumMismatch, identifier, name, wopts.SHA1, sum)
	}
	if err := tmp.Close(); err != nil {
		return models.FileRecord{}, fmt.Errorf("%w: close %s: %w", utils.ErrFilesystem, tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return models.FileRecord{}, fmt.Errorf("%w: rename into %s: %w", utils.ErrFilesystem, dest, err)
	}
	committed = true

	rec := models.FileRecord{Status: models.FileStatusFetched, Path: dest, Size: n, SHA1: sum, UpdatedAt: time.Now()}
	s.log.WithFields(logrus.Fields{"path": dest, "size": humanize.Bytes(uint64(n))}).Debug("Wrote file")
	return rec, s.Record(identifier, name, rec)
}

// Record stores rec for identifier/name in the hash store
func (s *Store) Record(identifier, name string, rec models.FileRecord) error {
	if s.hashes == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode record: %w", utils.ErrParsing, err)
	}
	return s.hashes.Put(FilesTable, identifier+"/"+name, data)
}

// GetRecord returns the stored record for identifier/name, if any
func (s *Store) GetRecord(identifier, name string) (models.FileRecord, bool, error) {
	var rec models.FileRecord
	if s.hashes == nil {
		return rec, false, nil
	}
	data, ok, err := s.hashes.Get(FilesTable, identifier+"/"+name)
	if err != nil || !ok {
		return rec, false, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false, fmt.Errorf("%w: record %s/%s: %w", utils.ErrParsing, identifier, name, err)
	}
	return rec, true, nil
}
