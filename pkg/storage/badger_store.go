package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/log"
	"archive-mirror/pkg/utils"
)

const (
	tableSeparator = ":"        // Keys are stored as <table>:<key>
	hashStoreDir   = "hashstore" // Subdirectory name within stateDir for Badger DB files
	batchChunkSize = 1000       // Keys per transaction in PutBatch
)

// Open retries cover another process still holding the directory lock
var (
	openRetries    = 5
	openRetryDelay = 500 * time.Millisecond
)

// BadgerStore implements Store using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	ctx      context.Context // Parent context
	keyCount atomic.Int64    // Cached key count for O(1) Count
}

// NewBadgerStore opens (or creates) the hash store under stateDir
func NewBadgerStore(ctx context.Context, stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	dbPath := filepath.Join(stateDir, hashStoreDir)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	logger.Infof("Opening hash store at: %s", dbPath)
	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogger(logger)).
		WithNumVersionsToKeep(1)

	return openStore(ctx, opts, logger)
}

// NewInMemoryBadgerStore opens a store that lives only as long as the process
func NewInMemoryBadgerStore(ctx context.Context, logger *logrus.Entry) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(log.NewBadgerLogger(logger))
	return openStore(ctx, opts, logger)
}

func openStore(ctx context.Context, opts badger.Options, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger, ctx: ctx}

	var err error
	for attempt := 1; attempt <= openRetries; attempt++ {
		store.db, err = badger.Open(opts)
		if err == nil {
			break
		}
		logger.Warnf("Hash store open failed (attempt %d/%d): %v", attempt, openRetries, err)
		if attempt == openRetries {
			break
		}
		select {
		case <-time.After(openRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %q: %w", utils.ErrDatabase, opts.Dir, err)
	}

	count, err := store.countKeys("")
	if err != nil {
		logger.Warnf("Failed to count existing keys: %v", err)
	} else {
		store.keyCount.Store(int64(count))
	}
	logger.Debugf("Hash store ready with %d keys", count)
	return store, nil
}

func tableKey(table, key string) []byte {
	return []byte(table + tableSeparator + key)
}

func tablePrefix(table string) []byte {
	return []byte(table + tableSeparator)
}

func checkTable(table string) error {
	if table == "" || strings.Contains(table, tableSeparator) {
		return fmt.Errorf("%w: invalid table name %q", utils.ErrDatabase, table)
	}
	return nil
}

// countKeys scans keys under a table prefix, or every key when table is empty
func (s *BadgerStore) countKeys(table string) (int, error) {
	var prefix []byte
	if table != "" {
		prefix = tablePrefix(table)
	}
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Put implements HashStore
func (s *BadgerStore) Put(table, key string, value []byte) error {
	return s.PutBatch(table, map[string][]byte{key: value})
}

// PutBatch implements HashStore
func (s *BadgerStore) PutBatch(table string, entries map[string][]byte) error {
	if err := checkTable(table); err != nil {
		return err
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}

	for start := 0; start < len(keys); start += batchChunkSize {
		chunk := keys[start:min(start+batchChunkSize, len(keys))]
		added := 0
		err := s.dbUpdate(func(txn *badger.Txn) error {
			added = 0 // Reset on conflict retry
			for _, k := range chunk {
				dbKey := tableKey(table, k)
				if _, errGet := txn.Get(dbKey); errors.Is(errGet, badger.ErrKeyNotFound) {
					added++
				} else if errGet != nil {
					return errGet
				}
				if err := txn.SetEntry(badger.NewEntry(dbKey, entries[k])); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.log.WithField("table", table).Errorf("DB Update error in PutBatch: %v", err)
			return fmt.Errorf("%w: writing %d keys to table %q: %w", utils.ErrDatabase, len(chunk), table, err)
		}
		s.keyCount.Add(int64(added))
	}
	return nil
}

// PutJSON stores v encoded as JSON
func (s *BadgerStore) PutJSON(table, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: JSON encode for %s/%s: %w", utils.ErrParsing, table, key, err)
	}
	return s.Put(table, key, data)
}

// Get implements HashStore
func (s *BadgerStore) Get(table, key string) ([]byte, bool, error) {
	if err := checkTable(table); err != nil {
		return nil, false, err
	}
	var value []byte
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(tableKey(table, key))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil // Key not found is not an error for this function's purpose
		}
		if errGet != nil {
			return errGet
		}
		found = true
		value, errGet = item.ValueCopy(nil)
		return errGet
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading %s/%s: %w", utils.ErrDatabase, table, key, err)
	}
	return value, found, nil
}

// GetJSON decodes the stored value into v; returns false when the key is absent
func (s *BadgerStore) GetJSON(table, key string, v any) (bool, error) {
	data, found, err := s.Get(table, key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("%w: JSON decode for %s/%s: %w", utils.ErrParsing, table, key, err)
	}
	return true, nil
}

// Keys implements HashStore
func (s *BadgerStore) Keys(table string) ([]string, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	prefix := tablePrefix(table)
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing table %q: %w", utils.ErrDatabase, table, err)
	}
	return keys, nil
}

// DestroyTable implements HashStore
func (s *BadgerStore) DestroyTable(table string) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	n, err := s.countKeys(table)
	if err != nil {
		return 0, fmt.Errorf("%w: counting table %q: %w", utils.ErrDatabase, table, err)
	}
	if err := s.db.DropPrefix(tablePrefix(table)); err != nil {
		return 0, fmt.Errorf("%w: dropping table %q: %w", utils.ErrDatabase, table, err)
	}
	s.keyCount.Add(int64(-n))
	s.log.WithField("table", table).Infof("Destroyed table (%d keys)", n)
	return n, nil
}

// Count implements StoreAdmin. Returns the cached key count maintained on writes.
func (s *BadgerStore) Count() int {
	return int(s.keyCount.Load())
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for err == nil {
				// Run GC if log is at least 50% reclaimable space
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping hash store GC: %v", ctx.Err())
			return
		}
	}
}

// WriteKeysLog implements StoreAdmin
func (s *BadgerStore) WriteKeysLog(table, filePath string) error {
	keys, err := s.Keys(table)
	if err != nil {
		return err
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create keys log %q: %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for i, k := range keys {
		if i%5000 == 0 && s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		if _, err := writer.WriteString(k + "\n"); err != nil {
			return fmt.Errorf("%w: write keys log %q: %w", utils.ErrFilesystem, filePath, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush keys log %q: %w", utils.ErrFilesystem, filePath, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: sync keys log %q: %w", utils.ErrFilesystem, filePath, err)
	}
	s.log.Infof("Wrote %d keys of table %q to %s", len(keys), table, filePath)
	return nil
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing hash store: %v", err)
		return err
	}
	s.log.Debug("Hash store closed")
	return nil
}
