package storage

import (
	"context"
	"time"
)

// HashStore is a table/key/value store. A missing key is not an error.
type HashStore interface {
	// Put stores value under table/key, replacing any previous value
	Put(table, key string, value []byte) error

	// PutBatch stores several keys of one table in as few transactions as possible
	PutBatch(table string, entries map[string][]byte) error

	// Get returns the value and whether it exists
	Get(table, key string) (value []byte, exists bool, err error)

	// Keys lists the keys of a table in byte order
	Keys(table string) ([]string, error)

	// DestroyTable removes every key of a table and returns how many were removed
	DestroyTable(table string) (int, error)
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// Count returns the number of keys across all tables
	Count() int

	// WriteKeysLog writes every key of a table to the specified file, one per line
	WriteKeysLog(table, filePath string) error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database
	Close() error
}

// Store combines all store interfaces for components that need full access
type Store interface {
	HashStore
	StoreAdmin
}
