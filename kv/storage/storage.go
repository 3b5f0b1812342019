package storage

import "github.com/pingcap-incubator/tinyshard/kv/transaction/order"

// VersionStore is the versioned row store a shard commits into. Only the commit path of a shard writes to it.
type VersionStore interface {
	// Write applies a batch atomically. Writing the same key and version twice leaves a single version.
	Write(batch []Modify) error
	Reader() (StorageReader, error)
	Close() error
}

// StorageReader reads a consistent view of a VersionStore.
type StorageReader interface {
	// Get returns the newest value of key with a version not above snapshot, or nil if there is none or it is deleted.
	Get(key []byte, snapshot order.Version) ([]byte, error)
	// Scan calls fn for every live key in [start, end) in key order, with the value visible at snapshot. An empty end
	// means no upper bound. Scanning stops when fn returns false.
	Scan(start, end []byte, snapshot order.Version, fn func(key, value []byte) bool) error
	Close()
}
