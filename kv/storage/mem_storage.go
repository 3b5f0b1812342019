package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
)

const memBtreeDegree = 32

// MemStorage is a VersionStore backed by memory. Data is not written to disk. It is intended for testing and the
// simulator.
type MemStorage struct {
	mu   sync.RWMutex
	data *btree.BTree
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		data: btree.New(memBtreeDegree),
	}
}

func (s *MemStorage) Reader() (StorageReader, error) {
	return &memReader{s}, nil
}

func (s *MemStorage) Write(batch []Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		switch data := m.Data.(type) {
		case Put:
			value := append([]byte{}, data.Value...)
			s.data.ReplaceOrInsert(&memItem{key: append([]byte(nil), data.Key...), version: data.Version, value: value})
		case Delete:
			s.data.ReplaceOrInsert(&memItem{key: append([]byte(nil), data.Key...), version: data.Version, deleted: true})
		}
	}
	return nil
}

func (s *MemStorage) Close() error {
	return nil
}

// Len returns the number of stored versions, tombstones included.
func (s *MemStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Len()
}

// memReader reads the live MemStorage. Versions are immutable once written, so reads at a fixed snapshot are stable.
type memReader struct {
	inner *MemStorage
}

func (r *memReader) Get(key []byte, snapshot order.Version) ([]byte, error) {
	r.inner.mu.RLock()
	defer r.inner.mu.RUnlock()
	var result *memItem
	r.inner.data.AscendGreaterOrEqual(&memItem{key: key, version: snapshot}, func(i btree.Item) bool {
		item := i.(*memItem)
		if bytes.Equal(item.key, key) {
			result = item
		}
		return false
	})
	if result == nil || result.deleted {
		return nil, nil
	}
	return result.value, nil
}

func (r *memReader) Scan(start, end []byte, snapshot order.Version, fn func(key, value []byte) bool) error {
	type kv struct{ key, value []byte }
	var pairs []kv
	r.inner.mu.RLock()
	var last []byte
	r.inner.data.AscendGreaterOrEqual(&memItem{key: start, version: order.MaxVersion}, func(i btree.Item) bool {
		item := i.(*memItem)
		if len(end) > 0 && bytes.Compare(item.key, end) >= 0 {
			return false
		}
		if last != nil && bytes.Equal(item.key, last) {
			return true
		}
		if snapshot.Less(item.version) {
			return true
		}
		last = item.key
		if !item.deleted {
			pairs = append(pairs, kv{item.key, item.value})
		}
		return true
	})
	r.inner.mu.RUnlock()

	for _, p := range pairs {
		if !fn(p.key, p.value) {
			break
		}
	}
	return nil
}

func (r *memReader) Close() {}

// memItem sorts by key ascending, then version descending.
type memItem struct {
	key     []byte
	version order.Version
	value   []byte
	deleted bool
}

func (it *memItem) Less(than btree.Item) bool {
	other := than.(*memItem)
	if c := bytes.Compare(it.key, other.key); c != 0 {
		return c < 0
	}
	return other.version.Less(it.version)
}
