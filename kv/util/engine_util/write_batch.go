package engine_util

import (
	"encoding/binary"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

type batchEntry struct {
	key    []byte
	value  []byte
	delete bool
}

// WriteBatch collects puts and deletes over column families and applies them in one badger transaction.
type WriteBatch struct {
	entries []batchEntry
	size    int
}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

// Size is the number of key and value bytes queued.
func (wb *WriteBatch) Size() int {
	return wb.size
}

func (wb *WriteBatch) SetCF(cf string, key, val []byte) {
	wb.entries = append(wb.entries, batchEntry{key: KeyWithCF(cf, key), value: val})
	wb.size += len(key) + len(val)
}

// SetUint64CF stores v big endian, readable with GetUint64CF.
func (wb *WriteBatch) SetUint64CF(cf string, key []byte, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	wb.SetCF(cf, key, b[:])
}

func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	wb.entries = append(wb.entries, batchEntry{key: KeyWithCF(cf, key), delete: true})
	wb.size += len(key)
}

// DeletePrefixCF queues a delete of every key of cf starting with prefix, as visible in txn.
func (wb *WriteBatch) DeletePrefixCF(txn *badger.Txn, cf string, prefix []byte) error {
	return ScanPrefixCF(txn, cf, prefix, func(key, _ []byte) bool {
		wb.DeleteCF(cf, key)
		return true
	})
}

func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if len(wb.entries) == 0 {
		return nil
	}
	err := db.Update(func(txn *badger.Txn) error {
		for _, e := range wb.entries {
			var err error
			if e.delete {
				err = txn.Delete(e.key)
			} else {
				err = txn.Set(e.key, e.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Annotatef(err, "write batch of %d entries", len(wb.entries))
	}
	return nil
}

func (wb *WriteBatch) Reset() {
	wb.entries = wb.entries[:0]
	wb.size = 0
}
