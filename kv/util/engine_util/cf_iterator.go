package engine_util

import (
	"bytes"

	"github.com/coocood/badger"
)

// CFIterator iterates over one column family. Keys come without the CF prefix.
type CFIterator struct {
	iter   *badger.Iterator
	prefix []byte
}

func NewCFIterator(cf string, txn *badger.Txn) *CFIterator {
	return &CFIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: []byte(cf + "_"),
	}
}

// Key returns a copy of the current key.
func (it *CFIterator) Key() []byte {
	key := it.iter.Item().Key()
	return append([]byte(nil), key[len(it.prefix):]...)
}

// Value returns a copy of the current value.
func (it *CFIterator) Value() ([]byte, error) {
	val, err := it.iter.Item().Value()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), val...), nil
}

func (it *CFIterator) Valid() bool {
	return it.iter.ValidForPrefix(it.prefix)
}

func (it *CFIterator) Next() {
	it.iter.Next()
}

func (it *CFIterator) Seek(key []byte) {
	it.iter.Seek(append(append([]byte(nil), it.prefix...), key...))
}

func (it *CFIterator) Close() {
	it.iter.Close()
}

// ScanPrefixCF calls fn for every key of cf starting with prefix, in key order, until fn returns false. A nil prefix
// visits the whole column family. Values that fail to load stop the scan and are returned as the error.
func ScanPrefixCF(txn *badger.Txn, cf string, prefix []byte, fn func(key, val []byte) bool) error {
	it := NewCFIterator(cf, txn)
	defer it.Close()
	for it.Seek(prefix); it.Valid(); it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		val, err := it.Value()
		if err != nil {
			return err
		}
		if !fn(key, val) {
			break
		}
	}
	return nil
}
