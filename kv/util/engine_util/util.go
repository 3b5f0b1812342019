package engine_util

import (
	"bytes"
	"encoding/binary"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

const (
	// CfData holds versioned rows.
	CfData string = "data"
	// CfOp holds the redo record of every non-terminal distributed operation.
	CfOp string = "op"
	// CfReadSet holds received readsets, one per (tx, source) edge.
	CfReadSet string = "rs"
	// CfDone holds terminal facts.
	CfDone string = "done"
	// CfMeta holds shard wide values such as the watermark.
	CfMeta string = "meta"
)

var CFs = [5]string{CfData, CfOp, CfReadSet, CfDone, CfMeta}

func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

func GetCF(db *badger.DB, cf string, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		val, err = GetCFFromTxn(txn, cf, key)
		return err
	})
	return
}

func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	v, err := item.Value()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// GetUint64CF reads a value written with WriteBatch.SetUint64CF. A missing key reads as 0.
func GetUint64CF(txn *badger.Txn, cf string, key []byte) (uint64, error) {
	val, err := GetCFFromTxn(txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, errors.Errorf("%s/%q holds %d bytes, not a uint64", cf, key, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func ExceedEndKey(current, endKey []byte) bool {
	if len(endKey) == 0 {
		return false
	}
	return bytes.Compare(current, endKey) >= 0
}
