package mvcc

import (
	"github.com/pingcap-incubator/tinyshard/kv/storage"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
)

// RoTxn reads from a snapshot of the version store. It never sees a version above Snapshot, even when such a
// version was applied before the read ran.
type RoTxn struct {
	Reader   storage.StorageReader
	Snapshot order.Version
}

// GetValue finds the value for key visible at the snapshot of this transaction.
func (txn *RoTxn) GetValue(key []byte) ([]byte, error) {
	return txn.Reader.Get(key, txn.Snapshot)
}

// Scan returns up to limit rows of r visible at the snapshot. A limit of 0 means no limit. truncated reports that
// rows were left out because of the limit.
func (txn *RoTxn) Scan(r operation.KeyRange, limit int) (rows []operation.KV, truncated bool, err error) {
	err = txn.Reader.Scan(r.Start, r.End, txn.Snapshot, func(key, value []byte) bool {
		if limit > 0 && len(rows) == limit {
			truncated = true
			return false
		}
		rows = append(rows, operation.KV{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
		})
		return true
	})
	return
}

// MvccTxn groups together writes as part of a single operation and stores them, all stamped with CommitVersion, in a
// buffer for atomic writing. Reads go through RoTxn.
type MvccTxn struct {
	CommitVersion order.Version
	writes        []storage.Modify
}

func NewTxn(commit order.Version) MvccTxn {
	return MvccTxn{CommitVersion: commit}
}

// Writes returns all changes added to this transaction.
func (txn *MvccTxn) Writes() []storage.Modify {
	return txn.writes
}

// PutValue adds a key/value write to this transaction.
func (txn *MvccTxn) PutValue(key []byte, value []byte) {
	if value == nil {
		value = []byte{}
	}
	txn.writes = append(txn.writes, storage.Modify{
		Data: storage.Put{
			Key:     key,
			Value:   value,
			Version: txn.CommitVersion,
		},
	})
}

// DeleteValue removes a key/value pair in this transaction.
func (txn *MvccTxn) DeleteValue(key []byte) {
	txn.writes = append(txn.writes, storage.Modify{
		Data: storage.Delete{
			Key:     key,
			Version: txn.CommitVersion,
		},
	})
}

// Apply buffers every mutation.
func (txn *MvccTxn) Apply(muts []operation.Mutation) {
	for _, m := range muts {
		if m.Delete {
			txn.DeleteValue(m.Key)
		} else {
			txn.PutValue(m.Key, m.Value)
		}
	}
}
