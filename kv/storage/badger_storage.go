package storage

import (
	"bytes"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap-incubator/tinyshard/kv/util/codec"
	"github.com/pingcap-incubator/tinyshard/kv/util/engine_util"
	"github.com/pingcap/errors"
)

const (
	valueKindPut    byte = 'P'
	valueKindDelete byte = 'D'
)

// BadgerStorage is a VersionStore on a badger instance. Every version is its own badger key, encoded with
// codec.EncodeKey so that the newest version of a key sorts first.
type BadgerStorage struct {
	db *badger.DB
}

func NewBadgerStorage(db *badger.DB) *BadgerStorage {
	return &BadgerStorage{db: db}
}

func (s *BadgerStorage) Write(batch []Modify) error {
	wb := new(engine_util.WriteBatch)
	for _, m := range batch {
		switch data := m.Data.(type) {
		case Put:
			val := make([]byte, 0, len(data.Value)+1)
			val = append(val, valueKindPut)
			wb.SetCF(engine_util.CfData, codec.EncodeKey(data.Key, data.Version.Step, data.Version.TxID), append(val, data.Value...))
		case Delete:
			wb.SetCF(engine_util.CfData, codec.EncodeKey(data.Key, data.Version.Step, data.Version.TxID), []byte{valueKindDelete})
		}
	}
	return wb.WriteToDB(s.db)
}

func (s *BadgerStorage) Reader() (StorageReader, error) {
	return &badgerReader{txn: s.db.NewTransaction(false)}, nil
}

// Close does not close the underlying DB, which is owned by engine_util.Engines.
func (s *BadgerStorage) Close() error {
	return nil
}

type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) Get(key []byte, snapshot order.Version) ([]byte, error) {
	iter := engine_util.NewCFIterator(engine_util.CfData, r.txn)
	defer iter.Close()
	iter.Seek(codec.EncodeKey(key, snapshot.Step, snapshot.TxID))
	if !iter.Valid() {
		return nil, nil
	}
	userKey, _, _, err := codec.DecodeKey(iter.Key())
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(userKey, key) {
		return nil, nil
	}
	val, err := iter.Value()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return decodeValue(val)
}

func (r *badgerReader) Scan(start, end []byte, snapshot order.Version, fn func(key, value []byte) bool) error {
	iter := engine_util.NewCFIterator(engine_util.CfData, r.txn)
	defer iter.Close()
	var last []byte
	for iter.Seek(codec.EncodeBytes(start)); iter.Valid(); iter.Next() {
		userKey, step, txID, err := codec.DecodeKey(iter.Key())
		if err != nil {
			return err
		}
		if engine_util.ExceedEndKey(userKey, end) {
			break
		}
		if last != nil && bytes.Equal(userKey, last) {
			continue
		}
		if snapshot.Less(order.Version{Step: step, TxID: txID}) {
			continue
		}
		last = userKey
		val, err := iter.Value()
		if err != nil {
			return errors.Trace(err)
		}
		val, err = decodeValue(val)
		if err != nil {
			return err
		}
		if val == nil {
			continue
		}
		if !fn(userKey, val) {
			break
		}
	}
	return nil
}

func (r *badgerReader) Close() {
	r.txn.Discard()
}

func decodeValue(val []byte) ([]byte, error) {
	if len(val) == 0 {
		return nil, errors.New("storage: empty version value")
	}
	switch val[0] {
	case valueKindPut:
		return val[1:], nil
	case valueKindDelete:
		return nil, nil
	}
	return nil, errors.Errorf("storage: bad value kind %d", val[0])
}
