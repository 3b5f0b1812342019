package redo

import (
	"encoding/binary"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap-incubator/tinyshard/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// BadgerLog is a Log on a badger instance. Records are keyed by big endian tx id, readsets by tx id and source shard.
type BadgerLog struct {
	db *badger.DB
}

func NewBadgerLog(db *badger.DB) *BadgerLog {
	return &BadgerLog{db: db}
}

func txKey(txID uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], txID)
	return b[:]
}

func readSetKey(txID, source uint64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], txID)
	binary.BigEndian.PutUint64(b[8:], source)
	return b[:]
}

func (l *BadgerLog) SaveOp(rec *Record) error {
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfOp, txKey(rec.Op.TxID()), rec.ToBytes())
	return wb.WriteToDB(l.db)
}

func (l *BadgerLog) SaveReadSet(rs *message.ReadSet) error {
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfReadSet, readSetKey(rs.TxID, rs.Source), message.EncodeReadSet(rs))
	return wb.WriteToDB(l.db)
}

func (l *BadgerLog) Finish(t *Terminal) error {
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfDone, txKey(t.TxID), t.ToBytes())
	wb.DeleteCF(engine_util.CfOp, txKey(t.TxID))
	err := l.db.View(func(txn *badger.Txn) error {
		return wb.DeletePrefixCF(txn, engine_util.CfReadSet, txKey(t.TxID))
	})
	if err != nil {
		return errors.Trace(err)
	}
	return wb.WriteToDB(l.db)
}

func (l *BadgerLog) Forget(txIDs []uint64) error {
	wb := new(engine_util.WriteBatch)
	for _, txID := range txIDs {
		wb.DeleteCF(engine_util.CfDone, txKey(txID))
	}
	return wb.WriteToDB(l.db)
}

var watermarkKey = []byte("watermark")

func (l *BadgerLog) SaveWatermark(step uint64) error {
	wb := new(engine_util.WriteBatch)
	wb.SetUint64CF(engine_util.CfMeta, watermarkKey, step)
	return wb.WriteToDB(l.db)
}

func (l *BadgerLog) Load() (*State, error) {
	state := new(State)
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		if state.Watermark, err = engine_util.GetUint64CF(txn, engine_util.CfMeta, watermarkKey); err != nil {
			return err
		}
		if err := scanCF(txn, engine_util.CfOp, func(val []byte) error {
			rec, err := ParseRecord(val)
			if err != nil {
				return err
			}
			state.Ops = append(state.Ops, rec)
			return nil
		}); err != nil {
			return err
		}
		if err := scanCF(txn, engine_util.CfReadSet, func(val []byte) error {
			rs, err := message.DecodeReadSet(val)
			if err != nil {
				return err
			}
			state.ReadSets = append(state.ReadSets, rs)
			return nil
		}); err != nil {
			return err
		}
		return scanCF(txn, engine_util.CfDone, func(val []byte) error {
			t, err := ParseTerminal(val)
			if err != nil {
				return err
			}
			state.Terminal = append(state.Terminal, t)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return state, nil
}

func scanCF(txn *badger.Txn, cf string, fn func(val []byte) error) error {
	var fnErr error
	err := engine_util.ScanPrefixCF(txn, cf, nil, func(_, val []byte) bool {
		fnErr = fn(val)
		return fnErr == nil
	})
	if err != nil {
		return err
	}
	return fnErr
}
