package engine_util

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/coocood/badger"
	"github.com/stretchr/testify/require"
)

func TestEngineUtil(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine_util")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	db, err := CreateDB(dir, false)
	require.Nil(t, err)
	defer db.Close()

	batch := new(WriteBatch)
	batch.SetCF(CfData, []byte("a"), []byte("a1"))
	batch.SetCF(CfData, []byte("b"), []byte("b1"))
	batch.SetCF(CfData, []byte("c"), []byte("c1"))
	batch.SetCF(CfData, []byte("d"), []byte("d1"))
	batch.SetCF(CfOp, []byte("a"), []byte("a2"))
	batch.SetCF(CfOp, []byte("b"), []byte("b2"))
	batch.SetCF(CfOp, []byte("d"), []byte("d2"))
	batch.SetCF(CfReadSet, []byte("a"), []byte("a3"))
	batch.SetCF(CfReadSet, []byte("c"), []byte("c3"))
	batch.SetCF(CfData, []byte("e"), []byte("e1"))
	batch.DeleteCF(CfData, []byte("e"))
	require.Equal(t, 11, batch.Len())
	err = batch.WriteToDB(db)
	require.Nil(t, err)

	_, err = GetCF(db, CfData, []byte("e"))
	require.Equal(t, badger.ErrKeyNotFound, err)

	val, err := GetCF(db, CfData, []byte("d"))
	require.Nil(t, err)
	require.Equal(t, []byte("d1"), val)

	txn := db.NewTransaction(false)
	defer txn.Discard()
	dataIter := NewCFIterator(CfData, txn)
	dataIter.Seek([]byte("a"))
	for _, want := range []string{"a", "b", "c", "d"} {
		require.True(t, dataIter.Valid())
		require.Equal(t, []byte(want), dataIter.Key())
		val, err = dataIter.Value()
		require.Nil(t, err)
		require.Equal(t, []byte(want+"1"), val)
		dataIter.Next()
	}
	require.False(t, dataIter.Valid())
	dataIter.Close()

	opIter := NewCFIterator(CfOp, txn)
	opIter.Seek([]byte("b"))
	require.Equal(t, []byte("b"), opIter.Key())
	opIter.Next()
	require.Equal(t, []byte("d"), opIter.Key())
	opIter.Next()
	require.False(t, opIter.Valid())
	opIter.Close()

	rsIter := NewCFIterator(CfReadSet, txn)
	rsIter.Seek([]byte("d"))
	require.False(t, rsIter.Valid())
	rsIter.Close()
}

func TestExceedEndKey(t *testing.T) {
	require.False(t, ExceedEndKey([]byte("a"), nil))
	require.False(t, ExceedEndKey([]byte("a"), []byte("b")))
	require.True(t, ExceedEndKey([]byte("b"), []byte("b")))
}

func TestEngines(t *testing.T) {
	dir, err := ioutil.TempDir("", "engines")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	engines, err := OpenEngines(dir, true)
	require.Nil(t, err)

	wb := new(WriteBatch)
	wb.SetCF(CfDone, []byte("k"), []byte("v"))
	require.Nil(t, engines.WriteRedo(wb))
	val, err := GetCF(engines.Redo, CfDone, []byte("k"))
	require.Nil(t, err)
	require.Equal(t, []byte("v"), val)
	_, err = GetCF(engines.Kv, CfDone, []byte("k"))
	require.Equal(t, badger.ErrKeyNotFound, err)
	require.Nil(t, engines.Destroy())
}

func TestPrefixAndUint64(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine_util")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	db, err := CreateDB(dir, false)
	require.Nil(t, err)
	defer db.Close()

	wb := new(WriteBatch)
	for _, k := range []string{"a1", "a2", "b1"} {
		wb.SetCF(CfReadSet, []byte(k), []byte("v"+k))
	}
	wb.SetUint64CF(CfMeta, []byte("step"), 42)
	require.Nil(t, wb.WriteToDB(db))

	err = db.View(func(txn *badger.Txn) error {
		v, err := GetUint64CF(txn, CfMeta, []byte("step"))
		require.Nil(t, err)
		require.Equal(t, uint64(42), v)
		v, err = GetUint64CF(txn, CfMeta, []byte("missing"))
		require.Nil(t, err)
		require.Equal(t, uint64(0), v)
		_, err = GetUint64CF(txn, CfReadSet, []byte("a1"))
		require.NotNil(t, err)

		var keys []string
		require.Nil(t, ScanPrefixCF(txn, CfReadSet, []byte("a"), func(key, val []byte) bool {
			keys = append(keys, string(key))
			require.Equal(t, "v"+string(key), string(val))
			return true
		}))
		require.Equal(t, []string{"a1", "a2"}, keys)
		return nil
	})
	require.Nil(t, err)

	wb.Reset()
	require.Nil(t, db.View(func(txn *badger.Txn) error {
		return wb.DeletePrefixCF(txn, CfReadSet, []byte("a"))
	}))
	require.Equal(t, 2, wb.Len())
	require.Nil(t, wb.WriteToDB(db))
	_, err = GetCF(db, CfReadSet, []byte("a1"))
	require.Equal(t, badger.ErrKeyNotFound, err)
	val, err := GetCF(db, CfReadSet, []byte("b1"))
	require.Nil(t, err)
	require.Equal(t, []byte("vb1"), val)
}
