package storage

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap-incubator/tinyshard/kv/util/engine_util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func v(step, txID uint64) order.Version {
	return order.Version{Step: step, TxID: txID}
}

func put(key, value string, ver order.Version) Modify {
	return Modify{Put{Key: []byte(key), Value: []byte(value), Version: ver}}
}

func del(key string, ver order.Version) Modify {
	return Modify{Delete{Key: []byte(key), Version: ver}}
}

func withStores(t *testing.T, fn func(t *testing.T, store VersionStore)) {
	t.Run("mem", func(t *testing.T) {
		fn(t, NewMemStorage())
	})
	t.Run("badger", func(t *testing.T) {
		dir, err := ioutil.TempDir("", "storage")
		require.Nil(t, err)
		defer os.RemoveAll(dir)
		db, err := engine_util.CreateDB(dir, false)
		require.Nil(t, err)
		defer db.Close()
		fn(t, NewBadgerStorage(db))
	})
}

func TestSnapshotGet(t *testing.T) {
	withStores(t, func(t *testing.T, store VersionStore) {
		require.Nil(t, store.Write([]Modify{
			put("a", "a1", v(1, 10)),
			put("a", "a2", v(3, 5)),
			put("b", "b1", v(2, 1)),
		}))
		require.Nil(t, store.Write([]Modify{del("a", v(5, 0))}))

		reader, err := store.Reader()
		require.Nil(t, err)
		defer reader.Close()

		cases := []struct {
			key  string
			snap order.Version
			want []byte
		}{
			{"a", v(0, 0), nil},
			{"a", v(1, 9), nil},
			{"a", v(1, 10), []byte("a1")},
			{"a", v(3, 4), []byte("a1")},
			{"a", v(3, 5), []byte("a2")},
			{"a", v(4, 100), []byte("a2")},
			{"a", v(5, 0), nil},
			{"a", order.MaxVersion, nil},
			{"b", order.MaxVersion, []byte("b1")},
			{"c", order.MaxVersion, nil},
		}
		for _, c := range cases {
			val, err := reader.Get([]byte(c.key), c.snap)
			require.Nil(t, err)
			assert.Equal(t, c.want, val, "%s at %v", c.key, c.snap)
		}
	})
}

func TestSnapshotScan(t *testing.T) {
	withStores(t, func(t *testing.T, store VersionStore) {
		require.Nil(t, store.Write([]Modify{
			put("a", "a1", v(1, 1)),
			put("b", "b1", v(1, 1)),
			put("b", "b2", v(4, 1)),
			put("c", "c1", v(2, 1)),
			del("c", v(3, 1)),
			put("d", "d1", v(1, 1)),
		}))
		reader, err := store.Reader()
		require.Nil(t, err)
		defer reader.Close()

		collect := func(start, end string, snap order.Version, limit int) []string {
			var out []string
			var endKey []byte
			if end != "" {
				endKey = []byte(end)
			}
			err := reader.Scan([]byte(start), endKey, snap, func(key, value []byte) bool {
				out = append(out, string(key)+"="+string(value))
				return limit == 0 || len(out) < limit
			})
			require.Nil(t, err)
			return out
		}

		assert.Equal(t, []string{"a=a1", "b=b1", "c=c1", "d=d1"}, collect("", "", v(2, 5), 0))
		assert.Equal(t, []string{"a=a1", "b=b2", "d=d1"}, collect("", "", order.MaxVersion, 0))
		assert.Equal(t, []string{"b=b2"}, collect("b", "c", order.MaxVersion, 0))
		assert.Equal(t, []string{"a=a1", "b=b1"}, collect("", "", v(3, 0), 2))
		assert.Len(t, collect("", "", v(0, 5), 0), 0)
	})
}

func TestIdempotentWrite(t *testing.T) {
	withStores(t, func(t *testing.T, store VersionStore) {
		batch := []Modify{put("k", "v", v(7, 1))}
		require.Nil(t, store.Write(batch))
		require.Nil(t, store.Write(batch))
		reader, err := store.Reader()
		require.Nil(t, err)
		defer reader.Close()
		var n int
		require.Nil(t, reader.Scan(nil, nil, order.MaxVersion, func(key, value []byte) bool {
			n++
			return true
		}))
		assert.Equal(t, 1, n)
	})
	mem := NewMemStorage()
	require.Nil(t, mem.Write([]Modify{put("k", "v", v(1, 1)), put("k", "v", v(1, 1))}))
	assert.Equal(t, 1, mem.Len())
}
