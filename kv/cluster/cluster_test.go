package cluster

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinyshard/kv/config"
	"github.com/pingcap-incubator/tinyshard/kv/shard"
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap-incubator/tinyshard/kv/util/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(k uint32) []byte {
	return codec.EncodeUint32Key(k)
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 20*time.Second)
}

func startCluster(t *testing.T, cfg *config.Config, splits ...uint32) *Cluster {
	var keys [][]byte
	for _, s := range splits {
		keys = append(keys, key(s))
	}
	c, err := NewCluster(cfg, keys, operation.NewRegistry())
	require.Nil(t, err)
	require.Nil(t, c.Start())
	return c
}

func mustPut(t *testing.T, c *Cluster, k uint32, value string) {
	ctx, cancel := testContext()
	defer cancel()
	require.Nil(t, c.Put(ctx, key(k), []byte(value)))
}

func mustGet(t *testing.T, c *Cluster, k uint32) string {
	ctx, cancel := testContext()
	defer cancel()
	v, err := c.Get(ctx, key(k))
	require.Nil(t, err)
	return string(v)
}

func TestZigZag(t *testing.T) {
	cases := []struct {
		name  string
		setup func(cfg *config.Config)
	}{
		{"default", func(cfg *config.Config) {}},
		{"out-of-order-limit", func(cfg *config.Config) { cfg.OutOfOrderLimit = 2 }},
		{"no-mvcc", func(cfg *config.Config) { cfg.EnableMvcc = false }},
	}
	for _, tc := range cases {
		for _, asymmetric := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/asymmetric=%v", tc.name, asymmetric), func(t *testing.T) {
				cfg := config.NewTestConfig()
				cfg.DBPath = ""
				tc.setup(cfg)
				c := startCluster(t, cfg, 1000, 2000)
				defer c.Stop()
				ctx, cancel := testContext()
				defer cancel()
				require.Nil(t, ZigZag(ctx, c, asymmetric))
			})
		}
	}
}

func TestZigZagBadger(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinyshard-zigzag")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	cfg := config.NewTestConfig()
	cfg.DBPath = dir
	c := startCluster(t, cfg, 1000, 2000)
	defer c.Stop()
	ctx, cancel := testContext()
	defer cancel()
	require.Nil(t, ZigZag(ctx, c, false))
	assert.Equal(t, "A", mustGet(t, c, 40))

	// Everything survives a restart of every shard.
	for id := uint64(1); id <= 3; id++ {
		require.Nil(t, c.RestartShard(id))
	}
	assert.Equal(t, "A", mustGet(t, c, 40))
	assert.Equal(t, "B", mustGet(t, c, 1040))
}

func TestAtomicWorkload(t *testing.T) {
	c := startCluster(t, newMemConfig(), 4)
	defer c.Stop()
	ctx, cancel := testContext()
	defer cancel()
	require.Nil(t, Atomic(ctx, c, [2][]byte{key(3), key(4)}, 4, 20))
}

func newMemConfig() *config.Config {
	cfg := config.NewTestConfig()
	cfg.DBPath = ""
	return cfg
}

// writeBoth writes 3 and 4, one on each side of the split, after reading [3, 6).
func writeBoth(value string) *operation.Operation {
	return &operation.Operation{
		Kind:  operation.KindDataTx,
		Reads: operation.Footprint{Ranges: []operation.KeyRange{{Start: key(3), End: key(6)}}},
		Writes: []operation.Mutation{
			{Key: key(3), Value: []byte(value)},
			{Key: key(4), Value: []byte(value)},
		},
	}
}

func proposeAsync(c *Cluster, op *operation.Operation) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ctx, cancel := testContext()
		defer cancel()
		_, err := c.Execute(ctx, op)
		ch <- err
	}()
	return ch
}

func assertNotDone(t *testing.T, ch <-chan error) {
	select {
	case err := <-ch:
		t.Fatalf("unexpected completion: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitDone(t *testing.T, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(20 * time.Second):
		t.Fatal("no completion")
	}
	return nil
}

func TestDistributedWriteIsAtomic(t *testing.T) {
	c := startCluster(t, newMemConfig(), 4)
	defer c.Stop()

	c.Router().AddFilter(HoldAll)
	done := proposeAsync(c, writeBoth("x"))
	waitFor(t, func() bool { return c.Router().HeldCount() == 2 })

	// Conflicts with the unresolved read of [3, 6).
	blocked := proposeAsync(c, &operation.Operation{
		Kind:   operation.KindDataTx,
		Writes: []operation.Mutation{{Key: key(5), Value: []byte("y")}},
	})
	assertNotDone(t, blocked)
	mustPut(t, c, 7, "free")

	c.Router().ClearFilters()
	c.Router().ReleaseHeld()
	require.Nil(t, waitDone(t, done))
	require.Nil(t, waitDone(t, blocked))
	assert.Equal(t, "x", mustGet(t, c, 3))
	assert.Equal(t, "x", mustGet(t, c, 4))
	assert.Equal(t, "y", mustGet(t, c, 5))
	assert.Equal(t, "free", mustGet(t, c, 7))
}

func TestBrokenLockAbortsEverywhere(t *testing.T) {
	c := startCluster(t, newMemConfig(), 4)
	defer c.Stop()
	ctx, cancel := testContext()
	defer cancel()

	const lockTxID = 1 << 40
	_, err := c.Execute(ctx, &operation.Operation{
		Kind:     operation.KindReadOnly,
		Reads:    operation.PointFootprint(key(1), key(4)),
		LockTxID: lockTxID,
	})
	require.Nil(t, err)
	mustPut(t, c, 1, "breaks")

	commit := writeBoth("x")
	commit.Reads = operation.Footprint{}
	commit.LockTxID = lockTxID
	commit.CommitLocks = true
	_, err = c.Execute(ctx, commit)
	assert.True(t, shard.IsAborted(err))
	assert.Equal(t, "", mustGet(t, c, 3))
	assert.Equal(t, "", mustGet(t, c, 4))
}

func TestRestartAbortsBlockedImmediate(t *testing.T) {
	c := startCluster(t, newMemConfig(), 4)
	defer c.Stop()

	c.Router().AddFilter(HoldAll)
	done := proposeAsync(c, writeBoth("x"))
	waitFor(t, func() bool { return c.Router().HeldCount() == 2 })
	blocked := proposeAsync(c, &operation.Operation{
		Kind:   operation.KindDataTx,
		Writes: []operation.Mutation{{Key: key(5), Value: []byte("y")}},
	})
	assertNotDone(t, blocked)

	require.Nil(t, c.RestartShard(2))
	err := waitDone(t, blocked)
	assert.True(t, shard.IsAborted(err))
	assert.False(t, shard.IsUndetermined(err))

	c.Router().ClearFilters()
	c.Router().ReleaseHeld()
	require.Nil(t, waitDone(t, done))
	assert.Equal(t, "x", mustGet(t, c, 3))
	assert.Equal(t, "x", mustGet(t, c, 4))
	assert.Equal(t, "", mustGet(t, c, 5))
}

func TestRestartRecoversLostReadSets(t *testing.T) {
	for _, restarted := range []uint64{1, 2} {
		t.Run(fmt.Sprintf("shard-%d", restarted), func(t *testing.T) {
			c := startCluster(t, newMemConfig(), 4)
			defer c.Stop()
			mustPut(t, c, 3, "old")

			c.Router().AddFilter(HoldAll)
			done := proposeAsync(c, writeBoth("x"))
			waitFor(t, func() bool { return c.Router().HeldCount() == 2 })
			require.Nil(t, c.RestartShard(restarted))
			// The restarted shard may have sent its readset again already.
			assert.True(t, c.Router().DropHeld() >= 2)
			c.Router().ClearFilters()

			require.Nil(t, waitDone(t, done))
			assert.Equal(t, "x", mustGet(t, c, 3))
			assert.Equal(t, "x", mustGet(t, c, 4))
		})
	}
}

func TestRouterFaults(t *testing.T) {
	c := startCluster(t, newMemConfig(), 4)
	defer c.Stop()

	c.Router().AddFilter(func(rs *message.ReadSet) FilterAction { return Duplicate })
	require.Nil(t, waitDone(t, proposeAsync(c, writeBoth("dup"))))
	assert.Equal(t, "dup", mustGet(t, c, 3))
	c.Router().ClearFilters()

	// The first readset of shard 1 is lost, the periodic resend repairs it.
	var once sync.Once
	c.Router().AddFilter(func(rs *message.ReadSet) FilterAction {
		action := Deliver
		if rs.Source == 1 && !rs.Ack {
			once.Do(func() { action = Drop })
		}
		return action
	})
	require.Nil(t, waitDone(t, proposeAsync(c, writeBoth("drop"))))
	assert.Equal(t, "drop", mustGet(t, c, 3))
	assert.Equal(t, "drop", mustGet(t, c, 4))
}

func TestScanAcrossShards(t *testing.T) {
	c := startCluster(t, newMemConfig(), 4)
	defer c.Stop()
	for i := uint32(1); i <= 6; i++ {
		mustPut(t, c, i, fmt.Sprintf("v%d", i))
	}
	ctx, cancel := testContext()
	defer cancel()
	res, err := c.Execute(ctx, &operation.Operation{
		Kind:  operation.KindScan,
		Reads: operation.Footprint{Ranges: []operation.KeyRange{{Start: key(2), End: key(6)}}},
	})
	require.Nil(t, err)
	require.Len(t, res.Rows, 4)
	for i, row := range res.Rows {
		assert.Equal(t, key(uint32(i+2)), row.Key)
		assert.Equal(t, fmt.Sprintf("v%d", i+2), string(row.Value))
	}
}

func TestPlanStepMissedWhileDown(t *testing.T) {
	c := startCluster(t, newMemConfig(), 4)
	defer c.Stop()
	mustPut(t, c, 3, "old")

	op := writeBoth("x")
	op.ID.TxID = c.NextTxID()
	ctx, cancel := testContext()
	defer cancel()
	var cbs []*message.Callback
	for _, id := range []uint64{1, 2} {
		cp := *op
		cp.Peers = others([]uint64{1, 2}, id)
		cb, err := c.Shard(id).Propose(ctx, &cp)
		require.Nil(t, err)
		cbs = append(cbs, cb)
	}
	// Shard 2 has handled the proposal once a later write is done.
	mustPut(t, c, 5, "later")
	c.Shard(2).Stop()
	assert.True(t, shard.IsUndetermined(cbs[1].WaitResp().Err))

	step := c.Planner().Plan(PlannedTx{TxID: op.ID.TxID, Shards: []uint64{1, 2}})
	assert.Equal(t, 1, c.Planner().Pending())
	require.Nil(t, c.RestartShard(2))

	resp := cbs[0].WaitRespWithTimeout(10 * time.Second)
	require.NotNil(t, resp)
	require.Nil(t, resp.Err)
	assert.Equal(t, order.Version{Step: step, TxID: op.ID.TxID}, resp.Result.Version)
	resp = c.WaitTx(ctx, 2, op.ID.TxID, nil)
	require.NotNil(t, resp)
	require.Nil(t, resp.Err)
	assert.Equal(t, "x", mustGet(t, c, 3))
	assert.Equal(t, "x", mustGet(t, c, 4))

	// Both shards persisted the step, it is dropped with the next one.
	waitFor(t, func() bool { return c.Shard(2).PersistedWatermark() >= step })
	c.Planner().Advance()
	assert.Equal(t, 0, c.Planner().Pending())
}
