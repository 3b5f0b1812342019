package latches

import (
	"testing"

	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(step, txID uint64) order.OperationID {
	return order.OperationID{Step: step, TxID: txID}
}

func keys(ks ...string) operation.Footprint {
	var f operation.Footprint
	for _, k := range ks {
		f.Keys = append(f.Keys, []byte(k))
	}
	return f
}

func span(start, end string) operation.Footprint {
	r := operation.KeyRange{Start: []byte(start)}
	if end != "" {
		r.End = []byte(end)
	}
	return operation.Footprint{Ranges: []operation.KeyRange{r}}
}

func add(t *Tracker, opID order.OperationID, reads, writes operation.Footprint) *Entry {
	return t.Add(&Entry{ID: opID, Reads: reads, Writes: writes})
}

func TestDisjointFastPath(t *testing.T) {
	tr := NewTracker(0)
	add(tr, id(1, 1), keys("a"), keys("a"))
	add(tr, id(0, 2), keys("b"), keys("b"))
	assert.True(t, tr.CanRun(id(1, 1)))
	assert.True(t, tr.CanRun(id(0, 2)))
}

func TestPlannedOrder(t *testing.T) {
	tr := NewTracker(0)
	add(tr, id(1, 5), keys("a"), keys("b"))
	add(tr, id(2, 1), keys("b"), keys("c"))
	add(tr, id(2, 3), keys("x"), keys("a"))

	assert.True(t, tr.CanRun(id(1, 5)))
	assert.Equal(t, []order.OperationID{id(1, 5)}, tr.Blockers(id(2, 1)))
	// Writing what an unexecuted earlier operation reads has to wait too.
	assert.Equal(t, []order.OperationID{id(1, 5)}, tr.Blockers(id(2, 3)))

	// Once the earlier one executed, only reads of its pending writes wait.
	tr.SetExecuted(id(1, 5))
	assert.Equal(t, []order.OperationID{id(1, 5)}, tr.Blockers(id(2, 1)))
	assert.True(t, tr.CanRun(id(2, 3)))

	tr.Remove(id(1, 5))
	assert.True(t, tr.CanRun(id(2, 1)))
}

func TestPlannedNeverWaitsForImmediate(t *testing.T) {
	tr := NewTracker(0)
	add(tr, id(0, 7), keys("a"), keys("a"))
	add(tr, id(3, 1), keys("a"), keys("a"))
	assert.True(t, tr.CanRun(id(3, 1)))
	// The immediate one waits for the planned one, whatever their arrival order.
	assert.Equal(t, []order.OperationID{id(3, 1)}, tr.Blockers(id(0, 7)))
}

func TestImmediateArrivalOrder(t *testing.T) {
	tr := NewTracker(0)
	add(tr, id(0, 9), operation.Footprint{}, keys("a"))
	add(tr, id(0, 3), keys("a"), operation.Footprint{})
	add(tr, id(0, 4), keys("a"), operation.Footprint{})
	assert.True(t, tr.CanRun(id(0, 9)))
	assert.Equal(t, []order.OperationID{id(0, 9)}, tr.Blockers(id(0, 3)))
	tr.Remove(id(0, 9))
	// Reads never conflict with reads.
	assert.True(t, tr.CanRun(id(0, 3)))
	assert.True(t, tr.CanRun(id(0, 4)))
}

func TestRangeConflicts(t *testing.T) {
	tr := NewTracker(0)
	add(tr, id(1, 1), span("a", "m"), keys("z"))
	add(tr, id(0, 2), operation.Footprint{}, keys("c"))
	add(tr, id(0, 3), operation.Footprint{}, keys("n"))
	add(tr, id(0, 4), span("y", ""), operation.Footprint{})
	assert.Equal(t, []order.OperationID{id(1, 1)}, tr.Blockers(id(0, 2)))
	assert.True(t, tr.CanRun(id(0, 3)))
	assert.Equal(t, []order.OperationID{id(1, 1)}, tr.Blockers(id(0, 4)))
}

func TestSnapshotReads(t *testing.T) {
	tr := NewTracker(0)
	add(tr, id(2, 1), keys("a"), keys("a"))
	add(tr, id(4, 1), keys("a"), keys("a"))
	snap := order.Version{Step: 3, TxID: 0}
	tr.Add(&Entry{ID: id(0, 10), Reads: keys("a"), Snapshot: &snap})

	// Only writers at or below the snapshot matter.
	assert.Equal(t, []order.OperationID{id(2, 1)}, tr.Blockers(id(0, 10)))
	// Snapshot readers hold nobody back.
	add(tr, id(0, 11), operation.Footprint{}, keys("a"))
	blockers := tr.Blockers(id(0, 11))
	assert.Len(t, blockers, 2)
	assert.NotContains(t, blockers, id(0, 10))

	tr.Remove(id(2, 1))
	assert.True(t, tr.CanRun(id(0, 10)))
}

func TestBarrier(t *testing.T) {
	tr := NewTracker(0)
	tr.SetBarrier(true)
	add(tr, id(1, 1), keys("a"), keys("a"))
	add(tr, id(0, 2), keys("b"), keys("b"))
	add(tr, id(1, 3), keys("c"), keys("c"))
	assert.True(t, tr.CanRun(id(1, 1)))
	assert.Equal(t, []order.OperationID{id(1, 1)}, tr.Blockers(id(0, 2)))
	assert.Len(t, tr.Blockers(id(1, 3)), 2)

	tr.SetBarrier(false)
	assert.True(t, tr.CanRun(id(0, 2)))
	assert.True(t, tr.CanRun(id(1, 3)))
}

func TestOutOfOrderLimit(t *testing.T) {
	tr := NewTracker(2)
	for i := uint64(1); i <= 4; i++ {
		add(tr, id(1, i), keys(string(rune('a'+i))), keys(string(rune('a'+i))))
	}
	require.True(t, tr.CanRun(id(1, 1)))
	tr.SetExecuted(id(1, 2))
	tr.SetExecuted(id(1, 3))
	// Two operations already run ahead of [1:1].
	assert.Equal(t, []order.OperationID{id(1, 1)}, tr.Blockers(id(1, 4)))
	assert.True(t, tr.CanRun(id(1, 1)))

	tr.Remove(id(1, 1))
	assert.True(t, tr.CanRun(id(1, 4)))
}

func TestLockState(t *testing.T) {
	tr := NewTracker(0)
	add(tr, id(1, 1), operation.Footprint{}, keys("a"))
	add(tr, id(1, 2), operation.Footprint{}, keys("a"))
	l := tr.LockState([]byte("a"))
	require.NotNil(t, l)
	assert.Equal(t, id(1, 2), l.Writer)
	assert.True(t, l.Unresolved)

	tr.Remove(id(1, 2))
	require.NotNil(t, tr.LockState([]byte("a")))
	tr.Remove(id(1, 1))
	assert.Nil(t, tr.LockState([]byte("a")))
	assert.Equal(t, 0, tr.Len())

	// Adding twice keeps the first registration.
	e := add(tr, id(1, 3), operation.Footprint{}, keys("b"))
	assert.Equal(t, e, add(tr, id(1, 3), operation.Footprint{}, keys("c")))
	assert.Nil(t, tr.LockState([]byte("c")))
}
