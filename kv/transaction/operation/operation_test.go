package operation

import (
	"testing"

	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRange(t *testing.T) {
	r := KeyRange{Start: []byte("b"), End: []byte("d")}
	assert.True(t, r.Contains([]byte("b")))
	assert.True(t, r.Contains([]byte("c\xff")))
	assert.False(t, r.Contains([]byte("d")))
	assert.False(t, r.Contains([]byte("a")))

	open := KeyRange{Start: []byte("c")}
	assert.True(t, open.Contains([]byte("zzz")))
	assert.True(t, r.Overlaps(open))
	assert.False(t, r.Overlaps(KeyRange{Start: []byte("d")}))

	in, ok := r.Intersect(open)
	require.True(t, ok)
	assert.Equal(t, KeyRange{Start: []byte("c"), End: []byte("d")}, in)
	_, ok = r.Intersect(KeyRange{Start: []byte("x"), End: []byte("y")})
	assert.False(t, ok)

	p := PointRange([]byte("k"))
	assert.True(t, p.Contains([]byte("k")))
	assert.False(t, p.Contains([]byte("k\x00")))
}

func TestFootprintIntersects(t *testing.T) {
	a := PointFootprint([]byte("a"), []byte("m"))
	b := Footprint{Ranges: []KeyRange{{Start: []byte("b"), End: []byte("n")}}}
	c := PointFootprint([]byte("z"))
	assert.True(t, a.Intersects(b))
	assert.True(t, b.Intersects(a))
	assert.False(t, a.Intersects(c))
	assert.False(t, c.Intersects(b))
	assert.True(t, b.Intersects(Footprint{Ranges: []KeyRange{{Start: []byte("c")}}}))
	assert.False(t, Footprint{}.Intersects(a))

	clipped := Footprint{Keys: [][]byte{[]byte("a"), []byte("m")}, Ranges: b.Ranges}.Clip(KeyRange{Start: []byte("c"), End: []byte("x")})
	assert.Equal(t, [][]byte{[]byte("m")}, clipped.Keys)
	assert.Equal(t, []KeyRange{{Start: []byte("c"), End: []byte("n")}}, clipped.Ranges)
}

func TestValidate(t *testing.T) {
	op := &Operation{ID: order.OperationID{TxID: 1}, Kind: KindDataTx, Writes: []Mutation{{Key: []byte("a"), Value: []byte("1")}}}
	assert.Nil(t, op.Validate())
	assert.True(t, op.WantsImmediate())

	op.Peers = []uint64{2}
	assert.False(t, op.WantsImmediate())
	op.Flags = FlagImmediate
	assert.NotNil(t, op.Validate())

	ro := &Operation{ID: order.OperationID{TxID: 2}, Kind: KindReadOnly, Writes: op.Writes}
	assert.NotNil(t, ro.Validate())
	scan := &Operation{ID: order.OperationID{TxID: 3}, Kind: KindScan}
	assert.NotNil(t, scan.Validate())
	scan.Reads.Ranges = []KeyRange{{Start: []byte("b"), End: []byte("a")}}
	assert.NotNil(t, scan.Validate())
	scan.Reads.Ranges = []KeyRange{{Start: []byte("a")}}
	assert.Nil(t, scan.Validate())

	assert.NotNil(t, (&Operation{Kind: KindReadOnly}).Validate())
}

func TestOperationBytes(t *testing.T) {
	op := &Operation{
		ID:    order.OperationID{Step: 7, TxID: 300},
		Kind:  KindDataTx,
		Flags: FlagForceOnline,
		Reads: Footprint{
			Keys:   [][]byte{[]byte("a")},
			Ranges: []KeyRange{{Start: []byte("b"), End: []byte("c")}, {Start: []byte("x")}},
		},
		Writes:        []Mutation{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("b"), Delete: true}},
		Program:       ProgramSwap,
		Args:          SwapArgs([]byte("a"), []byte("b"), []byte("c"), []byte("d")),
		WriteKeys:     [][]byte{[]byte("c"), []byte("d")},
		Snapshot:      &order.Version{Step: 3, TxID: 4},
		ScanLimit:     10,
		LockTxID:      99,
		CommitLocks:   true,
		SchemaVersion: 5,
		Peers:         []uint64{2, 3},
	}
	parsed, err := ParseOperation(op.ToBytes())
	require.Nil(t, err)
	assert.Equal(t, op, parsed)

	_, err = ParseOperation(op.ToBytes()[:10])
	assert.NotNil(t, err)
	_, err = ParseOperation(append(op.ToBytes(), 0))
	assert.NotNil(t, err)
}

func TestReadsPayload(t *testing.T) {
	reads := map[string][]byte{"a": []byte("1"), "b": nil, "c": {}}
	out := make(map[string][]byte)
	require.Nil(t, DecodeReads(EncodeReads(reads), out))
	assert.Equal(t, reads, out)
	assert.NotNil(t, DecodeReads([]byte{3, 1}, out))
}

func TestSwapProgram(t *testing.T) {
	reg := NewRegistry()
	p, ok := reg.Lookup(ProgramSwap)
	require.True(t, ok)
	muts, err := p(SwapArgs([]byte("s1"), []byte("s2"), []byte("d1"), []byte("d2")), map[string][]byte{"s2": []byte("B")})
	require.Nil(t, err)
	assert.Equal(t, []Mutation{
		{Key: []byte("d1"), Value: []byte("B")},
		{Key: []byte("d2"), Delete: true},
	}, muts)

	_, err = p([]byte{1}, nil)
	assert.NotNil(t, err)
	_, ok = reg.Lookup("nope")
	assert.False(t, ok)
}
