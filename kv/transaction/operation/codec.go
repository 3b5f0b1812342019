package operation

import (
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap-incubator/tinyshard/kv/util/codec"
	"github.com/pingcap/errors"
)

const operationFormat = 1

// ToBytes serializes an operation for the redo log. Status is not part of it.
func (op *Operation) ToBytes() []byte {
	e := &encoder{}
	e.uint(operationFormat)
	e.uint(op.ID.Step)
	e.uint(op.ID.TxID)
	e.uint(uint64(op.Kind))
	e.uint(uint64(op.Flags))
	e.footprint(op.Reads)
	e.uint(uint64(len(op.Writes)))
	for _, m := range op.Writes {
		e.bytes(m.Key)
		e.bytes(m.Value)
		e.bool(m.Delete)
	}
	e.bytes([]byte(op.Program))
	e.bytes(op.Args)
	e.keys(op.WriteKeys)
	e.bool(op.Snapshot != nil)
	if op.Snapshot != nil {
		e.uint(op.Snapshot.Step)
		e.uint(op.Snapshot.TxID)
	}
	e.uint(uint64(op.ScanLimit))
	e.uint(op.LockTxID)
	e.bool(op.CommitLocks)
	e.uint(op.SchemaVersion)
	e.uint(uint64(len(op.Peers)))
	for _, p := range op.Peers {
		e.uint(p)
	}
	return e.buf
}

// ParseOperation is the inverse of ToBytes.
func ParseOperation(data []byte) (*Operation, error) {
	d := &decoder{buf: data}
	if format := d.uint(); d.err == nil && format != operationFormat {
		return nil, errors.Errorf("operation: unknown format %d", format)
	}
	op := new(Operation)
	op.ID.Step = d.uint()
	op.ID.TxID = d.uint()
	op.Kind = Kind(d.uint())
	op.Flags = Flags(d.uint())
	op.Reads = d.footprint()
	n := d.uint()
	for i := uint64(0); i < n && d.err == nil; i++ {
		m := Mutation{Key: d.bytes(), Value: d.bytes(), Delete: d.bool()}
		op.Writes = append(op.Writes, m)
	}
	op.Program = string(d.bytes())
	op.Args = d.bytes()
	op.WriteKeys = d.keys()
	if d.bool() {
		op.Snapshot = &order.Version{Step: d.uint(), TxID: d.uint()}
	}
	op.ScanLimit = int(d.uint())
	op.LockTxID = d.uint()
	op.CommitLocks = d.bool()
	op.SchemaVersion = d.uint()
	n = d.uint()
	for i := uint64(0); i < n && d.err == nil; i++ {
		op.Peers = append(op.Peers, d.uint())
	}
	if d.err != nil {
		return nil, errors.Annotate(d.err, "operation: parse")
	}
	if len(d.buf) != 0 {
		return nil, errors.Errorf("operation: %d trailing bytes", len(d.buf))
	}
	return op, nil
}

// EncodeReads serializes a read set, the payload a shard sends to its peers.
func EncodeReads(reads map[string][]byte) []byte {
	e := &encoder{}
	e.uint(uint64(len(reads)))
	for k, v := range reads {
		e.bytes([]byte(k))
		e.bool(v != nil)
		if v != nil {
			e.bytes(v)
		}
	}
	return e.buf
}

// DecodeReads adds the reads in data to reads.
func DecodeReads(data []byte, reads map[string][]byte) error {
	d := &decoder{buf: data}
	n := d.uint()
	for i := uint64(0); i < n && d.err == nil; i++ {
		k := d.bytes()
		var v []byte
		if d.bool() {
			v = d.bytes()
			if v == nil {
				v = []byte{}
			}
		}
		if d.err == nil {
			reads[string(k)] = v
		}
	}
	return d.err
}

// EncodeMutations serializes the tentative writes of a prepared operation.
func EncodeMutations(muts []Mutation) []byte {
	e := &encoder{}
	e.uint(uint64(len(muts)))
	for _, m := range muts {
		e.bytes(m.Key)
		e.bytes(m.Value)
		e.bool(m.Delete)
	}
	return e.buf
}

func DecodeMutations(data []byte) ([]Mutation, error) {
	d := &decoder{buf: data}
	n := d.uint()
	var muts []Mutation
	for i := uint64(0); i < n && d.err == nil; i++ {
		muts = append(muts, Mutation{Key: d.bytes(), Value: d.bytes(), Delete: d.bool()})
	}
	return muts, d.err
}

type encoder struct {
	buf []byte
}

func (e *encoder) uint(v uint64) {
	e.buf = codec.EncodeUvarint(e.buf, v)
}

func (e *encoder) bytes(b []byte) {
	e.buf = codec.EncodeCompactBytes(e.buf, b)
}

func (e *encoder) bool(b bool) {
	if b {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) keys(keys [][]byte) {
	e.uint(uint64(len(keys)))
	for _, k := range keys {
		e.bytes(k)
	}
}

func (e *encoder) footprint(f Footprint) {
	e.keys(f.Keys)
	e.uint(uint64(len(f.Ranges)))
	for _, r := range f.Ranges {
		e.bytes(r.Start)
		e.bytes(r.End)
	}
}

// decoder remembers the first error and returns zero values after it.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uint() uint64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	d.buf, v, d.err = codec.DecodeUvarint(d.buf)
	return v
}

func (d *decoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	var b []byte
	d.buf, b, d.err = codec.DecodeCompactBytes(d.buf)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}
	if len(d.buf) == 0 {
		d.err = errors.New("unexpected end of data")
		return false
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v != 0
}

func (d *decoder) keys() [][]byte {
	n := d.uint()
	var keys [][]byte
	for i := uint64(0); i < n && d.err == nil; i++ {
		keys = append(keys, d.bytes())
	}
	return keys
}

func (d *decoder) footprint() Footprint {
	f := Footprint{Keys: d.keys()}
	n := d.uint()
	for i := uint64(0); i < n && d.err == nil; i++ {
		f.Ranges = append(f.Ranges, KeyRange{Start: d.bytes(), End: d.bytes()})
	}
	return f
}
