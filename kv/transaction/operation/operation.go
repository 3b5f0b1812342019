// Package operation describes the operations a shard executes: their kind, read and write footprints, flags and
// status, and the deterministic programs data transactions run.
package operation

import (
	"fmt"

	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap/errors"
)

type Kind int

const (
	KindReadOnly Kind = iota
	KindDataTx
	KindScan
)

func (k Kind) String() string {
	switch k {
	case KindReadOnly:
		return "ReadOnly"
	case KindDataTx:
		return "DataTx"
	case KindScan:
		return "Scan"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Flags are proposal flags.
type Flags uint32

const (
	// ForceOnline sends an operation that could run immediately through global planning.
	FlagForceOnline Flags = 1 << iota
	// Immediate asks for immediate execution and is refused for distributed operations.
	FlagImmediate
	// UnderMvcc is set by the shard when the operation runs with version tracking.
	FlagUnderMvcc
)

const FlagDefault Flags = 0

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

type Status int

const (
	StatusQueued Status = iota
	StatusExecuting
	StatusWaitingReadSets
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusExecuting:
		return "Executing"
	case StatusWaitingReadSets:
		return "WaitingReadSets"
	case StatusCommitted:
		return "Committed"
	case StatusAborted:
		return "Aborted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusAborted
}

// Mutation is one row change produced by a data transaction.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Operation is a unit of work proposed to a shard. Keys and ranges are global; a shard only touches the part inside
// its own key range.
type Operation struct {
	ID    order.OperationID
	Kind  Kind
	Flags Flags

	Reads Footprint
	// Static writes.
	Writes []Mutation
	// Program computes writes from the reads of every participant. Its writes must stay inside WriteKeys.
	Program   string
	Args      []byte
	WriteKeys [][]byte

	// Snapshot pins reads to a version. Nil reads at the shard's current watermark.
	Snapshot  *order.Version
	ScanLimit int

	// LockTxID names the open transaction whose read locks this operation acquires or commits.
	LockTxID    uint64
	CommitLocks bool

	SchemaVersion uint64
	// Shards other than the receiving one that take part in the operation.
	Peers []uint64

	Status Status
}

func (op *Operation) TxID() uint64 {
	return op.ID.TxID
}

func (op *Operation) IsDistributed() bool {
	return len(op.Peers) > 0
}

// WantsImmediate reports whether the operation skips global planning.
func (op *Operation) WantsImmediate() bool {
	return !op.IsDistributed() && !op.Flags.Has(FlagForceOnline)
}

func (op *Operation) IsReadOnly() bool {
	return len(op.Writes) == 0 && len(op.WriteKeys) == 0
}

// WriteFootprint returns every key the operation may write.
func (op *Operation) WriteFootprint() Footprint {
	keys := make([][]byte, 0, len(op.Writes)+len(op.WriteKeys))
	for _, m := range op.Writes {
		keys = append(keys, m.Key)
	}
	keys = append(keys, op.WriteKeys...)
	return Footprint{Keys: keys}
}

// Validate checks an operation before it is queued.
func (op *Operation) Validate() error {
	if op.TxID() == 0 {
		return errors.New("operation: tx id must not be 0")
	}
	switch op.Kind {
	case KindReadOnly:
		if !op.IsReadOnly() {
			return errors.New("operation: read only operation has writes")
		}
	case KindScan:
		if !op.IsReadOnly() {
			return errors.New("operation: scan has writes")
		}
		if len(op.Reads.Ranges) == 0 {
			return errors.New("operation: scan without ranges")
		}
	case KindDataTx:
		if op.Program == "" && len(op.WriteKeys) > 0 {
			return errors.New("operation: write keys without a program")
		}
	default:
		return errors.Errorf("operation: unknown kind %d", op.Kind)
	}
	if op.Flags.Has(FlagImmediate) && (op.IsDistributed() || op.Flags.Has(FlagForceOnline)) {
		return errors.New("operation: immediate flag on an operation that must be planned")
	}
	if op.Snapshot != nil && op.IsDistributed() {
		return errors.New("operation: distributed operations read at their plan version")
	}
	for _, r := range op.Reads.Ranges {
		if len(r.End) > 0 && !lessKey(r.Start, r.End) {
			return errors.Errorf("operation: empty range %v", r)
		}
	}
	return nil
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %s peers %v", op.Kind, op.ID, op.Peers)
}

// KV is a row returned by a read.
type KV struct {
	Key   []byte
	Value []byte
}

// Result is what a finished operation returns to its proposer.
type Result struct {
	// Point reads, keyed by key. A missing row maps to nil.
	Values map[string][]byte
	Rows   []KV
	// Truncated is set when a scan limit cut the rows short.
	Truncated bool
	// Version is the commit version of a writing operation, or the snapshot of a read.
	Version order.Version
}
