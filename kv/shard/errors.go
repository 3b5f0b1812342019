package shard

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	ErrShardStopped = errors.New("shard is stopped")
	ErrMvccDisabled = errors.New("reads at an explicit snapshot need mvcc")
	ErrBadRequest   = errors.New("bad request")
	ErrUnknownTx    = errors.New("unknown transaction")
)

// ErrOverloaded is returned when a proposal is refused. Nothing of the operation was executed.
type ErrOverloaded struct {
	Reason string
}

func (e *ErrOverloaded) Error() string {
	return fmt.Sprintf("shard overloaded: %s", e.Reason)
}

// ErrTimeout is returned when the proposer stopped waiting. When Undetermined is set the operation may still commit
// and its outcome has to be learned with WaitTx; otherwise nothing of it was or will be committed.
type ErrTimeout struct {
	TxID         uint64
	Undetermined bool
}

func (e *ErrTimeout) Error() string {
	if e.Undetermined {
		return fmt.Sprintf("tx %d timed out, outcome undetermined", e.TxID)
	}
	return fmt.Sprintf("tx %d timed out", e.TxID)
}

type ErrAborted struct {
	TxID   uint64
	Reason string
}

func (e *ErrAborted) Error() string {
	return fmt.Sprintf("tx %d aborted: %s", e.TxID, e.Reason)
}

type ErrSchemeMismatch struct {
	Expected uint64
	Actual   uint64
}

func (e *ErrSchemeMismatch) Error() string {
	return fmt.Sprintf("scheme mismatch, operation has version %d, shard has %d", e.Actual, e.Expected)
}

// IsUndetermined reports whether err leaves the outcome of an operation open.
func IsUndetermined(err error) bool {
	e, ok := errors.Cause(err).(*ErrTimeout)
	return ok && e.Undetermined
}

// IsAborted reports whether err is a definite abort.
func IsAborted(err error) bool {
	_, ok := errors.Cause(err).(*ErrAborted)
	return ok
}

func errDuplicateTx(txID uint64) error {
	return errors.Annotatef(ErrBadRequest, "duplicate tx id %d", txID)
}
