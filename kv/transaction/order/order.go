// Package order defines operation identifiers, row versions and the step order comparator used by a shard to decide
// how two operations relate on the global plan timeline.
package order

import (
	"fmt"
	"math"
)

// Order is the relationship between two operations as far as their identifiers can tell.
type Order int

const (
	// Unknown: exactly one side is immediate, so it has not been placed on the timeline yet.
	Unknown Order = iota
	// Any: both sides are immediate and identifiers imply nothing.
	Any
	Before
	After
)

func (o Order) String() string {
	switch o {
	case Unknown:
		return "Unknown"
	case Any:
		return "Any"
	case Before:
		return "Before"
	case After:
		return "After"
	}
	return fmt.Sprintf("Order(%d)", int(o))
}

// Mirror returns the order seen from the other side.
func (o Order) Mirror() Order {
	switch o {
	case Before:
		return After
	case After:
		return Before
	}
	return o
}

// OperationID identifies an operation on a shard. Step 0 marks an immediate operation.
type OperationID struct {
	Step uint64
	TxID uint64
}

func (id OperationID) IsImmediate() bool {
	return id.Step == 0
}

func (id OperationID) String() string {
	return fmt.Sprintf("[%d:%d]", id.Step, id.TxID)
}

// CheckOrder compares two operation ids. Equal ids are not expected; they compare as After.
func CheckOrder(a, b OperationID) Order {
	switch {
	case a.Step == 0 && b.Step == 0:
		return Any
	case a.Step == 0 || b.Step == 0:
		return Unknown
	case a.Step != b.Step:
		if a.Step < b.Step {
			return Before
		}
		return After
	case a.TxID < b.TxID:
		return Before
	default:
		return After
	}
}

// Version is a row version and MVCC snapshot boundary, totally ordered by Step then TxID.
type Version struct {
	Step uint64
	TxID uint64
}

// MaxVersion is above every real version.
var MaxVersion = Version{Step: math.MaxUint64, TxID: math.MaxUint64}

// Less reports whether v sorts strictly before other.
func (v Version) Less(other Version) bool {
	if v.Step != other.Step {
		return v.Step < other.Step
	}
	return v.TxID < other.TxID
}

// LessOrEqual reports v <= other.
func (v Version) LessOrEqual(other Version) bool {
	return !other.Less(v)
}

func (v Version) IsZero() bool {
	return v.Step == 0 && v.TxID == 0
}

// Prev returns the greatest version strictly below v.
func (v Version) Prev() Version {
	if v.TxID > 0 {
		return Version{Step: v.Step, TxID: v.TxID - 1}
	}
	if v.Step == 0 {
		return v
	}
	return Version{Step: v.Step - 1, TxID: math.MaxUint64}
}

func (v Version) String() string {
	return fmt.Sprintf("v%d/%d", v.Step, v.TxID)
}

// VersionOf returns the commit version of a planned operation.
func VersionOf(id OperationID) Version {
	return Version{Step: id.Step, TxID: id.TxID}
}

// ImmediateVersion is the commit version given to an immediate operation executed while the shard watermark is at
// step. It sorts after every planned operation of that step, which have all arrived by then.
func ImmediateVersion(step uint64) Version {
	return Version{Step: step, TxID: math.MaxUint64}
}

// AsOperationID places a snapshot on the timeline so it can be compared with CheckOrder.
func (v Version) AsOperationID() OperationID {
	return OperationID{Step: v.Step, TxID: v.TxID}
}
