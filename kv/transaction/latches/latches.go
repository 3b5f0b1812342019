package latches

import (
	"bytes"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
)

// The Tracker decides when an operation may run on a shard. It is owned by the shard's event loop and never touched
// from another goroutine, so it has no mutex.
//
// Every unresolved operation is registered with its read and write footprint. Writes are point keys and each written
// key has a LockState naming its most recent writer and whether any writer of the key is unresolved. Reads are kept
// as ranges (a point read is a one key range) in a second index. An operation may run when none of the unresolved
// operations it conflicts with must go first:
//
//   - planned after planned: the earlier one goes first. Once the earlier one has executed its local part (it is only
//     waiting for readsets), the later one only waits when it reads a key the earlier one writes, because those writes
//     are not in the store yet.
//   - immediate against planned: the order is unknown, so the immediate one waits for the planned one to resolve.
//     Planned operations never wait for immediate ones.
//   - immediate against immediate: the first to arrive goes first.
//   - a read at a fixed snapshot waits only for planned operations at or below the snapshot that write what it reads,
//     and never holds anybody back.
//
// Reads never conflict with reads. In barrier mode none of that applies and operations run strictly in arrival order.
type Tracker struct {
	entries map[order.OperationID]*Entry
	// LockState by written key.
	locks *btree.BTree
	// readLock by range start.
	reads *btree.BTree
	// plannedItem of every planned entry, in plan order.
	planned *btree.BTree

	seq     uint64
	barrier bool
	// Max planned entries executed ahead of the earliest unresolved one, 0 for unlimited.
	outOfOrderLimit int
}

// Entry is an unresolved operation known to the tracker.
type Entry struct {
	ID order.OperationID
	// Arrival order at this shard.
	Seq    uint64
	Reads  operation.Footprint
	Writes operation.Footprint
	// Snapshot is set for reads at a fixed version.
	Snapshot *order.Version
	Executed bool
}

func (e *Entry) IsPlanned() bool {
	return !e.ID.IsImmediate()
}

// LockState is the write lock of one key.
type LockState struct {
	Key        []byte
	Writer     order.OperationID
	Unresolved bool
	// Unresolved writers, in arrival order.
	writers []order.OperationID
}

func (l *LockState) Less(than btree.Item) bool {
	return bytes.Compare(l.Key, than.(*LockState).Key) < 0
}

type readLock struct {
	r  operation.KeyRange
	id order.OperationID
}

func (l *readLock) Less(than btree.Item) bool {
	other := than.(*readLock)
	if c := bytes.Compare(l.r.Start, other.r.Start); c != 0 {
		return c < 0
	}
	return order.VersionOf(l.id).Less(order.VersionOf(other.id))
}

type plannedItem struct {
	id order.OperationID
}

func (p *plannedItem) Less(than btree.Item) bool {
	return order.CheckOrder(p.id, than.(*plannedItem).id) == order.Before
}

const trackerBtreeDegree = 16

func NewTracker(outOfOrderLimit int) *Tracker {
	return &Tracker{
		entries:         make(map[order.OperationID]*Entry),
		locks:           btree.New(trackerBtreeDegree),
		reads:           btree.New(trackerBtreeDegree),
		planned:         btree.New(trackerBtreeDegree),
		outOfOrderLimit: outOfOrderLimit,
	}
}

// SetBarrier switches coarse admission on or off.
func (t *Tracker) SetBarrier(on bool) {
	t.barrier = on
}

func (t *Tracker) Barrier() bool {
	return t.barrier
}

func (t *Tracker) Len() int {
	return len(t.entries)
}

func (t *Tracker) Get(id order.OperationID) *Entry {
	return t.entries[id]
}

// Add registers an operation and stamps its arrival order. Adding a registered id is a no-op.
func (t *Tracker) Add(e *Entry) *Entry {
	if old, ok := t.entries[e.ID]; ok {
		return old
	}
	t.seq++
	e.Seq = t.seq
	t.entries[e.ID] = e
	if e.IsPlanned() {
		t.planned.ReplaceOrInsert(&plannedItem{e.ID})
	}
	if e.Snapshot != nil {
		// Snapshot reads never block anybody, so they stay out of the indexes.
		return e
	}
	for _, key := range e.Writes.Keys {
		l := t.lockState(key)
		if l == nil {
			l = &LockState{Key: key}
			t.locks.ReplaceOrInsert(l)
		}
		l.Writer = e.ID
		l.Unresolved = true
		l.writers = append(l.writers, e.ID)
	}
	for _, key := range e.Reads.Keys {
		t.reads.ReplaceOrInsert(&readLock{r: operation.PointRange(key), id: e.ID})
	}
	for _, r := range e.Reads.Ranges {
		t.reads.ReplaceOrInsert(&readLock{r: r, id: e.ID})
	}
	return e
}

// SetExecuted records that the local part of a planned operation has run.
func (t *Tracker) SetExecuted(id order.OperationID) {
	if e, ok := t.entries[id]; ok {
		e.Executed = true
	}
}

// Remove drops a resolved operation and its locks.
func (t *Tracker) Remove(id order.OperationID) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	delete(t.entries, id)
	if e.IsPlanned() {
		t.planned.Delete(&plannedItem{id})
	}
	if e.Snapshot != nil {
		return
	}
	for _, key := range e.Writes.Keys {
		l := t.lockState(key)
		if l == nil {
			continue
		}
		for i, w := range l.writers {
			if w == id {
				l.writers = append(l.writers[:i], l.writers[i+1:]...)
				break
			}
		}
		if len(l.writers) == 0 {
			t.locks.Delete(l)
		}
	}
	for _, key := range e.Reads.Keys {
		t.reads.Delete(&readLock{r: operation.PointRange(key), id: id})
	}
	for _, r := range e.Reads.Ranges {
		t.reads.Delete(&readLock{r: r, id: id})
	}
}

// LockState returns the write lock of key, or nil when no unresolved operation writes it.
func (t *Tracker) LockState(key []byte) *LockState {
	l := t.lockState(key)
	if l == nil {
		return nil
	}
	cp := *l
	cp.writers = nil
	return &cp
}

func (t *Tracker) lockState(key []byte) *LockState {
	item := t.locks.Get(&LockState{Key: key})
	if item == nil {
		return nil
	}
	return item.(*LockState)
}

type conflict uint8

const (
	// other writes what we read
	conflictWriteRead conflict = 1 << iota
	// both write
	conflictWriteWrite
	// other reads what we write
	conflictReadWrite
)

// conflicts finds every registered operation whose footprint conflicts with e.
func (t *Tracker) conflicts(e *Entry) map[order.OperationID]conflict {
	res := make(map[order.OperationID]conflict)
	mark := func(id order.OperationID, c conflict) {
		if id != e.ID {
			res[id] |= c
		}
	}
	for _, key := range e.Reads.Keys {
		if l := t.lockState(key); l != nil {
			for _, w := range l.writers {
				mark(w, conflictWriteRead)
			}
		}
	}
	for _, r := range e.Reads.Ranges {
		fn := func(i btree.Item) bool {
			for _, w := range i.(*LockState).writers {
				mark(w, conflictWriteRead)
			}
			return true
		}
		if len(r.End) == 0 {
			t.locks.AscendGreaterOrEqual(&LockState{Key: r.Start}, fn)
		} else {
			t.locks.AscendRange(&LockState{Key: r.Start}, &LockState{Key: r.End}, fn)
		}
	}
	if e.Snapshot != nil {
		return res
	}
	for _, key := range e.Writes.Keys {
		if l := t.lockState(key); l != nil {
			for _, w := range l.writers {
				mark(w, conflictWriteWrite)
			}
		}
		// Every read range starting at or before key may cover it.
		t.reads.DescendLessOrEqual(&readLock{r: operation.KeyRange{Start: key}, id: maxOperationID}, func(i btree.Item) bool {
			rl := i.(*readLock)
			if rl.r.Contains(key) {
				mark(rl.id, conflictReadWrite)
			}
			return true
		})
	}
	return res
}

var maxOperationID = order.MaxVersion.AsOperationID()

// Blockers returns the unresolved operations that must resolve, or execute, before id may run. An empty result
// means id may run now.
func (t *Tracker) Blockers(id order.OperationID) []order.OperationID {
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	if e.Snapshot != nil {
		return t.snapshotBlockers(e)
	}
	if t.barrier {
		return t.barrierBlockers(e)
	}
	var blockers []order.OperationID
	for otherID, c := range t.conflicts(e) {
		other := t.entries[otherID]
		if other == nil || t.mustWait(e, other, c) {
			blockers = append(blockers, otherID)
		}
	}
	if len(blockers) == 0 && e.IsPlanned() {
		if head := t.outOfOrderBlocker(e); head != nil {
			blockers = append(blockers, *head)
		}
	}
	return blockers
}

// CanRun reports whether id may run now.
func (t *Tracker) CanRun(id order.OperationID) bool {
	return len(t.Blockers(id)) == 0
}

func (t *Tracker) mustWait(e, other *Entry, c conflict) bool {
	if other.Snapshot != nil {
		return false
	}
	switch order.CheckOrder(other.ID, e.ID) {
	case order.Before:
		if other.Executed {
			return c&conflictWriteRead != 0
		}
		return true
	case order.After:
		return false
	case order.Unknown:
		return other.IsPlanned()
	case order.Any:
		return other.Seq < e.Seq
	}
	return true
}

func (t *Tracker) snapshotBlockers(e *Entry) []order.OperationID {
	var blockers []order.OperationID
	for otherID, c := range t.conflicts(e) {
		other := t.entries[otherID]
		if other == nil || !other.IsPlanned() || c&conflictWriteRead == 0 {
			continue
		}
		if order.CheckOrder(other.ID, e.Snapshot.AsOperationID()) != order.After {
			blockers = append(blockers, otherID)
		}
	}
	return blockers
}

func (t *Tracker) barrierBlockers(e *Entry) []order.OperationID {
	var blockers []order.OperationID
	for otherID, other := range t.entries {
		if otherID == e.ID || other.Snapshot != nil {
			continue
		}
		if other.Seq < e.Seq {
			blockers = append(blockers, otherID)
		}
	}
	return blockers
}

// outOfOrderBlocker returns the earliest unresolved planned operation when running e now would put more than the
// limit of planned operations ahead of it.
func (t *Tracker) outOfOrderBlocker(e *Entry) *order.OperationID {
	if t.outOfOrderLimit <= 0 {
		return nil
	}
	minItem := t.planned.Min()
	if minItem == nil {
		return nil
	}
	head := minItem.(*plannedItem).id
	if head == e.ID {
		return nil
	}
	ahead := 0
	t.planned.Ascend(func(i btree.Item) bool {
		id := i.(*plannedItem).id
		if id != head && t.entries[id].Executed {
			ahead++
		}
		return true
	})
	if ahead >= t.outOfOrderLimit {
		return &head
	}
	return nil
}
