// Package locks keeps the read locks of open multi-statement transactions. A read performed on behalf of an open
// transaction locks what it read; a committed write of someone else to a locked key breaks the lock, and a later
// commit of that transaction must abort.
package locks

import (
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
)

type Lock struct {
	ID     uint64
	Reads  operation.Footprint
	Broken bool
}

// Table is owned by a shard's event loop. Locks are not persisted: a restarted shard has none, and commits that
// refer to a missing lock abort.
type Table struct {
	locks map[uint64]*Lock
}

func NewTable() *Table {
	return &Table{locks: make(map[uint64]*Lock)}
}

// AddReads extends lock id with a read footprint, creating the lock if needed.
func (t *Table) AddReads(id uint64, reads operation.Footprint) *Lock {
	l, ok := t.locks[id]
	if !ok {
		l = &Lock{ID: id}
		t.locks[id] = l
	}
	l.Reads.Keys = append(l.Reads.Keys, reads.Keys...)
	l.Reads.Ranges = append(l.Reads.Ranges, reads.Ranges...)
	return l
}

// BreakOnWrite breaks every lock other than writer whose reads cover one of keys, and returns the ids it broke.
func (t *Table) BreakOnWrite(keys [][]byte, writer uint64) []uint64 {
	var broken []uint64
	for id, l := range t.locks {
		if id == writer || l.Broken {
			continue
		}
		for _, key := range keys {
			if l.Reads.Contains(key) {
				l.Broken = true
				broken = append(broken, id)
				break
			}
		}
	}
	return broken
}

// Valid reports whether lock id exists and is not broken.
func (t *Table) Valid(id uint64) bool {
	l, ok := t.locks[id]
	return ok && !l.Broken
}

func (t *Table) Get(id uint64) *Lock {
	return t.locks[id]
}

func (t *Table) Erase(id uint64) {
	delete(t.locks, id)
}

func (t *Table) Len() int {
	return len(t.locks)
}
