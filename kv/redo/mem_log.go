package redo

import (
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
)

type edge struct {
	txID   uint64
	source uint64
}

// MemLog is a Log kept in memory. It outlives the shards that use it, so handing the same MemLog to a new shard
// simulates a restart. It is intended for testing and the simulator.
type MemLog struct {
	mu        sync.Mutex
	ops       map[uint64][]byte
	readSets  map[edge][]byte
	terminal  map[uint64][]byte
	watermark uint64
}

func NewMemLog() *MemLog {
	return &MemLog{
		ops:      make(map[uint64][]byte),
		readSets: make(map[edge][]byte),
		terminal: make(map[uint64][]byte),
	}
}

func (l *MemLog) SaveOp(rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops[rec.Op.TxID()] = rec.ToBytes()
	return nil
}

func (l *MemLog) SaveReadSet(rs *message.ReadSet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readSets[edge{rs.TxID, rs.Source}] = message.EncodeReadSet(rs)
	return nil
}

func (l *MemLog) Finish(t *Terminal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminal[t.TxID] = t.ToBytes()
	delete(l.ops, t.TxID)
	for e := range l.readSets {
		if e.txID == t.TxID {
			delete(l.readSets, e)
		}
	}
	return nil
}

func (l *MemLog) Forget(txIDs []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, txID := range txIDs {
		delete(l.terminal, txID)
	}
	return nil
}

func (l *MemLog) SaveWatermark(step uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watermark = step
	return nil
}

// Load returns records in tx id order, like BadgerLog.
func (l *MemLog) Load() (*State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := &State{Watermark: l.watermark}
	for _, data := range l.ops {
		rec, err := ParseRecord(data)
		if err != nil {
			return nil, err
		}
		state.Ops = append(state.Ops, rec)
	}
	sort.Slice(state.Ops, func(i, j int) bool { return state.Ops[i].Op.TxID() < state.Ops[j].Op.TxID() })
	for _, data := range l.readSets {
		rs, err := message.DecodeReadSet(data)
		if err != nil {
			return nil, err
		}
		state.ReadSets = append(state.ReadSets, rs)
	}
	sort.Slice(state.ReadSets, func(i, j int) bool {
		a, b := state.ReadSets[i], state.ReadSets[j]
		if a.TxID != b.TxID {
			return a.TxID < b.TxID
		}
		return a.Source < b.Source
	})
	for _, data := range l.terminal {
		t, err := ParseTerminal(data)
		if err != nil {
			return nil, err
		}
		state.Terminal = append(state.Terminal, t)
	}
	sort.Slice(state.Terminal, func(i, j int) bool { return state.Terminal[i].TxID < state.Terminal[j].TxID })
	return state, nil
}
