package shard

import (
	"github.com/pingcap-incubator/tinyshard/kv/redo"
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
)

// opState is the loop's view of an unfinished operation.
type opState struct {
	op       *operation.Operation
	cb       *message.Callback
	watchers []*message.Callback

	// planned is set once the operation has a step. Immediate operations are never planned.
	planned  bool
	tracked  bool
	executed bool
	// promised is set once the local outcome was persisted and readsets may have left.
	promised bool
	deferred bool
	waited   bool

	outcome message.Outcome
	// abortReason forces a local Abort when the operation executes.
	abortReason string

	payload        []byte
	localReads     map[string][]byte
	rows           []operation.KV
	truncated      bool
	writes         []operation.Mutation
	writesComputed bool

	received map[uint64]*message.ReadSet
	// Peers that confirmed they stored our readset.
	acked    map[uint64]struct{}
	sentTick int
}

func newOpState(op *operation.Operation, cb *message.Callback) *opState {
	return &opState{
		op:       op,
		cb:       cb,
		received: make(map[uint64]*message.ReadSet),
		acked:    make(map[uint64]struct{}),
	}
}

// logged reports whether the operation has a redo record. Only operations that go through planning have one.
func (st *opState) logged() bool {
	return !st.op.WantsImmediate()
}

func (st *opState) kind() string {
	switch {
	case st.op.IsDistributed():
		return "distributed"
	case st.logged():
		return "planned"
	}
	return "immediate"
}

// respond answers the proposer and every watcher. Later answers only reach callbacks attached since.
func (st *opState) respond(resp *message.Response) {
	st.cb.Done(resp)
	st.cb = nil
	for _, w := range st.watchers {
		w.Done(resp)
	}
	st.watchers = nil
}

func (st *opState) hasAllReadSets() bool {
	for _, peer := range st.op.Peers {
		if _, ok := st.received[peer]; !ok {
			return false
		}
	}
	return true
}

func (st *opState) record(state redo.OpState) *redo.Record {
	return &redo.Record{
		Op:             st.op,
		State:          state,
		Outcome:        st.outcome,
		Payload:        st.payload,
		Writes:         st.writes,
		WritesComputed: st.writesComputed,
		Reason:         st.abortReason,
	}
}

func restoreOpState(rec *redo.Record) *opState {
	st := newOpState(rec.Op, nil)
	st.abortReason = rec.Reason
	switch rec.State {
	case redo.StatePlanned:
		st.planned = true
	case redo.StatePrepared:
		st.planned = true
		st.executed = true
		st.promised = true
		st.outcome = rec.Outcome
		st.payload = rec.Payload
		st.writes = rec.Writes
		st.writesComputed = rec.WritesComputed
		st.localReads = make(map[string][]byte)
		if len(rec.Payload) > 0 {
			// The payload was encoded by this shard, it decodes.
			_ = operation.DecodeReads(rec.Payload, st.localReads)
		}
		st.op.Status = operation.StatusWaitingReadSets
	}
	return st
}
