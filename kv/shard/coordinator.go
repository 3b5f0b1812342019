package shard

import (
	"fmt"

	"github.com/pingcap-incubator/tinyshard/kv/redo"
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// prepare executes the local part of a distributed operation: it reads, decides the local outcome, persists it and
// then tells every peer. After that the outcome is promised and survives restarts.
func (h *msgHandler) prepare(st *opState) bool {
	op := st.op
	version := order.VersionOf(op.ID)
	reason := st.abortReason
	if reason == "" {
		if err := h.checkSchema(op); err != nil {
			reason = err.Error()
		}
	}
	if reason == "" {
		if err := h.checkLocks(op); err != nil {
			reason = err.Error()
		}
	}
	var reads map[string][]byte
	if reason == "" {
		reader, err := h.store.Reader()
		if err != nil {
			reason = "storage: " + err.Error()
		} else {
			reads, st.rows, st.truncated, err = h.readLocal(reader, op, version.Prev())
			reader.Close()
			if err != nil {
				reason = "read: " + err.Error()
			}
		}
	}
	var payload []byte
	if reason == "" {
		payload = operation.EncodeReads(reads)
		if uint64(len(payload)) > uint64(h.cfg.MaxReadSetPayload) {
			reason = fmt.Sprintf("readset payload of %d bytes is too large", len(payload))
		}
	}
	st.writes, st.writesComputed = nil, false
	if reason == "" && op.Program == "" {
		// Static writes are known before the peers answer.
		st.writes, _ = h.computeWrites(op, reads)
		st.writesComputed = true
	}
	if reason == "" {
		st.outcome = message.OutcomeCommit
		st.localReads = reads
		st.payload = payload
	} else {
		st.outcome = message.OutcomeAbort
		st.abortReason = reason
		st.localReads, st.payload, st.rows = nil, nil, nil
		st.writes, st.writesComputed = nil, false
	}
	if err := h.redoLog.SaveOp(st.record(redo.StatePrepared)); err != nil {
		log.Error("persist prepared operation failed", zap.Uint64("shard-id", h.id), zap.Stringer("op", op.ID),
			zap.Error(err))
		op.Status = operation.StatusQueued
		return false
	}
	delete(h.unsavedPlans, op.TxID())
	st.executed = true
	st.promised = true
	op.Status = operation.StatusWaitingReadSets
	h.tracker.SetExecuted(op.ID)
	log.Debug("operation prepared", zap.Uint64("shard-id", h.id), zap.Stringer("op", op.ID),
		zap.Stringer("outcome", st.outcome))
	h.sendReadSets(st, false)
	if st.outcome == message.OutcomeAbort {
		h.finish(st, operation.StatusAborted, version, reason, nil)
		return true
	}
	if !h.abortedByPeer(st) {
		h.tryCommit(st)
	}
	return true
}

// sendReadSets sends our readset to every peer, or when resending, to the peers that did not confirm it.
func (h *msgHandler) sendReadSets(st *opState, resend bool) {
	tp := "sent"
	if resend {
		tp = "resent"
	}
	for _, peer := range st.op.Peers {
		if _, ok := st.acked[peer]; ok && resend {
			continue
		}
		rs := &message.ReadSet{
			TxID:    st.op.TxID(),
			Source:  h.id,
			Dest:    peer,
			Outcome: st.outcome,
			Payload: st.payload,
		}
		if err := h.transport.SendReadSet(rs); err != nil {
			log.Warn("send readset failed", zap.Uint64("shard-id", h.id), zap.Stringer("readset", rs), zap.Error(err))
			continue
		}
		readSetCounter.WithLabelValues(tp).Inc()
	}
	st.sentTick = h.ticks
}

// echo answers a peer that still waits for a finished operation with the readset it should have got.
func (h *msgHandler) echo(term *redo.Terminal, dest uint64) {
	rs := &message.ReadSet{
		TxID:    term.TxID,
		Source:  h.id,
		Dest:    dest,
		Outcome: term.Outcome,
		Payload: term.Payload,
		Echo:    true,
	}
	if err := h.transport.SendReadSet(rs); err != nil {
		log.Warn("echo readset failed", zap.Uint64("shard-id", h.id), zap.Stringer("readset", rs), zap.Error(err))
		return
	}
	readSetCounter.WithLabelValues("echo").Inc()
}

func (h *msgHandler) onReadSet(rs *message.ReadSet) {
	if rs.Dest != h.id {
		log.Warn("readset for another shard", zap.Uint64("shard-id", h.id), zap.Stringer("readset", rs))
		return
	}
	if rs.Ack {
		h.onAck(rs)
		return
	}
	txID := rs.TxID
	if term, ok := h.terminal[txID]; ok {
		readSetCounter.WithLabelValues("duplicate").Inc()
		if !rs.Echo {
			h.echo(term, rs.Source)
		}
		h.sendAck(rs)
		return
	}
	st, ok := h.ops[txID]
	if ok {
		if !st.logged() {
			log.Warn("readset for a local operation", zap.Uint64("shard-id", h.id), zap.Stringer("readset", rs))
			return
		}
		if _, dup := st.received[rs.Source]; dup {
			readSetCounter.WithLabelValues("duplicate").Inc()
			h.sendAck(rs)
			return
		}
	} else if _, dup := h.early[txID][rs.Source]; dup {
		readSetCounter.WithLabelValues("duplicate").Inc()
		h.sendAck(rs)
		return
	}
	if err := h.redoLog.SaveReadSet(rs); err != nil {
		// Not applied; the sender sends it again.
		log.Error("persist readset failed", zap.Uint64("shard-id", h.id), zap.Stringer("readset", rs), zap.Error(err))
		return
	}
	readSetCounter.WithLabelValues("received").Inc()
	h.sendAck(rs)
	log.Debug("readset received", zap.Uint64("shard-id", h.id), zap.Stringer("readset", rs))
	if !ok {
		early := h.early[txID]
		if early == nil {
			early = make(map[uint64]*message.ReadSet)
			h.early[txID] = early
		}
		early[rs.Source] = rs
		return
	}
	st.received[rs.Source] = rs
	if !h.abortedByPeer(st) {
		h.tryCommit(st)
	}
}

// abortedByPeer finishes st as aborted when any peer declared Abort. The outcome is then final for every
// participant, whatever this shard decides.
func (h *msgHandler) abortedByPeer(st *opState) bool {
	for _, peer := range st.op.Peers {
		rs, ok := st.received[peer]
		if !ok || rs.Outcome != message.OutcomeAbort {
			continue
		}
		h.finish(st, operation.StatusAborted, order.VersionOf(st.op.ID), fmt.Sprintf("aborted by shard %d", peer), nil)
		return true
	}
	return false
}

// tryCommit commits a promised operation once every peer declared Commit. The program runs over the reads of all
// participants, so every shard computes the same writes, or the same error.
func (h *msgHandler) tryCommit(st *opState) {
	if !st.promised || st.outcome != message.OutcomeCommit || !st.hasAllReadSets() {
		return
	}
	op := st.op
	version := order.VersionOf(op.ID)
	reads := make(map[string][]byte, len(st.localReads))
	for k, v := range st.localReads {
		reads[k] = v
	}
	for _, peer := range op.Peers {
		if err := operation.DecodeReads(st.received[peer].Payload, reads); err != nil {
			h.finish(st, operation.StatusAborted, version, fmt.Sprintf("bad payload from shard %d: %v", peer, err), nil)
			return
		}
	}
	muts := st.writes
	if !st.writesComputed {
		var err error
		if muts, err = h.computeWrites(op, reads); err != nil {
			h.finish(st, operation.StatusAborted, version, "program: "+err.Error(), nil)
			return
		}
	}
	if err := h.applyWrites(op, muts, version); err != nil {
		// Retried on the next tick.
		log.Error("commit write failed", zap.Uint64("shard-id", h.id), zap.Stringer("op", op.ID), zap.Error(err))
		return
	}
	h.finish(st, operation.StatusCommitted, version, "", &operation.Result{
		Values:    reads,
		Rows:      st.rows,
		Truncated: st.truncated,
		Version:   version,
	})
}

// finish records the outcome of an operation, releases it and answers every waiter.
func (h *msgHandler) finish(st *opState, status operation.Status, version order.Version, reason string,
	result *operation.Result) {
	op := st.op
	txID := op.TxID()
	op.Status = status
	if st.logged() {
		term := &redo.Terminal{
			TxID:    txID,
			Status:  status,
			Version: version,
			Reason:  reason,
			Outcome: message.OutcomeAbort,
		}
		if status == operation.StatusCommitted {
			term.Outcome = message.OutcomeCommit
			term.Payload = st.payload
		}
		term.Peers = st.op.Peers
		if err := h.redoLog.Finish(term); err != nil {
			// The record stays and the operation finishes again after a restart, with the same result.
			log.Error("persist outcome failed", zap.Uint64("shard-id", h.id), zap.Stringer("op", op.ID), zap.Error(err))
		}
		h.terminal[txID] = term
		h.retain(term, st.acked)
		delete(h.unsavedPlans, txID)
	}
	if st.deferred {
		h.undeferSnapshot(st)
	}
	if st.tracked {
		h.tracker.Remove(op.ID)
	}
	delete(h.ops, txID)
	delete(h.early, txID)
	h.queued.Dec()

	resp := &message.Response{TxID: txID, Result: result}
	if status == operation.StatusAborted {
		resp.Result = nil
		resp.Err = &ErrAborted{TxID: txID, Reason: reason}
		operationCounter.WithLabelValues(st.kind(), "aborted").Inc()
		log.Info("operation aborted", zap.Uint64("shard-id", h.id), zap.Stringer("op", op.ID), zap.String("reason", reason))
	} else {
		operationCounter.WithLabelValues(st.kind(), "committed").Inc()
		if st.logged() {
			log.Debug("operation committed", zap.Uint64("shard-id", h.id), zap.Stringer("op", op.ID))
		}
	}
	st.respond(resp)
	h.checkRestored(txID)
}
