package shard

import (
	"sort"

	"github.com/pingcap-incubator/tinyshard/kv/redo"
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/latches"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type msgHandler struct {
	*Shard
}

func newMsgHandler(s *Shard) *msgHandler {
	return &msgHandler{Shard: s}
}

func (h *msgHandler) HandleMsg(msg message.Msg) {
	if h.phase == phaseLoading && msg.Type != message.MsgTypeTick && msg.Type != message.MsgTypeRecoveryLoaded {
		if h.loadErr != nil {
			h.refuse(msg, h.loadErr)
			return
		}
		h.held = append(h.held, msg)
		return
	}
	switch msg.Type {
	case message.MsgTypeTick:
		h.onTick()
	case message.MsgTypePropose:
		p := msg.Data.(*message.MsgPropose)
		h.proposeOperation(p.Op, p.Callback)
	case message.MsgTypeReadSet:
		h.onReadSet(msg.Data.(*message.ReadSet))
	case message.MsgTypePlanStep:
		p := msg.Data.(*message.MsgPlanStep)
		h.onPlanStep(p.Step, p.TxIDs)
	case message.MsgTypeWatermark:
		h.advanceWatermark(msg.Data.(uint64))
	case message.MsgTypeTimeout:
		t := msg.Data.(*message.MsgTimeout)
		h.onTimeout(t.TxID, t.Callback)
	case message.MsgTypeSchemaChanged:
		h.onSchemaChanged(msg.Data.(uint64))
	case message.MsgTypeWatchTx:
		w := msg.Data.(*message.MsgWatchTx)
		h.onWatchTx(w.TxID, w.Callback)
	case message.MsgTypeRecoveryLoaded:
		h.onRecoveryLoaded(msg.Data.(*recoveryLoaded))
	}
}

func (h *msgHandler) refuse(msg message.Msg, err error) {
	switch msg.Type {
	case message.MsgTypePropose:
		p := msg.Data.(*message.MsgPropose)
		h.queued.Dec()
		p.Callback.Done(&message.Response{TxID: p.Op.TxID(), Err: err})
	case message.MsgTypeWatchTx:
		w := msg.Data.(*message.MsgWatchTx)
		w.Callback.Done(&message.Response{TxID: w.TxID, Err: err})
	}
}

func (h *msgHandler) proposeOperation(op *operation.Operation, cb *message.Callback) {
	txID := op.TxID()
	if _, ok := h.ops[txID]; ok {
		h.queued.Dec()
		cb.Done(&message.Response{TxID: txID, Err: errDuplicateTx(txID)})
		return
	}
	if _, ok := h.terminal[txID]; ok {
		h.queued.Dec()
		cb.Done(&message.Response{TxID: txID, Err: errDuplicateTx(txID)})
		return
	}
	if h.cfg.EnableMvcc {
		op.Flags |= operation.FlagUnderMvcc
	}
	st := newOpState(op, cb)
	if !st.logged() {
		if err := h.checkSchema(op); err != nil {
			h.queued.Dec()
			operationCounter.WithLabelValues(st.kind(), "scheme_mismatch").Inc()
			cb.Done(&message.Response{TxID: txID, Err: err})
			return
		}
		h.ops[txID] = st
		if op.Snapshot != nil && !h.snapshotConfirmed(*op.Snapshot) {
			h.deferSnapshot(st)
			return
		}
		h.track(st)
		return
	}
	// A planned operation is never refused once accepted: peers rely on its readsets. Problems turn into a local
	// Abort when it executes.
	if err := h.checkSchema(op); err != nil {
		st.abortReason = err.Error()
	}
	if err := h.redoLog.SaveOp(st.record(redo.StateProposed)); err != nil {
		log.Error("persist proposal failed", zap.Uint64("shard-id", h.id), zap.Uint64("tx-id", txID), zap.Error(err))
		h.queued.Dec()
		cb.Done(&message.Response{TxID: txID, Err: &ErrAborted{TxID: txID, Reason: "persist proposal: " + err.Error()}})
		return
	}
	h.ops[txID] = st
	if early, ok := h.early[txID]; ok {
		for src, rs := range early {
			st.received[src] = rs
		}
		delete(h.early, txID)
		if h.abortedByPeer(st) {
			return
		}
	}
	log.Debug("operation accepted for planning", zap.Uint64("shard-id", h.id), zap.Stringer("op", op))
}

// track registers an operation with the dependency tracker and queues it for execution.
func (h *msgHandler) track(st *opState) {
	op := st.op
	entry := &latches.Entry{
		ID:       op.ID,
		Reads:    op.Reads.Clip(h.keyRange),
		Writes:   op.WriteFootprint().Clip(h.keyRange),
		Snapshot: op.Snapshot,
		Executed: st.executed,
	}
	h.tracker.Add(entry)
	st.tracked = true
	if !st.executed {
		h.pending = append(h.pending, op.TxID())
	}
}

func (h *msgHandler) checkSchema(op *operation.Operation) error {
	if op.SchemaVersion == 0 || h.schemaVersion == 0 || op.SchemaVersion == h.schemaVersion {
		return nil
	}
	return &ErrSchemeMismatch{Expected: h.schemaVersion, Actual: op.SchemaVersion}
}

func (h *msgHandler) onPlanStep(step uint64, txIDs []uint64) {
	if step <= h.watermark.Load() {
		log.Warn("ignore stale plan step", zap.Uint64("shard-id", h.id), zap.Uint64("step", step),
			zap.Uint64("watermark", h.watermark.Load()))
		return
	}
	ids := append([]uint64(nil), txIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, txID := range ids {
		st, ok := h.ops[txID]
		if !ok {
			if _, done := h.terminal[txID]; !done {
				h.abortUnknown(step, txID)
			}
			continue
		}
		if st.planned || !st.logged() {
			continue
		}
		st.op.ID = order.OperationID{Step: step, TxID: txID}
		st.planned = true
		if err := h.redoLog.SaveOp(st.record(redo.StatePlanned)); err != nil {
			// The persisted watermark stays below the step until the record is saved, so a restart replays it.
			log.Error("persist plan failed", zap.Uint64("shard-id", h.id), zap.Uint64("tx-id", txID), zap.Error(err))
			h.unsavedPlans[txID] = st
		}
		h.track(st)
	}
	h.advanceWatermark(step)
}

// abortUnknown handles a planned transaction this shard never accepted, e.g. because it restarted before the
// proposal reached it. It can only abort, and tells every peer that asks.
func (h *msgHandler) abortUnknown(step, txID uint64) {
	log.Warn("planned transaction is unknown, aborting it", zap.Uint64("shard-id", h.id), zap.Uint64("tx-id", txID))
	term := &redo.Terminal{
		TxID:    txID,
		Status:  operation.StatusAborted,
		Version: order.VersionOf(order.OperationID{Step: step, TxID: txID}),
		Reason:  "not accepted by shard",
		Outcome: message.OutcomeAbort,
		// Any shard may still ask, the fact is kept.
		PeersUnknown: true,
	}
	if err := h.redoLog.Finish(term); err != nil {
		log.Error("persist abort failed", zap.Uint64("shard-id", h.id), zap.Uint64("tx-id", txID), zap.Error(err))
	}
	h.terminal[txID] = term
	h.retain(term, nil)
	for src := range h.early[txID] {
		h.echo(term, src)
	}
	delete(h.early, txID)
}

func (h *msgHandler) advanceWatermark(step uint64) {
	if step <= h.watermark.Load() {
		return
	}
	if err := h.persistWatermark(step); err != nil {
		log.Error("persist watermark failed", zap.Uint64("shard-id", h.id), zap.Uint64("step", step), zap.Error(err))
		return
	}
	h.watermark.Store(step)
	h.releaseSnapshots()
}

// persistWatermark saves step as the persisted watermark, or the step before the first plan whose record could not
// be saved.
func (h *msgHandler) persistWatermark(step uint64) error {
	for _, st := range h.unsavedPlans {
		if st.op.ID.Step <= step {
			step = st.op.ID.Step - 1
		}
	}
	if step <= h.persisted.Load() {
		return nil
	}
	if err := h.redoLog.SaveWatermark(step); err != nil {
		return err
	}
	h.persisted.Store(step)
	return nil
}

// retryPlans saves the plan records that failed before and lets the persisted watermark catch up.
func (h *msgHandler) retryPlans() {
	if len(h.unsavedPlans) == 0 {
		return
	}
	for txID, st := range h.unsavedPlans {
		if h.saveRecord(st) == nil {
			delete(h.unsavedPlans, txID)
		}
	}
	if err := h.persistWatermark(h.watermark.Load()); err != nil {
		log.Error("persist watermark failed", zap.Uint64("shard-id", h.id), zap.Error(err))
	}
}

func (h *msgHandler) onTimeout(txID uint64, cb *message.Callback) {
	st, ok := h.ops[txID]
	if !ok || st.cb != cb {
		return
	}
	switch {
	case st.promised:
		st.cb = nil
		cb.Done(&message.Response{TxID: txID, Err: &ErrTimeout{TxID: txID, Undetermined: true}})
	case st.logged():
		// Peers may still plan it, so it stays and aborts when it runs.
		st.abortReason = "timeout"
		if err := h.saveRecord(st); err != nil {
			st.cb = nil
			cb.Done(&message.Response{TxID: txID, Err: &ErrTimeout{TxID: txID, Undetermined: true}})
			return
		}
		st.cb = nil
		cb.Done(&message.Response{TxID: txID, Err: &ErrTimeout{TxID: txID}})
	default:
		h.dropImmediate(st)
		st.respond(&message.Response{TxID: txID, Err: &ErrTimeout{TxID: txID}})
	}
	operationCounter.WithLabelValues(st.kind(), "timeout").Inc()
}

func (h *msgHandler) saveRecord(st *opState) error {
	state := redo.StateProposed
	if st.planned {
		state = redo.StatePlanned
	}
	err := h.redoLog.SaveOp(st.record(state))
	if err != nil {
		log.Error("persist operation failed", zap.Uint64("shard-id", h.id), zap.Uint64("tx-id", st.op.TxID()),
			zap.Error(err))
	}
	return err
}

// dropImmediate forgets an immediate operation that has not run.
func (h *msgHandler) dropImmediate(st *opState) {
	if st.deferred {
		h.undeferSnapshot(st)
	}
	if st.tracked {
		h.tracker.Remove(st.op.ID)
	}
	delete(h.ops, st.op.TxID())
	h.queued.Dec()
	h.checkRestored(st.op.TxID())
}

// onSchemaChanged fails every queued operation compiled for another schema version.
func (h *msgHandler) onSchemaChanged(version uint64) {
	if version == h.schemaVersion {
		return
	}
	log.Info("schema changed", zap.Uint64("shard-id", h.id), zap.Uint64("from", h.schemaVersion),
		zap.Uint64("to", version))
	h.schemaVersion = version
	for txID, st := range h.ops {
		if st.promised || st.executed {
			continue
		}
		err := h.checkSchema(st.op)
		if err == nil {
			continue
		}
		operationCounter.WithLabelValues(st.kind(), "scheme_mismatch").Inc()
		if !st.logged() {
			h.dropImmediate(st)
			st.respond(&message.Response{TxID: txID, Err: err})
			continue
		}
		st.abortReason = err.Error()
		if h.saveRecord(st) == nil && st.cb != nil {
			st.cb.Done(&message.Response{TxID: txID, Err: err})
			st.cb = nil
		}
	}
}

func (h *msgHandler) onWatchTx(txID uint64, cb *message.Callback) {
	if term, ok := h.terminal[txID]; ok {
		cb.Done(terminalResponse(term))
		return
	}
	if st, ok := h.ops[txID]; ok {
		st.watchers = append(st.watchers, cb)
		return
	}
	cb.Done(&message.Response{TxID: txID, Err: ErrUnknownTx})
}

func terminalResponse(term *redo.Terminal) *message.Response {
	if term.Status == operation.StatusCommitted {
		return &message.Response{TxID: term.TxID, Result: &operation.Result{Version: term.Version}}
	}
	return &message.Response{TxID: term.TxID, Err: &ErrAborted{TxID: term.TxID, Reason: term.Reason}}
}

func (h *msgHandler) onTick() {
	h.ticks++
	if h.phase == phaseLoading {
		return
	}
	h.retryPlans()
	if h.ticks%h.cfg.ReadSetResendTicks == 0 {
		h.collectTerminal()
	}
	for _, st := range h.ops {
		if !st.promised {
			continue
		}
		if h.ticks-st.sentTick >= h.cfg.ReadSetResendTicks {
			h.sendReadSets(st, true)
		}
		// A failed commit is retried.
		h.tryCommit(st)
	}
}
