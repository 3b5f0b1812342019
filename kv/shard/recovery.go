package shard

import (
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// onRecoveryLoaded rebuilds the unfinished operations from the redo log, applies the plan steps missed while the
// shard was down, re-sends the readsets this shard promised and replays the messages held while loading.
//
// Restored operations keep their persisted footprints. Until all of them resolve, admission runs in barrier mode
// unless mvcc tracking is on and the immediate barrier is disabled.
func (h *msgHandler) onRecoveryLoaded(loaded *recoveryLoaded) {
	state, err := loaded.state, loaded.err
	if err != nil {
		log.Error("load redo log failed", zap.Uint64("shard-id", h.id), zap.Error(err))
		h.loadErr = errors.Annotate(err, "load redo log")
		held := h.held
		h.held = nil
		for _, msg := range held {
			h.refuse(msg, h.loadErr)
		}
		return
	}
	h.persisted.Store(state.Watermark)
	for _, term := range state.Terminal {
		h.terminal[term.TxID] = term
		h.retain(term, nil)
	}
	var lastPlanned uint64
	for _, rec := range state.Ops {
		st := restoreOpState(rec)
		txID := st.op.TxID()
		h.ops[txID] = st
		h.queued.Inc()
		if st.planned {
			if st.op.ID.Step > lastPlanned {
				lastPlanned = st.op.ID.Step
			}
			h.track(st)
		}
	}
	restoredCounter.Add(float64(len(state.Ops)))
	for _, rs := range state.ReadSets {
		if st, ok := h.ops[rs.TxID]; ok {
			st.received[rs.Source] = rs
			continue
		}
		if _, done := h.terminal[rs.TxID]; done {
			continue
		}
		early := h.early[rs.TxID]
		if early == nil {
			early = make(map[uint64]*message.ReadSet)
			h.early[rs.TxID] = early
		}
		early[rs.Source] = rs
	}
	h.watermark.Store(state.Watermark)
	for _, p := range loaded.replay {
		h.onPlanStep(p.Step, p.TxIDs)
	}
	h.advanceWatermark(loaded.lastStep)
	if lastPlanned > h.watermark.Load() {
		h.watermark.Store(lastPlanned)
	}
	for txID, st := range h.ops {
		if st.planned {
			h.restored[txID] = struct{}{}
		}
	}

	if len(h.restored) > 0 {
		h.phase = phaseRestored
		h.tracker.SetBarrier(!h.cfg.EnableMvcc || !h.cfg.DisableImmediateBarrier)
	} else {
		h.phase = phaseNormal
		h.tracker.SetBarrier(!h.cfg.EnableMvcc)
	}
	log.Info("shard restored", zap.Uint64("shard-id", h.id), zap.Stringer("phase", h.phase),
		zap.Int("operations", len(state.Ops)), zap.Int("readsets", len(state.ReadSets)),
		zap.Int("replayed-steps", len(loaded.replay)), zap.Uint64("watermark", h.watermark.Load()),
		zap.Bool("barrier", h.tracker.Barrier()))

	for _, rec := range state.Ops {
		st, ok := h.ops[rec.Op.TxID()]
		if !ok {
			continue
		}
		if st.promised {
			h.sendReadSets(st, true)
			if st.outcome == message.OutcomeAbort {
				h.finish(st, operation.StatusAborted, order.VersionOf(st.op.ID), st.abortReason, nil)
				continue
			}
		}
		if !h.abortedByPeer(st) {
			h.tryCommit(st)
		}
	}

	held := h.held
	h.held = nil
	for _, msg := range held {
		h.HandleMsg(msg)
	}
}

// checkRestored leaves the restored phase once the last restored operation resolved.
func (h *msgHandler) checkRestored(txID uint64) {
	if h.phase != phaseRestored {
		return
	}
	delete(h.restored, txID)
	if len(h.restored) > 0 {
		return
	}
	h.phase = phaseNormal
	h.tracker.SetBarrier(!h.cfg.EnableMvcc)
	log.Info("restored operations resolved", zap.Uint64("shard-id", h.id), zap.Bool("barrier", h.tracker.Barrier()))
}
