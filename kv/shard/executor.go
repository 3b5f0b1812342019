package shard

import (
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinyshard/kv/storage"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// progress executes queued operations until none of the remaining ones may run.
func (h *msgHandler) progress() {
	for {
		ran := false
		pending := h.pending
		h.pending = nil
		for _, txID := range pending {
			st, ok := h.ops[txID]
			if !ok || st.executed || !st.tracked {
				continue
			}
			if blockers := h.tracker.Blockers(st.op.ID); len(blockers) > 0 {
				if !st.waited {
					st.waited = true
					admissionCounter.WithLabelValues("wait").Inc()
					log.Debug("operation waits", zap.Uint64("shard-id", h.id), zap.Stringer("op", st.op.ID),
						zap.Int("blockers", len(blockers)))
				}
				h.pending = append(h.pending, txID)
				continue
			}
			h.admit(st)
			if !h.execute(st) {
				h.pending = append(h.pending, txID)
				continue
			}
			ran = true
		}
		if !ran {
			return
		}
	}
}

func (h *msgHandler) admit(st *opState) {
	switch {
	case h.tracker.Barrier():
		admissionCounter.WithLabelValues("barrier").Inc()
	case !st.waited:
		admissionCounter.WithLabelValues("fast").Inc()
	default:
		admissionCounter.WithLabelValues("released").Inc()
	}
}

// execute runs the local part of an operation. It returns false when the operation has to be tried again.
func (h *msgHandler) execute(st *opState) bool {
	start := time.Now()
	defer func() {
		executeDuration.WithLabelValues(st.kind()).Observe(time.Since(start).Seconds())
	}()
	st.op.Status = operation.StatusExecuting
	if st.op.IsDistributed() {
		return h.prepare(st)
	}
	h.executeLocal(st)
	return true
}

// versions returns the snapshot an operation reads at and the version it writes at. A planned operation owns
// (step, txID) and does not see its own writes. An immediate one writes after every planned operation of the
// current watermark step.
func (h *msgHandler) versions(op *operation.Operation) (snapshot, commit order.Version) {
	if op.ID.IsImmediate() {
		commit = order.ImmediateVersion(h.watermark.Load())
		if op.Snapshot != nil {
			return *op.Snapshot, commit
		}
		return commit, commit
	}
	commit = order.VersionOf(op.ID)
	return commit.Prev(), commit
}

// executeLocal runs an operation that touches this shard only, start to finish.
func (h *msgHandler) executeLocal(st *opState) {
	op := st.op
	snapshot, commit := h.versions(op)
	if st.abortReason != "" {
		h.finish(st, operation.StatusAborted, commit, st.abortReason, nil)
		return
	}
	if err := h.checkLocks(op); err != nil {
		h.finish(st, operation.StatusAborted, commit, err.Error(), nil)
		return
	}
	reader, err := h.store.Reader()
	if err != nil {
		log.Error("open reader failed", zap.Uint64("shard-id", h.id), zap.Error(err))
		h.finish(st, operation.StatusAborted, commit, "storage: "+err.Error(), nil)
		return
	}
	defer reader.Close()
	reads, rows, truncated, err := h.readLocal(reader, op, snapshot)
	if err != nil {
		h.finish(st, operation.StatusAborted, commit, "read: "+err.Error(), nil)
		return
	}
	muts, err := h.computeWrites(op, reads)
	if err != nil {
		h.finish(st, operation.StatusAborted, commit, "program: "+err.Error(), nil)
		return
	}
	if err = h.applyWrites(op, muts, commit); err != nil {
		log.Error("write failed", zap.Uint64("shard-id", h.id), zap.Stringer("op", op.ID), zap.Error(err))
		h.finish(st, operation.StatusAborted, commit, "write: "+err.Error(), nil)
		return
	}
	result := &operation.Result{Values: reads, Rows: rows, Truncated: truncated, Version: commit}
	if op.IsReadOnly() {
		result.Version = snapshot
	}
	h.finish(st, operation.StatusCommitted, commit, "", result)
}

func (h *msgHandler) checkLocks(op *operation.Operation) error {
	if !op.CommitLocks || op.LockTxID == 0 {
		return nil
	}
	if !h.locks.Valid(op.LockTxID) {
		return errors.Errorf("lock %d is broken", op.LockTxID)
	}
	return nil
}

// readLocal reads the part of the read footprint inside the shard. Missing point keys map to nil.
func (h *msgHandler) readLocal(reader storage.StorageReader, op *operation.Operation,
	snapshot order.Version) (reads map[string][]byte, rows []operation.KV, truncated bool, err error) {
	txn := mvcc.RoTxn{Reader: reader, Snapshot: snapshot}
	fp := op.Reads.Clip(h.keyRange)
	reads = make(map[string][]byte, len(fp.Keys))
	for _, key := range fp.Keys {
		val, err := txn.GetValue(key)
		if err != nil {
			return nil, nil, false, errors.Trace(err)
		}
		reads[string(key)] = val
	}
	for _, r := range fp.Ranges {
		limit := 0
		if op.ScanLimit > 0 {
			limit = op.ScanLimit - len(rows)
			if limit == 0 {
				more, _, err := txn.Scan(r, 1)
				if err != nil {
					return nil, nil, false, errors.Trace(err)
				}
				if len(more) > 0 {
					truncated = true
					break
				}
				continue
			}
		}
		part, cut, err := txn.Scan(r, limit)
		if err != nil {
			return nil, nil, false, errors.Trace(err)
		}
		for _, kv := range part {
			reads[string(kv.Key)] = kv.Value
		}
		rows = append(rows, part...)
		truncated = truncated || cut
	}
	if op.LockTxID != 0 && !op.CommitLocks && !fp.IsEmpty() {
		h.locks.AddReads(op.LockTxID, fp)
	}
	return reads, rows, truncated, nil
}

// computeWrites returns the writes of op inside the shard. Program writes outside the declared write keys are
// dropped.
func (h *msgHandler) computeWrites(op *operation.Operation, reads map[string][]byte) ([]operation.Mutation, error) {
	var muts []operation.Mutation
	for _, m := range op.Writes {
		if h.keyRange.Contains(m.Key) {
			muts = append(muts, m)
		}
	}
	if op.Program == "" {
		return muts, nil
	}
	program, ok := h.programs.Lookup(op.Program)
	if !ok {
		return nil, errors.Errorf("unknown program %s", op.Program)
	}
	out, err := program(op.Args, reads)
	if err != nil {
		return nil, err
	}
	declared := make(map[string]struct{}, len(op.WriteKeys))
	for _, k := range op.WriteKeys {
		declared[string(k)] = struct{}{}
	}
	for _, m := range out {
		if _, ok := declared[string(m.Key)]; ok && h.keyRange.Contains(m.Key) {
			muts = append(muts, m)
		}
	}
	return muts, nil
}

// applyWrites writes muts at commit and settles the read locks they touch.
func (h *msgHandler) applyWrites(op *operation.Operation, muts []operation.Mutation, commit order.Version) error {
	if len(muts) > 0 {
		txn := mvcc.NewTxn(commit)
		txn.Apply(muts)
		if err := h.store.Write(txn.Writes()); err != nil {
			return errors.Trace(err)
		}
		keys := make([][]byte, 0, len(muts))
		for _, m := range muts {
			keys = append(keys, m.Key)
		}
		if broken := h.locks.BreakOnWrite(keys, op.LockTxID); len(broken) > 0 {
			log.Debug("write broke locks", zap.Uint64("shard-id", h.id), zap.Stringer("op", op.ID),
				zap.String("locks", fmt.Sprint(broken)))
		}
	}
	if op.CommitLocks && op.LockTxID != 0 {
		h.locks.Erase(op.LockTxID)
	}
	return nil
}
