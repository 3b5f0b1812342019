package shard

import (
	"math"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// snapshotWaiter is a read at a snapshot the shard cannot serve yet.
type snapshotWaiter struct {
	version order.Version
	txID    uint64
}

func (w *snapshotWaiter) Less(than btree.Item) bool {
	other := than.(*snapshotWaiter)
	if w.version != other.version {
		return w.version.Less(other.version)
	}
	return w.txID < other.txID
}

// snapshotConfirmed reports whether every write at or below v is known. Planned writes of a step all arrive with its
// plan batch, but immediate writes keep landing at (watermark, max) until the watermark moves on.
func (h *msgHandler) snapshotConfirmed(v order.Version) bool {
	w := h.watermark.Load()
	return v.Step < w || (v.Step == w && v.TxID != math.MaxUint64)
}

func (h *msgHandler) deferSnapshot(st *opState) {
	st.deferred = true
	h.snapshots.ReplaceOrInsert(&snapshotWaiter{version: *st.op.Snapshot, txID: st.op.TxID()})
	snapshotDeferCounter.Inc()
	log.Debug("snapshot read deferred", zap.Uint64("shard-id", h.id), zap.Uint64("tx-id", st.op.TxID()),
		zap.Stringer("snapshot", *st.op.Snapshot), zap.Uint64("watermark", h.watermark.Load()))
}

func (h *msgHandler) undeferSnapshot(st *opState) {
	h.snapshots.Delete(&snapshotWaiter{version: *st.op.Snapshot, txID: st.op.TxID()})
	st.deferred = false
}

// releaseSnapshots queues every deferred read whose snapshot is now confirmed.
func (h *msgHandler) releaseSnapshots() {
	var ready []*snapshotWaiter
	h.snapshots.Ascend(func(i btree.Item) bool {
		w := i.(*snapshotWaiter)
		if !h.snapshotConfirmed(w.version) {
			return false
		}
		ready = append(ready, w)
		return true
	})
	for _, w := range ready {
		h.snapshots.Delete(w)
		st, ok := h.ops[w.txID]
		if !ok {
			continue
		}
		st.deferred = false
		h.track(st)
	}
}
