package shard

import (
	"github.com/pingcap-incubator/tinyshard/kv/redo"
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// retention is what a terminal fact is still kept for.
type retention struct {
	step uint64
	// Peers that have not confirmed our readset.
	unacked map[uint64]struct{}
	// Set when anybody may still ask.
	pinned bool
	passes int
}

func (r *retention) settled() bool {
	return !r.pinned && len(r.unacked) == 0
}

// retain starts tracking a terminal fact. acked holds the peers that already confirmed our readset, nil for a fact
// loaded from the redo log.
func (h *msgHandler) retain(term *redo.Terminal, acked map[uint64]struct{}) {
	r := &retention{
		step:    term.Version.Step,
		unacked: make(map[uint64]struct{}),
		pinned:  term.PeersUnknown,
	}
	for _, peer := range term.Peers {
		if _, ok := acked[peer]; !ok {
			r.unacked[peer] = struct{}{}
		}
	}
	h.retained[term.TxID] = r
}

// onAck records that rs.Source stored our readset.
func (h *msgHandler) onAck(rs *message.ReadSet) {
	readSetCounter.WithLabelValues("acked").Inc()
	if st, ok := h.ops[rs.TxID]; ok {
		st.acked[rs.Source] = struct{}{}
		return
	}
	if r, ok := h.retained[rs.TxID]; ok {
		delete(r.unacked, rs.Source)
	}
}

func (h *msgHandler) sendAck(rs *message.ReadSet) {
	ack := &message.ReadSet{TxID: rs.TxID, Source: h.id, Dest: rs.Source, Ack: true}
	if err := h.transport.SendReadSet(ack); err != nil {
		log.Warn("send readset ack failed", zap.Uint64("shard-id", h.id), zap.Stringer("readset", ack), zap.Error(err))
		return
	}
	readSetCounter.WithLabelValues("ack").Inc()
}

// collectTerminal forgets the terminal facts nobody can ask about any more: every peer confirmed our readset and the
// step of the fact is TerminalRetentionSteps below the watermark. Peers that still did not confirm get the readset
// again.
func (h *msgHandler) collectTerminal() {
	watermark := h.watermark.Load()
	var forget []uint64
	for txID, r := range h.retained {
		if r.passes > 0 {
			for peer := range r.unacked {
				h.echo(h.terminal[txID], peer)
			}
		}
		r.passes++
		if h.cfg.TerminalRetentionSteps == 0 || !r.settled() || r.step+h.cfg.TerminalRetentionSteps > watermark {
			continue
		}
		forget = append(forget, txID)
	}
	if len(forget) == 0 {
		return
	}
	if err := h.redoLog.Forget(forget); err != nil {
		log.Error("forget terminal facts failed", zap.Uint64("shard-id", h.id), zap.Int("count", len(forget)),
			zap.Error(err))
		return
	}
	for _, txID := range forget {
		delete(h.terminal, txID)
		delete(h.retained, txID)
	}
	log.Debug("terminal facts forgotten", zap.Uint64("shard-id", h.id), zap.Int("count", len(forget)),
		zap.Int("kept", len(h.terminal)))
}
