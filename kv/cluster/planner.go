package cluster

import (
	"sync"

	"github.com/pingcap-incubator/tinyshard/kv/shard"
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
)

// PlannedTx is a transaction to place on the plan timeline, with the shards taking part.
type PlannedTx struct {
	TxID   uint64
	Shards []uint64
}

type planEntry struct {
	step    uint64
	batches map[uint64][]uint64
}

// Planner hands out plan steps. Every step reaches every shard: participants get the batch of their transactions,
// the others only learn that the step passed. Steps are kept until every shard persisted a watermark past them, so a
// shard that was down when a step was handed out gets it when it starts again.
type Planner struct {
	mu      sync.Mutex
	step    uint64
	router  *Router
	history []planEntry
}

func NewPlanner(router *Router) *Planner {
	return &Planner{router: router}
}

// Plan puts txs on the next step and returns it.
func (p *Planner) Plan(txs ...PlannedTx) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.step++
	batches := make(map[uint64][]uint64)
	for _, tx := range txs {
		for _, id := range tx.Shards {
			batches[id] = append(batches[id], tx.TxID)
		}
	}
	shards := p.router.Shards()
	p.trim(shards)
	if len(batches) > 0 {
		p.history = append(p.history, planEntry{step: p.step, batches: batches})
	}
	for _, s := range shards {
		if ids, ok := batches[s.ID()]; ok {
			s.PlanStep(p.step, ids)
		} else {
			s.AdvanceWatermark(p.step)
		}
	}
	return p.step
}

// trim drops the steps every registered shard has persisted.
func (p *Planner) trim(shards []*shard.Shard) {
	low := p.step
	for _, s := range shards {
		if w := s.PersistedWatermark(); w < low {
			low = w
		}
	}
	i := 0
	for i < len(p.history) && p.history[i].step <= low {
		i++
	}
	p.history = append(p.history[:0], p.history[i:]...)
}

// PlannedAfter implements shard.PlanSource.
func (p *Planner) PlannedAfter(id, step uint64) ([]message.MsgPlanStep, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var steps []message.MsgPlanStep
	for _, e := range p.history {
		if e.step <= step {
			continue
		}
		if ids, ok := e.batches[id]; ok {
			steps = append(steps, message.MsgPlanStep{Step: e.step, TxIDs: append([]uint64(nil), ids...)})
		}
	}
	return steps, p.step
}

// Advance moves every shard to the next step without planning anything.
func (p *Planner) Advance() uint64 {
	return p.Plan()
}

func (p *Planner) Step() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}

// Pending returns how many steps with operations are kept for shards that may not have persisted them.
func (p *Planner) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}
