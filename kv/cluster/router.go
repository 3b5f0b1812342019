package cluster

import (
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinyshard/kv/shard"
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap-incubator/tinyshard/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type FilterAction int

const (
	Deliver FilterAction = iota
	// Hold keeps the readset until ReleaseHeld or DropHeld.
	Hold
	Drop
	Duplicate
)

// Filter decides what the router does with a readset. The first filter not returning Deliver wins.
type Filter func(rs *message.ReadSet) FilterAction

// HoldAll holds every readset.
func HoldAll(rs *message.ReadSet) FilterAction {
	return Hold
}

// Router is an in-process message.Transport. Readsets are encoded as they would be on the wire and delivered in send
// order by a worker, to whichever shard instance is registered for the destination at delivery time.
type Router struct {
	mu      sync.Mutex
	shards  map[uint64]*shard.Shard
	filters []Filter
	held    [][]byte

	delivery *worker.Worker
	wg       sync.WaitGroup
}

const deliveryCapacity = 1024

func NewRouter() *Router {
	r := &Router{shards: make(map[uint64]*shard.Shard)}
	r.delivery = worker.NewWorker("readset-delivery", deliveryCapacity, &r.wg)
	r.delivery.Start(r)
	return r
}

// Register makes s the destination for its shard id, replacing an earlier instance.
func (r *Router) Register(s *shard.Shard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards[s.ID()] = s
}

func (r *Router) Get(id uint64) *shard.Shard {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shards[id]
}

// Shards returns the registered shards ordered by id.
func (r *Router) Shards() []*shard.Shard {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*shard.Shard, 0, len(r.shards))
	for _, s := range r.shards {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID() < res[j].ID() })
	return res
}

func (r *Router) SendReadSet(rs *message.ReadSet) error {
	data := message.EncodeReadSet(rs)
	r.mu.Lock()
	action := Deliver
	for _, f := range r.filters {
		if a := f(rs); a != Deliver {
			action = a
			break
		}
	}
	switch action {
	case Hold:
		r.held = append(r.held, data)
		r.mu.Unlock()
		return nil
	case Drop:
		r.mu.Unlock()
		log.Debug("readset dropped", zap.Stringer("readset", rs))
		return nil
	}
	r.mu.Unlock()
	n := 1
	if action == Duplicate {
		n = 2
	}
	for i := 0; i < n; i++ {
		if !r.delivery.Send(data) {
			return errors.New("router is stopped")
		}
	}
	return nil
}

// Handle delivers one encoded readset.
func (r *Router) Handle(t worker.Task) {
	rs, err := message.DecodeReadSet(t.([]byte))
	if err != nil {
		log.Error("decode readset failed", zap.Error(err))
		return
	}
	s := r.Get(rs.Dest)
	if s == nil {
		log.Warn("readset for unknown shard", zap.Stringer("readset", rs))
		return
	}
	s.DeliverReadSet(rs)
}

func (r *Router) AddFilter(f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, f)
}

func (r *Router) ClearFilters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = nil
}

func (r *Router) HeldCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

// ReleaseHeld delivers every held readset, in the order they were sent.
func (r *Router) ReleaseHeld() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	r.mu.Unlock()
	for _, data := range held {
		r.delivery.Send(data)
	}
}

// DropHeld forgets every held readset and returns how many there were.
func (r *Router) DropHeld() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.held)
	r.held = nil
	return n
}

func (r *Router) Stop() {
	r.delivery.Stop()
	r.wg.Wait()
}
