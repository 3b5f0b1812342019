// Package cluster runs several shards in one process: it splits the key space, routes readsets between shards,
// plans distributed operations and offers a client that proposes an operation to every shard it touches.
package cluster

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/pingcap-incubator/tinyshard/kv/config"
	"github.com/pingcap-incubator/tinyshard/kv/redo"
	"github.com/pingcap-incubator/tinyshard/kv/shard"
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap-incubator/tinyshard/kv/storage"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type node struct {
	id       uint64
	keyRange operation.KeyRange
	cfg      *config.Config
	store    storage.VersionStore
	redoLog  redo.Log
	engines  *engine_util.Engines
}

type Cluster struct {
	cfg      *config.Config
	programs *operation.Registry
	router   *Router
	planner  *Planner
	nodes    []*node

	txID atomic.Uint64
}

// NewCluster splits the key space at splits into len(splits)+1 shards with ids from 1. With cfg.DBPath set, every
// shard keeps its rows and redo log in badger under DBPath/shard-<id>, otherwise in memory.
func NewCluster(cfg *config.Config, splits [][]byte, programs *operation.Registry) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for i := 1; i < len(splits); i++ {
		if bytes.Compare(splits[i-1], splits[i]) >= 0 {
			return nil, errors.Errorf("split keys are not increasing at %d", i)
		}
	}
	router := NewRouter()
	c := &Cluster{
		cfg:      cfg,
		programs: programs,
		router:   router,
		planner:  NewPlanner(router),
	}
	var start []byte
	for i := 0; i <= len(splits); i++ {
		var end []byte
		if i < len(splits) {
			end = splits[i]
		}
		n := &node{
			id:       uint64(i + 1),
			keyRange: operation.KeyRange{Start: start, End: end},
		}
		n.cfg = cfg.Clone(n.id)
		if cfg.DBPath != "" {
			engines, err := engine_util.OpenEngines(filepath.Join(cfg.DBPath, fmt.Sprintf("shard-%d", n.id)), true)
			if err != nil {
				c.closeEngines()
				return nil, err
			}
			n.engines = engines
			n.store = storage.NewBadgerStorage(engines.Kv)
			n.redoLog = redo.NewBadgerLog(engines.Redo)
		} else {
			n.store = storage.NewMemStorage()
			n.redoLog = redo.NewMemLog()
		}
		c.nodes = append(c.nodes, n)
		start = end
	}
	return c, nil
}

func (c *Cluster) newShard(n *node) *shard.Shard {
	s := shard.NewShard(n.cfg, n.keyRange, n.store, n.redoLog, c.router, c.programs)
	s.SetPlanSource(c.planner)
	c.router.Register(s)
	return s
}

func (c *Cluster) Start() error {
	for _, n := range c.nodes {
		if err := c.newShard(n).Start(); err != nil {
			return err
		}
	}
	log.Info("cluster started", zap.Int("shards", len(c.nodes)))
	return nil
}

func (c *Cluster) Stop() {
	for _, s := range c.router.Shards() {
		s.Stop()
	}
	c.router.Stop()
	c.closeEngines()
}

func (c *Cluster) closeEngines() {
	for _, n := range c.nodes {
		if n.engines == nil {
			continue
		}
		if err := n.engines.Close(); err != nil {
			log.Error("close engines failed", zap.Uint64("shard-id", n.id), zap.Error(err))
		}
	}
}

// RestartShard stops shard id and starts a new instance on the same store and redo log.
func (c *Cluster) RestartShard(id uint64) error {
	n := c.node(id)
	if n == nil {
		return errors.Errorf("no shard %d", id)
	}
	if old := c.router.Get(id); old != nil {
		old.Stop()
	}
	log.Info("restarting shard", zap.Uint64("shard-id", id))
	return c.newShard(n).Start()
}

func (c *Cluster) node(id uint64) *node {
	for _, n := range c.nodes {
		if n.id == id {
			return n
		}
	}
	return nil
}

func (c *Cluster) Shard(id uint64) *shard.Shard {
	return c.router.Get(id)
}

func (c *Cluster) Router() *Router {
	return c.router
}

func (c *Cluster) Planner() *Planner {
	return c.planner
}

func (c *Cluster) NextTxID() uint64 {
	return c.txID.Inc()
}

// SchemaChanged announces a schema version to every shard.
func (c *Cluster) SchemaChanged(version uint64) {
	for _, s := range c.router.Shards() {
		s.SchemaChanged(version)
	}
}

// Participants returns the shards op touches, ordered by id.
func (c *Cluster) Participants(op *operation.Operation) []uint64 {
	writes := op.WriteFootprint()
	var ids []uint64
	for _, n := range c.nodes {
		if !op.Reads.Clip(n.keyRange).IsEmpty() || !writes.Clip(n.keyRange).IsEmpty() {
			ids = append(ids, n.id)
		}
	}
	return ids
}

// Pending is a proposed operation.
type Pending struct {
	c      *Cluster
	TxID   uint64
	shards []uint64
	cbs    []*message.Callback
	// The outcome of a planned operation is final even when a proposer gave up, so it can be asked for.
	planned bool
}

// Propose sends op to every shard it touches. An operation on several shards is distributed and gets planned; one
// on a single shard runs immediately unless it forces planning. Reads at a snapshot run immediately on each shard.
func (c *Cluster) Propose(ctx context.Context, op *operation.Operation) (*Pending, error) {
	if op.ID.TxID == 0 {
		op.ID.TxID = c.NextTxID()
	}
	ids := c.Participants(op)
	if len(ids) == 0 {
		return nil, errors.Errorf("operation %d touches no shard", op.ID.TxID)
	}
	p := &Pending{c: c, TxID: op.ID.TxID, shards: ids}
	distributed := len(ids) > 1 && op.Snapshot == nil
	p.planned = distributed || op.Flags.Has(operation.FlagForceOnline)
	var firstErr error
	for _, id := range ids {
		cp := *op
		cp.Peers = nil
		if distributed {
			cp.Peers = others(ids, id)
		}
		cb, err := c.router.Get(id).Propose(ctx, &cp)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if !p.planned {
				return nil, err
			}
			// Planned anyway: the shards that accepted it learn the abort from this one.
			cb = message.NewCallback()
			cb.Done(&message.Response{TxID: p.TxID, Err: err})
		}
		p.cbs = append(p.cbs, cb)
	}
	if p.planned {
		c.planner.Plan(PlannedTx{TxID: p.TxID, Shards: ids})
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return p, nil
}

func others(ids []uint64, self uint64) []uint64 {
	res := make([]uint64, 0, len(ids)-1)
	for _, id := range ids {
		if id != self {
			res = append(res, id)
		}
	}
	return res
}

// Wait collects the answers of every shard. An undetermined answer of a planned operation is resolved by asking the
// shard for the outcome.
func (p *Pending) Wait(ctx context.Context) (*operation.Result, error) {
	merged := &operation.Result{Values: make(map[string][]byte)}
	var firstErr error
	for i, cb := range p.cbs {
		resp := cb.WaitResp()
		if resp != nil && shard.IsUndetermined(resp.Err) && p.planned {
			resp = p.c.WaitTx(ctx, p.shards[i], p.TxID, resp)
		}
		if resp == nil {
			continue
		}
		if resp.Err != nil {
			if firstErr == nil || shard.IsAborted(resp.Err) {
				firstErr = resp.Err
			}
			continue
		}
		mergeResult(merged, resp.Result)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	sort.Slice(merged.Rows, func(i, j int) bool { return bytes.Compare(merged.Rows[i].Key, merged.Rows[j].Key) < 0 })
	return merged, nil
}

func mergeResult(dst, src *operation.Result) {
	if src == nil {
		return
	}
	for k, v := range src.Values {
		dst.Values[k] = v
	}
	dst.Rows = append(dst.Rows, src.Rows...)
	dst.Truncated = dst.Truncated || src.Truncated
	if dst.Version.Less(src.Version) {
		dst.Version = src.Version
	}
}

const waitTxRetryInterval = 20 * time.Millisecond

// WaitTx asks shard id for the outcome of txID until it answers or ctx is done, in which case last is returned. A
// shard being restarted is asked again once its new instance is up.
func (c *Cluster) WaitTx(ctx context.Context, id, txID uint64, last *message.Response) *message.Response {
	for {
		s := c.router.Get(id)
		if s != nil {
			resp, err := s.WaitTx(ctx, txID)
			if err == nil {
				if errors.Cause(resp.Err) != shard.ErrShardStopped && !shard.IsUndetermined(resp.Err) {
					return resp
				}
			} else if errors.Cause(err) != shard.ErrShardStopped {
				return last
			}
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(waitTxRetryInterval):
		}
	}
}

// Execute proposes op and waits for the outcome.
func (c *Cluster) Execute(ctx context.Context, op *operation.Operation) (*operation.Result, error) {
	p, err := c.Propose(ctx, op)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Get reads key now.
func (c *Cluster) Get(ctx context.Context, key []byte) ([]byte, error) {
	res, err := c.Execute(ctx, &operation.Operation{Kind: operation.KindReadOnly, Reads: operation.PointFootprint(key)})
	if err != nil {
		return nil, err
	}
	return res.Values[string(key)], nil
}

// Put writes key immediately.
func (c *Cluster) Put(ctx context.Context, key, value []byte) error {
	_, err := c.Execute(ctx, &operation.Operation{
		Kind:   operation.KindDataTx,
		Writes: []operation.Mutation{{Key: key, Value: value}},
	})
	return err
}
