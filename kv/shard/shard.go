// Package shard runs the transaction execution core of one shard: it queues proposed operations, decides when each
// may run, executes local parts against the version store, exchanges readsets with the other participants of
// distributed operations and rebuilds all of that from the redo log after a restart.
//
// All state of a shard is owned by a single goroutine consuming typed messages. The exported methods only validate
// input and post messages.
package shard

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinyshard/kv/config"
	"github.com/pingcap-incubator/tinyshard/kv/redo"
	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap-incubator/tinyshard/kv/storage"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/latches"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/locks"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type phase int

const (
	// The redo log is being read, every message but ticks is held.
	phaseLoading phase = iota
	// Restored operations are still unresolved.
	phaseRestored
	phaseNormal
)

func (p phase) String() string {
	switch p {
	case phaseLoading:
		return "Loading"
	case phaseRestored:
		return "Restored"
	}
	return "Normal"
}

const msgChanSize = 4096

// PlanSource gives a restarting shard the plan steps it may have missed while it was down.
type PlanSource interface {
	// PlannedAfter returns, oldest first, the steps after step that assign operations to shard id, and the last step
	// handed out.
	PlannedAfter(id, step uint64) ([]message.MsgPlanStep, uint64)
}

type Shard struct {
	id        uint64
	cfg       *config.Config
	keyRange  operation.KeyRange
	store     storage.VersionStore
	redoLog   redo.Log
	transport message.Transport
	programs  *operation.Registry
	plans     PlanSource
	limiter   *rate.Limiter
	shardTag  string

	msgCh   chan message.Msg
	closeCh chan struct{}
	wg      sync.WaitGroup

	// Read outside the loop.
	watermark atomic.Uint64
	persisted atomic.Uint64
	queued    atomic.Int64
	started   atomic.Bool
	stopped   atomic.Bool

	// Everything below is owned by the loop.
	phase         phase
	tracker       *latches.Tracker
	locks         *locks.Table
	ops           map[uint64]*opState
	pending       []uint64
	snapshots     *btree.BTree
	early         map[uint64]map[uint64]*message.ReadSet
	terminal      map[uint64]*redo.Terminal
	retained      map[uint64]*retention
	unsavedPlans  map[uint64]*opState
	restored      map[uint64]struct{}
	held          []message.Msg
	schemaVersion uint64
	ticks         int
	loadErr       error
}

// NewShard creates a shard owning keyRange. It does nothing until Start.
func NewShard(cfg *config.Config, keyRange operation.KeyRange, store storage.VersionStore, redoLog redo.Log,
	transport message.Transport, programs *operation.Registry) *Shard {
	s := &Shard{
		id:        cfg.ShardID,
		cfg:       cfg,
		keyRange:  keyRange,
		store:     store,
		redoLog:   redoLog,
		transport: transport,
		programs:  programs,
		shardTag:  strconv.FormatUint(cfg.ShardID, 10),
		msgCh:     make(chan message.Msg, msgChanSize),
		closeCh:   make(chan struct{}),
		tracker:   latches.NewTracker(cfg.OutOfOrderLimit),
		locks:     locks.NewTable(),
		ops:       make(map[uint64]*opState),
		snapshots: btree.New(8),
		early:     make(map[uint64]map[uint64]*message.ReadSet),
		terminal:  make(map[uint64]*redo.Terminal),
		retained:  make(map[uint64]*retention),
		restored:  make(map[uint64]struct{}),

		unsavedPlans: make(map[uint64]*opState),
	}
	if cfg.ProposeRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ProposeRateLimit), cfg.ProposeBurst)
	}
	// Loading holds every operation until the redo log is read.
	s.tracker.SetBarrier(true)
	return s
}

func (s *Shard) ID() uint64 {
	return s.id
}

func (s *Shard) KeyRange() operation.KeyRange {
	return s.keyRange
}

// Watermark returns the highest plan step the shard has seen.
func (s *Shard) Watermark() uint64 {
	return s.watermark.Load()
}

// PersistedWatermark returns the step up to which every plan step is durable on the shard, so it is never needed
// again.
func (s *Shard) PersistedWatermark() uint64 {
	return s.persisted.Load()
}

// SetPlanSource sets where the shard asks for missed plan steps when it starts. It must be called before Start.
func (s *Shard) SetPlanSource(plans PlanSource) {
	s.plans = plans
}

// Start reads the redo log in the background and starts the loop.
func (s *Shard) Start() error {
	if !s.started.CAS(false, true) {
		return errors.New("shard already started")
	}
	log.Info("starting shard", zap.Uint64("shard-id", s.id), zap.Stringer("range", s.keyRange))
	s.wg.Add(3)
	go s.run()
	go s.runTicker()
	go s.load()
	return nil
}

// Stop stops the loop. Proposals still in flight are answered: immediate operations with a definite abort, planned
// ones, which resume after a restart, as undetermined.
func (s *Shard) Stop() {
	if !s.stopped.CAS(false, true) {
		return
	}
	close(s.closeCh)
	s.wg.Wait()
	s.answerOnStop()
	log.Info("shard stopped", zap.Uint64("shard-id", s.id))
}

// Propose submits an operation. Refusals are returned directly; everything else is answered through the callback.
// When ctx is done before the answer, the shard answers with ErrTimeout.
func (s *Shard) Propose(ctx context.Context, op *operation.Operation) (*message.Callback, error) {
	if s.stopped.Load() {
		return nil, ErrShardStopped
	}
	if err := op.Validate(); err != nil {
		return nil, errors.Annotate(ErrBadRequest, err.Error())
	}
	if op.Snapshot != nil && !s.cfg.EnableMvcc {
		return nil, ErrMvccDisabled
	}
	if op.Program != "" {
		if _, ok := s.programs.Lookup(op.Program); !ok {
			return nil, errors.Annotatef(ErrBadRequest, "unknown program %s", op.Program)
		}
	}
	if s.queued.Load() >= int64(s.cfg.MaxQueuedOperations) {
		operationCounter.WithLabelValues("proposal", "overloaded").Inc()
		return nil, &ErrOverloaded{Reason: "too many queued operations"}
	}
	if s.limiter != nil && !s.limiter.Allow() {
		operationCounter.WithLabelValues("proposal", "overloaded").Inc()
		return nil, &ErrOverloaded{Reason: "propose rate limit"}
	}
	cp := *op
	cp.ID.Step = 0
	cp.Status = operation.StatusQueued
	cb := message.NewCallback()
	s.queued.Inc()
	if !s.send(message.NewShardMsg(message.MsgTypePropose, s.id, &message.MsgPropose{Op: &cp, Callback: cb})) {
		s.queued.Dec()
		return nil, ErrShardStopped
	}
	if ctx.Done() != nil {
		go s.watchDeadline(ctx, cp.TxID(), cb)
	}
	return cb, nil
}

func (s *Shard) watchDeadline(ctx context.Context, txID uint64, cb *message.Callback) {
	select {
	case <-ctx.Done():
		s.send(message.NewShardMsg(message.MsgTypeTimeout, s.id, &message.MsgTimeout{TxID: txID, Callback: cb}))
	case <-cb.Finished():
	case <-s.closeCh:
	}
}

// DeliverReadSet hands a readset from a peer to the shard.
func (s *Shard) DeliverReadSet(rs *message.ReadSet) {
	s.send(message.NewShardMsg(message.MsgTypeReadSet, s.id, rs))
}

// PlanStep assigns step to the proposed operations txIDs. The batch holds every operation of the step that
// involves this shard.
func (s *Shard) PlanStep(step uint64, txIDs []uint64) {
	s.send(message.NewShardMsg(message.MsgTypePlanStep, s.id, &message.MsgPlanStep{Step: step, TxIDs: txIDs}))
}

// AdvanceWatermark tells that no plan step up to step is still to come.
func (s *Shard) AdvanceWatermark(step uint64) {
	s.send(message.NewShardMsg(message.MsgTypeWatermark, s.id, step))
}

func (s *Shard) SchemaChanged(version uint64) {
	s.send(message.NewShardMsg(message.MsgTypeSchemaChanged, s.id, version))
}

// WaitTx waits for the outcome of a transaction by id, also one proposed before a restart.
func (s *Shard) WaitTx(ctx context.Context, txID uint64) (*message.Response, error) {
	cb := message.NewCallback()
	if !s.send(message.NewShardMsg(message.MsgTypeWatchTx, s.id, &message.MsgWatchTx{TxID: txID, Callback: cb})) {
		return nil, ErrShardStopped
	}
	return cb.WaitRespWithContext(ctx)
}

func (s *Shard) send(msg message.Msg) bool {
	select {
	case <-s.closeCh:
		return false
	default:
	}
	select {
	case s.msgCh <- msg:
		return true
	case <-s.closeCh:
		return false
	}
}

// run is the loop. Messages are batched by the channel buffer; after a batch is handled, every operation that may
// run is executed.
func (s *Shard) run() {
	defer s.wg.Done()
	var msgs []message.Msg
	for {
		msgs = msgs[:0]
		select {
		case <-s.closeCh:
			return
		case msg := <-s.msgCh:
			msgs = append(msgs, msg)
		}
		pending := len(s.msgCh)
		for i := 0; i < pending; i++ {
			msgs = append(msgs, <-s.msgCh)
		}
		h := newMsgHandler(s)
		for _, msg := range msgs {
			h.HandleMsg(msg)
		}
		h.progress()
		queuedOperationsGauge.WithLabelValues(s.shardTag).Set(float64(s.queued.Load()))
		terminalFactsGauge.WithLabelValues(s.shardTag).Set(float64(len(s.terminal)))
	}
}

func (s *Shard) runTicker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.BaseTickInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			select {
			case s.msgCh <- message.NewShardMsg(message.MsgTypeTick, s.id, nil):
			default:
			}
		}
	}
}

type recoveryLoaded struct {
	state *redo.State
	err   error
	// Plan steps after the persisted watermark, and the last step planned.
	replay   []message.MsgPlanStep
	lastStep uint64
}

func (s *Shard) load() {
	defer s.wg.Done()
	loaded := new(recoveryLoaded)
	loaded.state, loaded.err = s.redoLog.Load()
	if loaded.err == nil && s.plans != nil {
		loaded.replay, loaded.lastStep = s.plans.PlannedAfter(s.id, loaded.state.Watermark)
	}
	s.send(message.NewShardMsg(message.MsgTypeRecoveryLoaded, s.id, loaded))
}

// answerOnStop runs after the loop exited. Plan steps still queued are dropped, the plan source gives them again.
func (s *Shard) answerOnStop() {
	for {
		select {
		case msg := <-s.msgCh:
			s.held = append(s.held, msg)
			continue
		default:
		}
		break
	}
	for _, msg := range s.held {
		switch msg.Type {
		case message.MsgTypePropose:
			p := msg.Data.(*message.MsgPropose)
			p.Callback.Done(&message.Response{TxID: p.Op.TxID(), Err: &ErrAborted{TxID: p.Op.TxID(), Reason: "shard stopped"}})
		case message.MsgTypeWatchTx:
			w := msg.Data.(*message.MsgWatchTx)
			w.Callback.Done(&message.Response{TxID: w.TxID, Err: ErrShardStopped})
		}
	}
	s.held = nil
	for txID, st := range s.ops {
		var err error
		if st.logged() {
			err = &ErrTimeout{TxID: txID, Undetermined: true}
		} else {
			err = &ErrAborted{TxID: txID, Reason: "shard stopped"}
		}
		st.respond(&message.Response{TxID: txID, Err: err})
	}
}
