// Package redo keeps the durable records a shard needs to rebuild its in-flight distributed operations after a
// restart: one record per non-terminal operation, every readset received for it, and the terminal facts of finished
// operations.
package redo

import (
	"fmt"

	"github.com/pingcap-incubator/tinyshard/kv/shard/message"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/order"
	"github.com/pingcap-incubator/tinyshard/kv/util/codec"
	"github.com/pingcap/errors"
)

type OpState int

const (
	// Accepted for planning, no step yet.
	StateProposed OpState = iota
	// Step assigned, local part not executed.
	StatePlanned
	// Local part executed and the local outcome promised to the peers.
	StatePrepared
)

func (s OpState) String() string {
	switch s {
	case StateProposed:
		return "Proposed"
	case StatePlanned:
		return "Planned"
	case StatePrepared:
		return "Prepared"
	}
	return fmt.Sprintf("OpState(%d)", int(s))
}

// Record is the redo record of a distributed operation.
type Record struct {
	Op    *operation.Operation
	State OpState
	// Set once prepared.
	Outcome message.Outcome
	// Local reads sent to the peers.
	Payload []byte
	// Tentative writes, when they could be computed from local reads alone.
	Writes         []operation.Mutation
	WritesComputed bool
	Reason         string
}

func (r *Record) ToBytes() []byte {
	var b []byte
	b = codec.EncodeUvarint(b, uint64(r.State))
	b = codec.EncodeCompactBytes(b, r.Op.ToBytes())
	b = codec.EncodeUvarint(b, uint64(r.Outcome))
	b = codec.EncodeCompactBytes(b, r.Payload)
	computed := uint64(0)
	if r.WritesComputed {
		computed = 1
	}
	b = codec.EncodeUvarint(b, computed)
	b = codec.EncodeCompactBytes(b, operation.EncodeMutations(r.Writes))
	b = codec.EncodeCompactBytes(b, []byte(r.Reason))
	return b
}

func ParseRecord(data []byte) (*Record, error) {
	r := new(Record)
	var state, outcome, computed uint64
	var opData, writes, reason []byte
	var err error
	if data, state, err = codec.DecodeUvarint(data); err != nil {
		return nil, errors.Annotate(err, "redo: state")
	}
	if data, opData, err = codec.DecodeCompactBytes(data); err != nil {
		return nil, errors.Annotate(err, "redo: operation")
	}
	if data, outcome, err = codec.DecodeUvarint(data); err != nil {
		return nil, errors.Annotate(err, "redo: outcome")
	}
	if data, r.Payload, err = codec.DecodeCompactBytes(data); err != nil {
		return nil, errors.Annotate(err, "redo: payload")
	}
	if data, computed, err = codec.DecodeUvarint(data); err != nil {
		return nil, errors.Annotate(err, "redo: writes flag")
	}
	if data, writes, err = codec.DecodeCompactBytes(data); err != nil {
		return nil, errors.Annotate(err, "redo: writes")
	}
	if _, reason, err = codec.DecodeCompactBytes(data); err != nil {
		return nil, errors.Annotate(err, "redo: reason")
	}
	if r.Op, err = operation.ParseOperation(opData); err != nil {
		return nil, err
	}
	if r.Writes, err = operation.DecodeMutations(writes); err != nil {
		return nil, errors.Annotate(err, "redo: writes")
	}
	if len(r.Payload) == 0 {
		r.Payload = nil
	} else {
		r.Payload = append([]byte(nil), r.Payload...)
	}
	r.State = OpState(state)
	r.Outcome = message.Outcome(outcome)
	r.WritesComputed = computed == 1
	r.Reason = string(reason)
	return r, nil
}

// Terminal is the fact that an operation finished. Outcome and Payload repeat the readset the shard sent to its
// peers, so a peer that lost it can be answered later.
type Terminal struct {
	TxID    uint64
	Status  operation.Status
	Version order.Version
	Reason  string
	Outcome message.Outcome
	Payload []byte
	Peers   []uint64
	// PeersUnknown is set when the shard never learned who takes part, so anybody may still ask.
	PeersUnknown bool
}

const terminalFlagPeersUnknown uint64 = 1

func (t *Terminal) ToBytes() []byte {
	var b []byte
	b = codec.EncodeUvarint(b, t.TxID)
	b = codec.EncodeUvarint(b, uint64(t.Status))
	b = codec.EncodeUvarint(b, t.Version.Step)
	b = codec.EncodeUvarint(b, t.Version.TxID)
	b = codec.EncodeCompactBytes(b, []byte(t.Reason))
	b = codec.EncodeUvarint(b, uint64(t.Outcome))
	b = codec.EncodeCompactBytes(b, t.Payload)
	var flags uint64
	if t.PeersUnknown {
		flags |= terminalFlagPeersUnknown
	}
	b = codec.EncodeUvarint(b, flags)
	b = codec.EncodeUvarint(b, uint64(len(t.Peers)))
	for _, peer := range t.Peers {
		b = codec.EncodeUvarint(b, peer)
	}
	return b
}

func ParseTerminal(data []byte) (*Terminal, error) {
	t := new(Terminal)
	var status, outcome uint64
	var reason, payload []byte
	var err error
	for _, v := range []*uint64{&t.TxID, &status, &t.Version.Step, &t.Version.TxID} {
		if data, *v, err = codec.DecodeUvarint(data); err != nil {
			return nil, errors.Annotate(err, "redo: terminal")
		}
	}
	if data, reason, err = codec.DecodeCompactBytes(data); err != nil {
		return nil, errors.Annotate(err, "redo: terminal reason")
	}
	if data, outcome, err = codec.DecodeUvarint(data); err != nil {
		return nil, errors.Annotate(err, "redo: terminal outcome")
	}
	if data, payload, err = codec.DecodeCompactBytes(data); err != nil {
		return nil, errors.Annotate(err, "redo: terminal payload")
	}
	var flags, count uint64
	for _, v := range []*uint64{&flags, &count} {
		if data, *v, err = codec.DecodeUvarint(data); err != nil {
			return nil, errors.Annotate(err, "redo: terminal peers")
		}
	}
	if count > uint64(len(data)) {
		return nil, errors.Errorf("redo: terminal with %d peers in %d bytes", count, len(data))
	}
	for i := uint64(0); i < count; i++ {
		var peer uint64
		if data, peer, err = codec.DecodeUvarint(data); err != nil {
			return nil, errors.Annotate(err, "redo: terminal peers")
		}
		t.Peers = append(t.Peers, peer)
	}
	t.PeersUnknown = flags&terminalFlagPeersUnknown != 0
	t.Status = operation.Status(status)
	t.Reason = string(reason)
	t.Outcome = message.Outcome(outcome)
	if len(payload) > 0 {
		t.Payload = append([]byte(nil), payload...)
	}
	return t, nil
}

// State is everything a shard reloads at start.
type State struct {
	// Highest step the shard had seen.
	Watermark uint64
	Ops       []*Record
	ReadSets  []*message.ReadSet
	Terminal  []*Terminal
}

// Log is the durable redo log of one shard. Every call is durable when it returns.
type Log interface {
	// SaveOp creates or replaces the record of Op.TxID.
	SaveOp(rec *Record) error
	// SaveReadSet stores a received readset. Saving the same edge twice keeps one copy.
	SaveReadSet(rs *message.ReadSet) error
	// Finish stores a terminal fact and drops the record and received readsets of the transaction in one batch.
	Finish(t *Terminal) error
	// Forget drops the terminal facts of txIDs.
	Forget(txIDs []uint64) error
	// SaveWatermark records that no plan step up to step is still to come.
	SaveWatermark(step uint64) error
	Load() (*State, error)
}
