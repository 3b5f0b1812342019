package message

import (
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
)

type MsgType int64

const (
	// just a placeholder
	MsgTypeNull MsgType = 0
	// message of base tick to drive the ticker
	MsgTypeTick MsgType = 1
	// message wraps an operation proposed by a client
	MsgTypePropose MsgType = 2
	// message wraps a readset from a peer shard
	MsgTypeReadSet MsgType = 3
	// message assigns a plan step to a batch of proposed distributed operations
	MsgTypePlanStep MsgType = 4
	// message tells that no plan step up to the given one is still to come
	MsgTypeWatermark MsgType = 5
	// message tells that a client stopped waiting for an operation
	MsgTypeTimeout MsgType = 6
	// message announces a new schema version
	MsgTypeSchemaChanged MsgType = 7
	// message attaches a waiter to a transaction by tx id
	MsgTypeWatchTx MsgType = 8
	// message carries the state loaded from the redo log at start
	MsgTypeRecoveryLoaded MsgType = 9
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeNull:
		return "Null"
	case MsgTypeTick:
		return "Tick"
	case MsgTypePropose:
		return "Propose"
	case MsgTypeReadSet:
		return "ReadSet"
	case MsgTypePlanStep:
		return "PlanStep"
	case MsgTypeWatermark:
		return "Watermark"
	case MsgTypeTimeout:
		return "Timeout"
	case MsgTypeSchemaChanged:
		return "SchemaChanged"
	case MsgTypeWatchTx:
		return "WatchTx"
	case MsgTypeRecoveryLoaded:
		return "RecoveryLoaded"
	}
	return "Unknown"
}

type Msg struct {
	Type    MsgType
	ShardID uint64
	Data    interface{}
}

func NewShardMsg(tp MsgType, shardID uint64, data interface{}) Msg {
	return Msg{Type: tp, ShardID: shardID, Data: data}
}

type MsgPropose struct {
	Op       *operation.Operation
	Callback *Callback
}

type MsgPlanStep struct {
	Step  uint64
	TxIDs []uint64
}

type MsgTimeout struct {
	TxID     uint64
	Callback *Callback
}

type MsgWatchTx struct {
	TxID     uint64
	Callback *Callback
}
