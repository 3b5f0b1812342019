package message

import (
	"encoding/binary"
	"fmt"

	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinyshard/kv/util/codec"
	"github.com/pingcap/errors"
)

type Outcome int

const (
	OutcomeCommit Outcome = iota
	OutcomeAbort
)

func (o Outcome) String() string {
	if o == OutcomeCommit {
		return "Commit"
	}
	return "Abort"
}

// ReadSet is the message one participant of a distributed operation sends to another, declaring its local outcome.
// Payload holds the sender's local reads. A readset is applied once per (TxID, Source, Dest) edge.
type ReadSet struct {
	TxID    uint64
	Source  uint64
	Dest    uint64
	Outcome Outcome
	Payload []byte
	// Echo marks a readset sent back to a peer that asked about a finished operation. Echoes are never answered
	// with another echo.
	Echo bool
	// Ack confirms to Dest that its readset for TxID is stored. Acks carry no outcome and are never answered.
	Ack bool
}

func (rs *ReadSet) String() string {
	if rs.Ack {
		return fmt.Sprintf("readset ack tx %d %d->%d", rs.TxID, rs.Source, rs.Dest)
	}
	return fmt.Sprintf("readset tx %d %d->%d %s (%d bytes)", rs.TxID, rs.Source, rs.Dest, rs.Outcome, len(rs.Payload))
}

const (
	readSetChecksumLen = 4

	readSetFlagEcho uint64 = 1
	readSetFlagAck  uint64 = 2
)

// EncodeReadSet serializes a readset with a trailing farm checksum.
func EncodeReadSet(rs *ReadSet) []byte {
	var b []byte
	b = codec.EncodeUvarint(b, rs.TxID)
	b = codec.EncodeUvarint(b, rs.Source)
	b = codec.EncodeUvarint(b, rs.Dest)
	b = codec.EncodeUvarint(b, uint64(rs.Outcome))
	var flags uint64
	if rs.Echo {
		flags |= readSetFlagEcho
	}
	if rs.Ack {
		flags |= readSetFlagAck
	}
	b = codec.EncodeUvarint(b, flags)
	b = codec.EncodeCompactBytes(b, rs.Payload)
	var sum [readSetChecksumLen]byte
	binary.BigEndian.PutUint32(sum[:], farm.Fingerprint32(b))
	return append(b, sum[:]...)
}

func DecodeReadSet(data []byte) (*ReadSet, error) {
	if len(data) < readSetChecksumLen {
		return nil, errors.New("readset: too short")
	}
	body, sum := data[:len(data)-readSetChecksumLen], data[len(data)-readSetChecksumLen:]
	if binary.BigEndian.Uint32(sum) != farm.Fingerprint32(body) {
		return nil, errors.New("readset: checksum mismatch")
	}
	rs := new(ReadSet)
	var err error
	var outcome, flags uint64
	for _, v := range []*uint64{&rs.TxID, &rs.Source, &rs.Dest, &outcome, &flags} {
		if body, *v, err = codec.DecodeUvarint(body); err != nil {
			return nil, errors.Annotate(err, "readset")
		}
	}
	if outcome > uint64(OutcomeAbort) {
		return nil, errors.Errorf("readset: bad outcome %d", outcome)
	}
	rs.Outcome = Outcome(outcome)
	rs.Echo = flags&readSetFlagEcho != 0
	rs.Ack = flags&readSetFlagAck != 0
	body, payload, err := codec.DecodeCompactBytes(body)
	if err != nil {
		return nil, errors.Annotate(err, "readset")
	}
	if len(body) != 0 {
		return nil, errors.Errorf("readset: %d trailing bytes", len(body))
	}
	if len(payload) > 0 {
		rs.Payload = append([]byte(nil), payload...)
	}
	return rs, nil
}

// Transport delivers readsets to other shards. Delivery is reliable but may be delayed, duplicated or reordered with
// unrelated readsets.
type Transport interface {
	SendReadSet(rs *ReadSet) error
}
