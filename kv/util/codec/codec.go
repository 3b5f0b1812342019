package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)

	// VersionLen is the length of an encoded (step, txID) suffix.
	VersionLen = 16
)

var pads = make([]byte, encGroupSize)

// EncodeKey encodes a user key and appends an encoded row version. Keys are sorted first by user key (ascending), then
// by version (descending), so a seek to (key, snapshot) lands on the newest version not above the snapshot. The
// encoding is based on https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format.
func EncodeKey(key []byte, step, txID uint64) []byte {
	return AppendVersion(EncodeBytes(key), step, txID)
}

// EncodeBytes guarantees the encoded value is in ascending order for comparison,
// encoding with the following rule:
//
//	[group1][marker1]...[groupN][markerN]
//	group is 8 bytes slice which is padding with 0.
//	marker is `0xFF - padding 0 count`
//
// For example:
//
//	[] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//	[1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//	[1, 2, 3, 0] -> [1, 2, 3, 0, 0, 0, 0, 0, 251]
//	[1, 2, 3, 4, 5, 6, 7, 8] -> [1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247]
func EncodeBytes(data []byte) []byte {
	dLen := len(data)
	result := make([]byte, 0, (dLen/encGroupSize+1)*(encGroupSize+1)+VersionLen)
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			result = append(result, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, pads[:padCount]...)
		}

		marker := encMarker - byte(padCount)
		result = append(result, marker)
	}
	return result
}

// AppendVersion appends a row version to an encoded key. Both halves are inverted so that newer versions sort first.
func AppendVersion(encodedKey []byte, step, txID uint64) []byte {
	var buf [VersionLen]byte
	binary.BigEndian.PutUint64(buf[:8], ^step)
	binary.BigEndian.PutUint64(buf[8:], ^txID)
	return append(encodedKey, buf[:]...)
}

// DecodeKey splits a key produced by EncodeKey into the user key and its version.
func DecodeKey(key []byte) (userKey []byte, step, txID uint64, err error) {
	left, userKey, err := DecodeBytes(key)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(left) != VersionLen {
		return nil, 0, 0, errors.Errorf("codec: bad version suffix length %d", len(left))
	}
	step = ^binary.BigEndian.Uint64(left[:8])
	txID = ^binary.BigEndian.Uint64(left[8:])
	return userKey, step, txID, nil
}

// DecodeBytes decodes bytes which is encoded by EncodeBytes before,
// returns the leftover bytes and decoded value if no error.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		groupBytes := b[:encGroupSize+1]

		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}

// EncodeUint32Key encodes a numeric table key so that byte order matches numeric order.
func EncodeUint32Key(k uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], k)
	return buf[:]
}

// DecodeUint32Key is the inverse of EncodeUint32Key.
func DecodeUint32Key(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, errors.Errorf("codec: uint32 key has length %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// EncodeCompactBytes prefixes data with its uvarint length.
func EncodeCompactBytes(b []byte, data []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	b = append(b, lenBuf[:n]...)
	return append(b, data...)
}

// DecodeCompactBytes decodes bytes written by EncodeCompactBytes and returns the leftover.
func DecodeCompactBytes(b []byte) ([]byte, []byte, error) {
	n, read := binary.Uvarint(b)
	if read <= 0 {
		return nil, nil, errors.New("codec: bad compact bytes length")
	}
	b = b[read:]
	if uint64(len(b)) < n {
		return nil, nil, errors.Errorf("codec: compact bytes want %d bytes, have %d", n, len(b))
	}
	return b[n:], b[:n], nil
}

// EncodeUvarint appends v as an uvarint.
func EncodeUvarint(b []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(b, buf[:n]...)
}

// DecodeUvarint decodes an uvarint and returns the leftover.
func DecodeUvarint(b []byte) ([]byte, uint64, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, 0, errors.New("codec: bad uvarint")
	}
	return b[n:], v, nil
}
