package operation

import (
	"bytes"
	"fmt"
)

// KeyRange is the half open range [Start, End). An empty End means no upper bound.
type KeyRange struct {
	Start []byte
	End   []byte
}

func lessKey(a, b []byte) bool {
	return bytes.Compare(a, b) < 0
}

// PointRange returns the range holding only key.
func PointRange(key []byte) KeyRange {
	end := make([]byte, len(key)+1)
	copy(end, key)
	return KeyRange{Start: key, End: end}
}

func (r KeyRange) Contains(key []byte) bool {
	return !lessKey(key, r.Start) && (len(r.End) == 0 || lessKey(key, r.End))
}

func (r KeyRange) Overlaps(other KeyRange) bool {
	return (len(other.End) == 0 || lessKey(r.Start, other.End)) &&
		(len(r.End) == 0 || lessKey(other.Start, r.End))
}

// Intersect returns the common part of two ranges.
func (r KeyRange) Intersect(other KeyRange) (KeyRange, bool) {
	if !r.Overlaps(other) {
		return KeyRange{}, false
	}
	res := r
	if lessKey(res.Start, other.Start) {
		res.Start = other.Start
	}
	if len(res.End) == 0 || (len(other.End) > 0 && lessKey(other.End, res.End)) {
		res.End = other.End
	}
	return res, true
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%x, %x)", r.Start, r.End)
}

// Footprint is a set of point keys and ranges.
type Footprint struct {
	Keys   [][]byte
	Ranges []KeyRange
}

func PointFootprint(keys ...[]byte) Footprint {
	return Footprint{Keys: keys}
}

func (f Footprint) IsEmpty() bool {
	return len(f.Keys) == 0 && len(f.Ranges) == 0
}

func (f Footprint) Contains(key []byte) bool {
	for _, k := range f.Keys {
		if bytes.Equal(k, key) {
			return true
		}
	}
	for _, r := range f.Ranges {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

func (f Footprint) Intersects(other Footprint) bool {
	for _, k := range other.Keys {
		if f.Contains(k) {
			return true
		}
	}
	for _, r := range other.Ranges {
		for _, k := range f.Keys {
			if r.Contains(k) {
				return true
			}
		}
		for _, fr := range f.Ranges {
			if fr.Overlaps(r) {
				return true
			}
		}
	}
	return false
}

// Clip keeps the part of the footprint inside r.
func (f Footprint) Clip(r KeyRange) Footprint {
	var res Footprint
	for _, k := range f.Keys {
		if r.Contains(k) {
			res.Keys = append(res.Keys, k)
		}
	}
	for _, fr := range f.Ranges {
		if in, ok := fr.Intersect(r); ok {
			res.Ranges = append(res.Ranges, in)
		}
	}
	return res
}
