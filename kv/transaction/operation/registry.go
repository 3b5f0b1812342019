package operation

import (
	"github.com/pingcap-incubator/tinyshard/kv/util/codec"
	"github.com/pingcap/errors"
)

// Program is a deterministic function from arguments and the reads of every participant to row mutations. Every
// shard of a distributed operation runs it on the same input, so all of them reach the same verdict.
type Program func(args []byte, reads map[string][]byte) ([]Mutation, error)

type Registry struct {
	programs map[string]Program
}

// NewRegistry returns a registry holding the builtin programs.
func NewRegistry() *Registry {
	r := &Registry{programs: make(map[string]Program)}
	r.Register(ProgramSwap, swap)
	return r
}

func (r *Registry) Register(name string, p Program) {
	r.programs[name] = p
}

func (r *Registry) Lookup(name string) (Program, bool) {
	p, ok := r.programs[name]
	return p, ok
}

// ProgramSwap writes the value of src2 to dst1 and the value of src1 to dst2. A missing source deletes its target.
const ProgramSwap = "swap"

func SwapArgs(src1, src2, dst1, dst2 []byte) []byte {
	var b []byte
	for _, k := range [][]byte{src1, src2, dst1, dst2} {
		b = codec.EncodeCompactBytes(b, k)
	}
	return b
}

func swap(args []byte, reads map[string][]byte) ([]Mutation, error) {
	keys := make([][]byte, 4)
	var err error
	for i := range keys {
		args, keys[i], err = codec.DecodeCompactBytes(args)
		if err != nil {
			return nil, errors.Annotate(err, "swap: bad args")
		}
	}
	src1, src2, dst1, dst2 := keys[0], keys[1], keys[2], keys[3]
	return []Mutation{
		mutationFromRead(dst1, reads[string(src2)]),
		mutationFromRead(dst2, reads[string(src1)]),
	}, nil
}

func mutationFromRead(key, value []byte) Mutation {
	if value == nil {
		return Mutation{Key: key, Delete: true}
	}
	return Mutation{Key: key, Value: value}
}
