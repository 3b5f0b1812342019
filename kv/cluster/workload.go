package cluster

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/util/codec"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ZigZagSplits are the split keys ZigZag expects: 1000 and 2000.
func ZigZagSplits() [][]byte {
	return [][]byte{codec.EncodeUint32Key(1000), codec.EncodeUint32Key(2000)}
}

func swapOp(src1, src2, dst1, dst2 uint32) *operation.Operation {
	keys := make([][]byte, 4)
	for i, k := range []uint32{src1, src2, dst1, dst2} {
		keys[i] = codec.EncodeUint32Key(k)
	}
	return &operation.Operation{
		Kind:      operation.KindDataTx,
		Reads:     operation.PointFootprint(keys[0], keys[1]),
		Program:   operation.ProgramSwap,
		Args:      operation.SwapArgs(keys[0], keys[1], keys[2], keys[3]),
		WriteKeys: [][]byte{keys[2], keys[3]},
	}
}

// ZigZag moves two values through a ladder of swaps crossing the split at 1000. Every swap depends on earlier ones,
// so a single misordered execution leaves the wrong values behind. All swaps are proposed before any is waited on.
func ZigZag(ctx context.Context, c *Cluster, asymmetric bool) error {
	initial := map[uint32]string{0: "A", 1000: "B", 2000: "C"}
	for k, v := range initial {
		if err := c.Put(ctx, codec.EncodeUint32Key(k), []byte(v)); err != nil {
			return err
		}
	}
	var pending []*Pending
	propose := func(op *operation.Operation) error {
		p, err := c.Propose(ctx, op)
		if err != nil {
			return err
		}
		pending = append(pending, p)
		return nil
	}
	for i := uint32(0); i < 10; i++ {
		if err := propose(swapOp(i, 1000+i, i+1, 1001+i)); err != nil {
			return err
		}
	}
	const limit = 40
	for shift := uint32(0); shift < limit-10; shift += 10 {
		for i := uint32(0); i < 10; i++ {
			src1 := shift + i
			if asymmetric {
				src1 = i
			}
			if err := propose(swapOp(src1, 1000+shift+i, shift+i+11, 1000+shift+i+11)); err != nil {
				return err
			}
		}
	}
	for _, p := range pending {
		if _, err := p.Wait(ctx); err != nil {
			return errors.Annotatef(err, "swap %d", p.TxID)
		}
	}
	expected := map[uint32]string{39: "B", 40: "A", 1039: "A", 1040: "B", 2000: "C"}
	for k, v := range expected {
		got, err := c.Get(ctx, codec.EncodeUint32Key(k))
		if err != nil {
			return err
		}
		if string(got) != v {
			return errors.Errorf("key %d is %q, expected %q", k, got, v)
		}
	}
	log.Info("zigzag passed", zap.Bool("asymmetric", asymmetric), zap.Int("swaps", len(pending)))
	return nil
}

// Atomic runs concurrent distributed writes of a key pair spanning the first split next to distributed reads of the
// pair, and fails when a read sees one key without the other. pairKeys are the two keys, one on each side.
func Atomic(ctx context.Context, c *Cluster, pairKeys [2][]byte, workers, rounds int) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}
	for w := 0; w < workers; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				value := []byte(fmt.Sprintf("w%d-r%d", w, r))
				_, err := c.Execute(ctx, &operation.Operation{
					Kind: operation.KindDataTx,
					Writes: []operation.Mutation{
						{Key: pairKeys[0], Value: value},
						{Key: pairKeys[1], Value: value},
					},
					Flags: operation.FlagForceOnline,
				})
				if err != nil {
					setErr(errors.Annotate(err, "write pair"))
					return
				}
			}
		}(w)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				res, err := c.Execute(ctx, &operation.Operation{
					Kind:  operation.KindReadOnly,
					Reads: operation.PointFootprint(pairKeys[0], pairKeys[1]),
				})
				if err != nil {
					setErr(errors.Annotate(err, "read pair"))
					return
				}
				a, b := res.Values[string(pairKeys[0])], res.Values[string(pairKeys[1])]
				if !bytes.Equal(a, b) {
					setErr(errors.Errorf("torn read: %q and %q", a, b))
					return
				}
			}
		}()
	}
	wg.Wait()
	if firstErr == nil {
		log.Info("atomic passed", zap.Int("workers", workers), zap.Int("rounds", rounds))
	}
	return firstErr
}
