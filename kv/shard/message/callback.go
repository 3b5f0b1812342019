package message

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
)

// Response is the final answer to a proposal. Err is nil when the operation committed.
type Response struct {
	TxID   uint64
	Err    error
	Result *operation.Result
}

// Callback carries exactly one Response from the shard loop to the waiter.
type Callback struct {
	Resp *Response
	once sync.Once
	done chan struct{}
}

// Done delivers resp. Only the first call has an effect.
func (cb *Callback) Done(resp *Response) {
	if cb == nil {
		return
	}
	cb.once.Do(func() {
		if resp != nil {
			cb.Resp = resp
		}
		close(cb.done)
	})
}

// Finished is closed once the response is set.
func (cb *Callback) Finished() <-chan struct{} {
	return cb.done
}

func (cb *Callback) WaitResp() *Response {
	select {
	case <-cb.done:
		return cb.Resp
	}
}

func (cb *Callback) WaitRespWithTimeout(timeout time.Duration) *Response {
	select {
	case <-cb.done:
		return cb.Resp
	case <-time.After(timeout):
		return cb.Resp
	}
}

// WaitRespWithContext returns the response, or ctx.Err() if ctx is done first.
func (cb *Callback) WaitRespWithContext(ctx context.Context) (*Response, error) {
	select {
	case <-cb.done:
		return cb.Resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func NewCallback() *Callback {
	done := make(chan struct{})
	cb := &Callback{done: done}
	return cb
}
