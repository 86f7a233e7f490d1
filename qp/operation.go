package qp

import (
	"context"
	"errors"
	"sync"

	"github.com/rocketbitz/efa-go/efa"
)

type operationResult struct {
	length int
	err    error
}

type operation struct {
	qp      *QueuePair
	kind    OperationKind
	reqID   uint16
	size    int
	done    chan struct{}
	release func()
	meta    any

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

// receiveMeta is written by the dispatcher before the operation completes and
// read by future holders only after done is closed.
type receiveMeta struct {
	buffer     []byte
	staging    []*Buffer
	lengths    []int
	slots      int
	completion efa.Completion
}

func newOperation(q *QueuePair, kind OperationKind, size int, meta any) *operation {
	return &operation{
		qp:   q,
		kind: kind,
		size: size,
		done: make(chan struct{}),
		meta: meta,
	}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.qp != nil {
			op.qp.emit(op, res)
		}

		if op.release != nil {
			op.release()
		}

		close(op.done)

		for _, cb := range callbacks {
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

func (op *operation) await(ctx context.Context) (operationResult, error) {
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-op.done:
			return op.resultSnapshot(), nil
		default:
		}
		return operationResult{}, ctx.Err()
	case <-op.done:
		return op.resultSnapshot(), nil
	}
}

// SendFuture tracks the completion of a posted send.
type SendFuture struct {
	op *operation
}

// Await blocks until the send completes or the context is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("efa qp: nil send future")
	}
	res, err := f.op.await(ctx)
	if err != nil {
		return err
	}
	return res.err
}

// ReqID returns the request id carried by the send descriptor.
func (f *SendFuture) ReqID() uint16 {
	if f == nil || f.op == nil {
		return 0
	}
	return f.op.reqID
}

// Done exposes a channel that closes when the send resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the send resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// ReceiveFuture tracks the completion of a posted receive.
type ReceiveFuture struct {
	op   *operation
	buf  []byte
	meta *receiveMeta
}

// Await blocks until the receive resolves or the context is cancelled.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("efa qp: nil receive future")
	}
	res, err := f.op.await(ctx)
	if err != nil {
		return 0, err
	}
	return res.length, res.err
}

// Buffer returns the caller-provided buffer passed to ReceiveAsync.
func (f *ReceiveFuture) Buffer() []byte {
	if f == nil {
		return nil
	}
	return f.buf
}

// ReqID returns the request id carried by the receive descriptors.
func (f *ReceiveFuture) ReqID() uint16 {
	if f == nil || f.op == nil {
		return 0
	}
	return f.op.reqID
}

// Completion returns the decoded completion once the receive has resolved.
// It returns false while the receive is still pending or when it was failed
// locally without a device completion.
func (f *ReceiveFuture) Completion() (efa.Completion, bool) {
	if f == nil || f.op == nil || f.meta == nil {
		return efa.Completion{}, false
	}
	select {
	case <-f.op.done:
	default:
		return efa.Completion{}, false
	}
	c := f.meta.completion
	return c, c.QueueType == efa.QueueRecv
}

// Source returns the sender of the received message once resolved.
func (f *ReceiveFuture) Source() Source {
	c, ok := f.Completion()
	if !ok {
		return Source{AH: efa.InvalidAH}
	}
	return sourceOf(c)
}

// Done exposes a channel that closes when the receive resolves.
func (f *ReceiveFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously once data arrives.
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
