// Package qp drives an EFA queue pair: it owns the submission, receive and
// completion rings, stages payloads in registered buffers and resolves
// futures from a completion dispatcher.
package qp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rocketbitz/efa-go/efa"
	"github.com/rocketbitz/efa-go/internal/hostmem"
)

// ErrClosed indicates the queue pair has already been closed.
var ErrClosed = errors.New("efa qp: closed")

// Provider is the device a queue pair runs on.
type Provider interface {
	Registrar
	CreateQueuePair(attr efa.QueuePairAttr) (efa.QueuePairHandle, error)
	DestroyQueuePair(qpn uint16) error
}

// Config controls Open behaviour.
type Config struct {
	Provider Provider
	// SendDepth and RecvDepth size the submission and receive rings. Both
	// must be powers of two.
	SendDepth int
	RecvDepth int
	// CompletionDepth must hold every outstanding send and receive. It
	// defaults to the next power of two above SendDepth+RecvDepth.
	CompletionDepth int
	// WideCompletions selects 32-byte completion entries that carry the
	// sender GID when the receiver has no address handle for it.
	WideCompletions bool
	// MaxRecvSegments bounds the descriptor chain of one receive.
	MaxRecvSegments int
	QKey            uint32
	Timeout         time.Duration
	// BufferSize is the size of each registered staging buffer.
	BufferSize int
	// PageSizes backs ring and staging memory. Detected once at Open when
	// empty.
	PageSizes          hostmem.PageSizes
	BufferPoolCapacity int
	PinRingMemory      bool
	Logger             Logger
	StructuredLogger   StructuredLogger
	Tracer             Tracer
	Metrics            MetricHook
}

// Destination addresses a remote queue pair.
type Destination struct {
	AH   uint16
	QPN  uint16
	QKey uint32
}

// Source identifies the sender of a received message. AH is efa.InvalidAH
// when the receiver holds no address handle for the sender; GID is then
// populated if the completion ring uses wide entries.
type Source struct {
	AH     uint16
	QPN    uint16
	GID    [16]byte
	HasGID bool
}

func sourceOf(c efa.Completion) Source {
	return Source{AH: c.AH, QPN: c.SrcQP, GID: c.SrcAddr, HasGID: c.Wide}
}

// SendOption customises a single send.
type SendOption func(*sendOptions)

type sendOptions struct {
	hasImm bool
	imm    uint32
}

// WithImmediate attaches 32 bits of immediate data delivered with the
// receive completion.
func WithImmediate(v uint32) SendOption {
	return func(o *sendOptions) {
		o.hasImm = true
		o.imm = v
	}
}

// QueuePair owns the rings of one device queue pair.
type QueuePair struct {
	cfg      Config
	provider Provider
	qpn      uint16
	doorbell efa.Doorbell
	ringMem  []*hostmem.Region
	pages    hostmem.PageSizes
	pool     *BufferPool
	entry    int

	sendMu      sync.Mutex
	sq          *efa.SubmissionRing
	sendIDs     *reqIDs
	sendOps     map[uint16]*operation
	sendCredits *semaphore.Weighted

	recvMu      sync.Mutex
	rq          *efa.ReceiveRing
	recvIDs     *reqIDs
	recvOps     map[uint16]*operation
	recvCredits *semaphore.Weighted

	// Owned by the dispatcher goroutine.
	cq *efa.CompletionRing

	closed        atomic.Bool
	closing       context.Context
	closeAll      context.CancelFunc
	dispatcherErr atomic.Pointer[errorHolder]

	stopCh chan struct{}
	wg     sync.WaitGroup

	handlersMu      sync.RWMutex
	sendHandlers    map[uint64]SendHandler
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            qpStats
}

// OperationKind identifies the type of operation tracked by a future.
type OperationKind int

type errorHolder struct {
	err error
}

const (
	OperationSend OperationKind = iota
	OperationReceive
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	default:
		return "operation"
	}
}

// OperationError exposes the completion that failed an operation.
type OperationError struct {
	Kind   OperationKind
	Status efa.Status
	ReqID  uint16
	QPNum  uint16
	Length uint16
}

func (e OperationError) Error() string {
	return fmt.Sprintf("efa %s completion error: %s (req_id=%d qpn=%d len=%d)", e.Kind, e.Status, e.ReqID, e.QPNum, e.Length)
}

// Unwrap exposes the completion status error so errors.Is can match the
// status class sentinels of package efa.
func (e OperationError) Unwrap() error {
	qt := efa.QueueSend
	if e.Kind == OperationReceive {
		qt = efa.QueueRecv
	}
	return &efa.CompletionError{Status: e.Status, ReqID: e.ReqID, QueueType: qt}
}

// SendCompletion describes the outcome of a send operation dispatched through a handler.
type SendCompletion struct {
	ReqID uint16
	Size  int
	Err   error
}

// ReceiveCompletion describes a completed receive operation delivered through a handler.
type ReceiveCompletion struct {
	ReqID   uint16
	Payload []byte
	Source  Source
	HasImm  bool
	Imm     uint32
	Err     error
}

// SendHandler is invoked when a send operation completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive operation completes.
type ReceiveHandler func(ReceiveCompletion)

// Logger provides printf-style debug logging hooks.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Stats contains counters for queue pair operations.
type Stats struct {
	SendPosted     uint64
	SendCompleted  uint64
	SendErrored    uint64
	ReceivePosted  uint64
	ReceiveMatched uint64
	ReceiveErrored uint64
	DecodeErrors   uint64
}

type qpStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvErrored   atomic.Uint64
	decodeErrors  atomic.Uint64
}

// MetricHook captures dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherCQError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (q *QueuePair) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+1)
	attrs[labelQPN] = strconv.Itoa(int(q.qpn))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (q *QueuePair) logDispatcherEvent(event string, fields ...logField) {
	if q == nil {
		return
	}
	if q.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, labelQPN, q.qpn)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		q.structuredLogger.Debugw("efa qp dispatcher", kv...)
		return
	}
	if q.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	q.logger.Debugf("qp %d dispatcher %s", q.qpn, b.String())
}

func (q *QueuePair) metricDispatcherStarted(fields ...logField) {
	if q == nil || q.metrics == nil {
		return
	}
	q.metrics.DispatcherStarted(q.metricAttrs(fields...))
}

func (q *QueuePair) metricDispatcherStopped(fields ...logField) {
	if q == nil || q.metrics == nil {
		return
	}
	q.metrics.DispatcherStopped(q.metricAttrs(fields...))
}

func (q *QueuePair) metricDispatcherCQError(kind string, err error, fields ...logField) {
	if q == nil || q.metrics == nil {
		return
	}
	q.metrics.DispatcherCQError(kind, err, q.metricAttrs(fields...))
}

func (q *QueuePair) metricSendCompleted(fields ...logField) {
	if q == nil || q.metrics == nil {
		return
	}
	q.metrics.SendCompleted(q.metricAttrs(fields...))
}

func (q *QueuePair) metricSendFailed(err error, fields ...logField) {
	if q == nil || q.metrics == nil {
		return
	}
	q.metrics.SendFailed(err, q.metricAttrs(fields...))
}

func (q *QueuePair) metricReceiveCompleted(fields ...logField) {
	if q == nil || q.metrics == nil {
		return
	}
	q.metrics.ReceiveCompleted(q.metricAttrs(fields...))
}

func (q *QueuePair) metricReceiveFailed(err error, fields ...logField) {
	if q == nil || q.metrics == nil {
		return
	}
	q.metrics.ReceiveFailed(err, q.metricAttrs(fields...))
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Open allocates ring memory, creates the device queue pair and starts the
// completion dispatcher.
func Open(cfg Config) (*QueuePair, error) {
	if cfg.Provider == nil {
		return nil, errors.New("efa qp: provider required")
	}
	if cfg.SendDepth == 0 {
		cfg.SendDepth = 64
	}
	if cfg.RecvDepth == 0 {
		cfg.RecvDepth = 64
	}
	if cfg.CompletionDepth == 0 {
		cfg.CompletionDepth = nextPowerOfTwo(cfg.SendDepth + cfg.RecvDepth)
	}
	if cfg.MaxRecvSegments == 0 {
		cfg.MaxRecvSegments = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BufferPoolCapacity == 0 {
		cfg.BufferPoolCapacity = 32
	}
	if cfg.CompletionDepth < cfg.SendDepth+cfg.RecvDepth {
		return nil, fmt.Errorf("efa qp: completion depth %d cannot hold %d sends and %d receives", cfg.CompletionDepth, cfg.SendDepth, cfg.RecvDepth)
	}
	if cfg.MaxRecvSegments < 0 || cfg.MaxRecvSegments > cfg.RecvDepth {
		return nil, fmt.Errorf("efa qp: max receive segments %d exceeds receive depth %d", cfg.MaxRecvSegments, cfg.RecvDepth)
	}

	if len(cfg.PageSizes) == 0 {
		pages, err := hostmem.DetectPageSizes()
		if err != nil {
			return nil, fmt.Errorf("detect page sizes: %w", err)
		}
		cfg.PageSizes = pages
	}

	entry := efa.RxCompletionSize
	if cfg.WideCompletions {
		entry = efa.RxCompletionWideSize
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	q := &QueuePair{
		cfg:              cfg,
		provider:         cfg.Provider,
		entry:            entry,
		pages:            cfg.PageSizes,
		sendIDs:          newReqIDs(cfg.SendDepth),
		sendOps:          make(map[uint16]*operation),
		sendCredits:      semaphore.NewWeighted(int64(cfg.SendDepth)),
		recvIDs:          newReqIDs(cfg.RecvDepth),
		recvOps:          make(map[uint16]*operation),
		recvCredits:      semaphore.NewWeighted(int64(cfg.RecvDepth)),
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	ok := false
	defer func() {
		if !ok {
			q.freeRings()
		}
	}()

	sqMem, err := q.allocRing(cfg.SendDepth * efa.TxWQESize)
	if err != nil {
		return nil, fmt.Errorf("allocate submission ring: %w", err)
	}
	rqMem, err := q.allocRing(cfg.RecvDepth * efa.RxDescSize)
	if err != nil {
		return nil, fmt.Errorf("allocate receive ring: %w", err)
	}
	cqMem, err := q.allocRing(cfg.CompletionDepth * entry)
	if err != nil {
		return nil, fmt.Errorf("allocate completion ring: %w", err)
	}

	if q.sq, err = efa.NewSubmissionRing(sqMem, cfg.SendDepth); err != nil {
		return nil, err
	}
	if q.rq, err = efa.NewReceiveRing(rqMem, cfg.RecvDepth); err != nil {
		return nil, err
	}
	if q.cq, err = efa.NewCompletionRing(cqMem, cfg.CompletionDepth, entry); err != nil {
		return nil, err
	}

	pool, err := NewBufferPool(cfg.Provider, cfg.BufferSize, cfg.BufferPoolCapacity, q.pages)
	if err != nil {
		return nil, fmt.Errorf("create buffer pool: %w", err)
	}

	handle, err := cfg.Provider.CreateQueuePair(efa.QueuePairAttr{
		SendQueue:           sqMem,
		SendDepth:           cfg.SendDepth,
		RecvQueue:           rqMem,
		RecvDepth:           cfg.RecvDepth,
		CompletionQueue:     cqMem,
		CompletionDepth:     cfg.CompletionDepth,
		CompletionEntrySize: entry,
		QKey:                cfg.QKey,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create queue pair: %w", err)
	}
	q.qpn = handle.QPN
	q.doorbell = handle.Doorbell
	q.pool = pool
	q.closing, q.closeAll = context.WithCancel(context.Background())
	ok = true

	q.wg.Add(1)
	go q.dispatch()

	return q, nil
}

func (q *QueuePair) allocRing(size int) ([]byte, error) {
	region, err := hostmem.Alloc(size, q.pages)
	if err != nil {
		return nil, err
	}
	q.ringMem = append(q.ringMem, region)
	if q.cfg.PinRingMemory {
		if err := region.Lock(); err != nil {
			return nil, fmt.Errorf("pin ring memory: %w", err)
		}
	}
	return region.Bytes(), nil
}

func (q *QueuePair) freeRings() {
	for _, region := range q.ringMem {
		_ = region.Close()
	}
	q.ringMem = nil
}

// QPN returns the device queue pair number.
func (q *QueuePair) QPN() uint16 {
	if q == nil {
		return 0
	}
	return q.qpn
}

// Close destroys the device queue pair. Receives still posted resolve with
// an error matching efa.ErrFlushed; anything else pending fails with ErrClosed.
func (q *QueuePair) Close() error {
	if q == nil {
		return nil
	}
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.closeAll()

	// Wait out posts that passed the open check before the flag flipped.
	q.sendMu.Lock()
	q.recvMu.Lock()
	q.recvMu.Unlock()
	q.sendMu.Unlock()

	destroyErr := q.provider.DestroyQueuePair(q.qpn)

	close(q.stopCh)
	q.wg.Wait()

	q.failPending(ErrClosed)

	q.handlersMu.Lock()
	q.sendHandlers = nil
	q.receiveHandlers = nil
	q.handlersMu.Unlock()

	q.pool.Close()
	q.freeRings()
	if destroyErr != nil {
		return fmt.Errorf("destroy queue pair: %w", destroyErr)
	}
	return nil
}

func (q *QueuePair) failPending(err error) {
	q.sendMu.Lock()
	pending := make([]*operation, 0, len(q.sendOps)+len(q.recvOps))
	for id, op := range q.sendOps {
		pending = append(pending, op)
		delete(q.sendOps, id)
	}
	q.sendMu.Unlock()
	q.recvMu.Lock()
	for id, op := range q.recvOps {
		pending = append(pending, op)
		delete(q.recvOps, id)
	}
	q.recvMu.Unlock()
	for _, op := range pending {
		op.complete(operationResult{err: err})
	}
}

// Send posts a send and waits for its completion. It waits for a free ring
// slot instead of failing with efa.ErrRingFull, using the configured timeout
// when ctx has no deadline.
func (q *QueuePair) Send(ctx context.Context, dest Destination, payload []byte, opts ...SendOption) error {
	ctx, cancel := q.operationContext(ctx)
	defer cancel()
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if err := q.acquireSendCredit(ctx); err != nil {
		return err
	}
	future, err := q.sendAsync(dest, payload, opts)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// acquireSendCredit waits for a submission slot. Close wakes the waiter with
// ErrClosed.
func (q *QueuePair) acquireSendCredit(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.closing, cancel)
	defer stop()
	if err := q.sendCredits.Acquire(ctx, 1); err != nil {
		if q.closed.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// SendAsync posts a send and returns a future that resolves on completion.
// It fails with efa.ErrRingFull when every submission slot is in flight.
func (q *QueuePair) SendAsync(dest Destination, payload []byte, opts ...SendOption) (*SendFuture, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	if !q.sendCredits.TryAcquire(1) {
		return nil, efa.ErrRingFull
	}
	return q.sendAsync(dest, payload, opts)
}

// sendAsync posts with one send credit already held. The credit is returned
// on failure or by the dispatcher once the completion is consumed.
func (q *QueuePair) sendAsync(dest Destination, payload []byte, opts []SendOption) (future *SendFuture, err error) {
	keepCredit := false
	defer func() {
		if err != nil && !keepCredit {
			q.sendCredits.Release(1)
		}
	}()
	if len(payload) == 0 {
		return nil, errors.New("efa qp: empty payload")
	}
	if err := q.dispatchFailure(); err != nil {
		return nil, err
	}
	var o sendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	req := efa.SendRequest{
		DestQP:              dest.QPN,
		AH:                  dest.AH,
		QKey:                dest.QKey,
		HasImm:              o.hasImm,
		Imm:                 o.imm,
		CompletionRequested: true,
	}
	release, err := q.stageSend(&req, payload)
	if err != nil {
		return nil, err
	}

	op := newOperation(q, OperationSend, len(payload), nil)
	op.release = release

	q.sendMu.Lock()
	if q.closed.Load() {
		q.sendMu.Unlock()
		release()
		return nil, ErrClosed
	}
	id, ok := q.sendIDs.alloc()
	if !ok {
		q.sendMu.Unlock()
		release()
		return nil, efa.ErrRingFull
	}
	req.ReqID = id
	op.reqID = id
	wqe, err := efa.BuildSend(req, q.sq.Phase())
	if err == nil {
		_, err = q.sq.Enqueue(&wqe)
	}
	if err != nil {
		q.sendIDs.release(id)
		q.sendMu.Unlock()
		release()
		return nil, err
	}
	q.sendOps[id] = op
	if err := q.doorbell.RingSend(q.sq.ProducerIndex()); err != nil {
		delete(q.sendOps, id)
		q.sendIDs.release(id)
		q.sendMu.Unlock()
		release()
		dispatchErr := fmt.Errorf("send doorbell: %w", err)
		q.recordDispatcherError(dispatchErr)
		// The ring slot stays consumed, so its credit does too.
		keepCredit = true
		return nil, dispatchErr
	}
	q.sendMu.Unlock()

	q.stats.sendPosted.Add(1)
	q.logf("qp: send posted req_id=%d size=%d dest_qpn=%d", id, len(payload), dest.QPN)
	return &SendFuture{op: op}, nil
}

// stageSend fills the payload of req. Small payloads go inline; larger ones
// are copied into up to two registered buffers.
func (q *QueuePair) stageSend(req *efa.SendRequest, payload []byte) (func(), error) {
	if len(payload) > efa.MaxMessageSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds the %d byte message limit", efa.ErrInvalidArgument, len(payload), efa.MaxMessageSize)
	}
	if len(payload) <= efa.TxInlineMaxSize {
		req.Inline = payload
		return func() {}, nil
	}
	size := q.pool.Size()
	if len(payload) > size*efa.TxNumBufs {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", efa.ErrInvalidArgument, len(payload), size*efa.TxNumBufs)
	}
	var staged []*Buffer
	release := func() {
		for _, b := range staged {
			q.pool.Release(b)
		}
	}
	for rest := payload; len(rest) > 0; {
		b, err := q.pool.Acquire()
		if err != nil {
			release()
			return nil, err
		}
		staged = append(staged, b)
		n := copy(b.Bytes(), rest)
		rest = rest[n:]
		req.Segments = append(req.Segments, b.Segment(n))
	}
	return release, nil
}

// Receive posts a receive and waits for data.
func (q *QueuePair) Receive(ctx context.Context, buf []byte) (int, error) {
	n, _, err := q.ReceiveFrom(ctx, buf)
	return n, err
}

// ReceiveFrom behaves like Receive but also returns the sender.
func (q *QueuePair) ReceiveFrom(ctx context.Context, buf []byte) (int, Source, error) {
	ctx, cancel := q.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, Source{}, err
	}
	future, err := q.ReceiveAsync(buf)
	if err != nil {
		return 0, Source{}, err
	}
	n, err := future.Await(ctx)
	if err != nil {
		return 0, Source{}, err
	}
	return n, future.Source(), nil
}

// ReceiveAsync posts a receive for up to len(buf) bytes and returns a future
// that resolves when a message lands. The payload is copied into buf before
// the future resolves.
func (q *QueuePair) ReceiveAsync(buf []byte) (*ReceiveFuture, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("efa qp: buffer must be non-empty")
	}
	if len(buf) > efa.MaxMessageSize {
		return nil, fmt.Errorf("%w: receive of %d bytes exceeds the %d byte message limit", efa.ErrInvalidArgument, len(buf), efa.MaxMessageSize)
	}
	if err := q.dispatchFailure(); err != nil {
		return nil, err
	}
	size := q.pool.Size()
	slots := (len(buf) + size - 1) / size
	if slots > q.cfg.MaxRecvSegments {
		return nil, fmt.Errorf("%w: receive of %d bytes needs %d segments, limit %d", efa.ErrInvalidArgument, len(buf), slots, q.cfg.MaxRecvSegments)
	}
	if !q.recvCredits.TryAcquire(int64(slots)) {
		return nil, efa.ErrRingFull
	}

	meta := &receiveMeta{buffer: buf, slots: slots}
	releaseStaging := func() {
		for _, b := range meta.staging {
			q.pool.Release(b)
		}
	}
	var req efa.RecvRequest
	for rest := len(buf); rest > 0; {
		b, err := q.pool.Acquire()
		if err != nil {
			releaseStaging()
			q.recvCredits.Release(int64(slots))
			return nil, err
		}
		n := min(rest, size)
		meta.staging = append(meta.staging, b)
		meta.lengths = append(meta.lengths, n)
		req.Segments = append(req.Segments, b.Segment(n))
		rest -= n
	}

	op := newOperation(q, OperationReceive, len(buf), meta)
	op.release = releaseStaging

	q.recvMu.Lock()
	fail := func(err error) (*ReceiveFuture, error) {
		q.recvMu.Unlock()
		releaseStaging()
		q.recvCredits.Release(int64(slots))
		return nil, err
	}
	if q.closed.Load() {
		return fail(ErrClosed)
	}
	id, ok := q.recvIDs.alloc()
	if !ok {
		return fail(efa.ErrRingFull)
	}
	req.ReqID = id
	op.reqID = id
	descs, err := efa.BuildRecv(req, q.cfg.MaxRecvSegments)
	if err == nil {
		_, err = q.rq.EnqueueChain(descs)
	}
	if err != nil {
		q.recvIDs.release(id)
		return fail(err)
	}
	q.recvOps[id] = op
	if err := q.doorbell.RingRecv(q.rq.ProducerIndex()); err != nil {
		delete(q.recvOps, id)
		q.recvIDs.release(id)
		q.recvMu.Unlock()
		releaseStaging()
		// The ring slots stay consumed, so their credits do too.
		dispatchErr := fmt.Errorf("receive doorbell: %w", err)
		q.recordDispatcherError(dispatchErr)
		return nil, dispatchErr
	}
	q.recvMu.Unlock()

	q.stats.recvPosted.Add(1)
	q.logf("qp: receive posted req_id=%d size=%d segments=%d", id, len(buf), slots)
	return &ReceiveFuture{op: op, buf: buf, meta: meta}, nil
}

func (q *QueuePair) ensureOpen() error {
	if q == nil {
		return ErrClosed
	}
	if q.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (q *QueuePair) dispatchFailure() error {
	if err := q.dispatcherError(); err != nil {
		return fmt.Errorf("efa qp dispatcher failed: %w", err)
	}
	return nil
}

// Stats returns a snapshot of queue pair counters.
func (q *QueuePair) Stats() Stats {
	if q == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:     q.stats.sendPosted.Load(),
		SendCompleted:  q.stats.sendCompleted.Load(),
		SendErrored:    q.stats.sendErrored.Load(),
		ReceivePosted:  q.stats.recvPosted.Load(),
		ReceiveMatched: q.stats.recvMatched.Load(),
		ReceiveErrored: q.stats.recvErrored.Load(),
		DecodeErrors:   q.stats.decodeErrors.Load(),
	}
}

func (q *QueuePair) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := q.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// RegisterSendHandler installs a callback invoked for every completed send. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (q *QueuePair) RegisterSendHandler(handler SendHandler) func() {
	if q == nil || handler == nil {
		return func() {}
	}
	id := q.handlerSeq.Add(1)
	q.handlersMu.Lock()
	if q.sendHandlers == nil {
		q.sendHandlers = make(map[uint64]SendHandler)
	}
	q.sendHandlers[id] = handler
	q.handlersMu.Unlock()
	return func() {
		q.handlersMu.Lock()
		delete(q.sendHandlers, id)
		q.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed receive. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (q *QueuePair) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if q == nil || handler == nil {
		return func() {}
	}
	id := q.handlerSeq.Add(1)
	q.handlersMu.Lock()
	if q.receiveHandlers == nil {
		q.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	q.receiveHandlers[id] = handler
	q.handlersMu.Unlock()
	return func() {
		q.handlersMu.Lock()
		delete(q.receiveHandlers, id)
		q.handlersMu.Unlock()
	}
}

func (q *QueuePair) logf(format string, args ...any) {
	if q == nil || q.logger == nil {
		return
	}
	q.logger.Debugf(format, args...)
}
