package webcodecs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// PoolConfig bounds a resource pool.
type PoolConfig struct {
	Size           int           // Maximum resources handed out at once
	AcquireTimeout time.Duration // Maximum wait for a free resource
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Size  int
	InUse int
	Idle  int
}

// Pool is a bounded pool of reusable resources. Acquire waits at most the
// configured timeout for a free slot; it never blocks indefinitely.
type Pool[T any] struct {
	name    string
	cfg     PoolConfig
	sem     *semaphore.Weighted
	newItem func(context.Context) (T, error)
	dispose func(T) error
	metrics *Metrics

	closeCtx context.Context
	closeFn  context.CancelFunc

	mu     sync.Mutex
	idle   []T
	inUse  int
	closed bool
}

// NewPool returns a pool that creates resources with newItem on demand and
// destroys them with dispose when the pool closes. dispose may be nil.
func NewPool[T any](name string, cfg PoolConfig, newItem func(context.Context) (T, error), dispose func(T) error) *Pool[T] {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		name:     name,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Size)),
		newItem:  newItem,
		dispose:  dispose,
		closeCtx: ctx,
		closeFn:  cancel,
	}
}

// Acquire returns a resource, reusing an idle one when possible. It fails
// with ErrTimeout when no slot frees up in time and with ErrAbort when ctx
// is cancelled or the pool closes.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return zero, fmt.Errorf("%w: pool %s closed", ErrAbort, p.name)
	}

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.AcquireTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	}
	defer cancel()
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	start := time.Now()
	err := p.sem.Acquire(waitCtx, 1)
	p.metrics.observePoolWait(p.name, time.Since(start))
	if err != nil {
		switch {
		case p.closeCtx.Err() != nil:
			return zero, fmt.Errorf("%w: pool %s closed", ErrAbort, p.name)
		case ctx.Err() != nil:
			return zero, fmt.Errorf("%w: %v", ErrAbort, ctx.Err())
		default:
			return zero, fmt.Errorf("%w: no free resource in pool %s after %v", ErrTimeout, p.name, p.cfg.AcquireTimeout)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return zero, fmt.Errorf("%w: pool %s closed", ErrAbort, p.name)
	}
	if n := len(p.idle); n > 0 {
		item := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return item, nil
	}
	p.inUse++
	p.mu.Unlock()

	item, err := p.newItem(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.sem.Release(1)
		return zero, err
	}
	return item, nil
}

// Release returns a resource to the pool. Resources released after Close
// are disposed.
func (p *Pool[T]) Release(item T) {
	p.mu.Lock()
	p.inUse--
	if p.closed {
		p.mu.Unlock()
		if p.dispose != nil {
			_ = p.dispose(item)
		}
		p.sem.Release(1)
		return
	}
	p.idle = append(p.idle, item)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Close disposes idle resources and fails pending and future acquisitions.
// It is safe to call more than once.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.closeFn()

	var result *multierror.Error
	if p.dispose != nil {
		for _, item := range idle {
			if err := p.dispose(item); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// Stats returns the pool occupancy.
func (p *Pool[T]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Size: p.cfg.Size, InUse: p.inUse, Idle: len(p.idle)}
}

// HardwareContext is an opened hardware device a native engine runs on.
type HardwareContext struct {
	Method HWMethod
	Device string // Device path or index, empty for the default device
	Handle uint64 // Native device handle
}

// DeviceOpener opens and closes hardware devices.
type DeviceOpener interface {
	OpenDevice(ctx context.Context, method HWMethod) (*HardwareContext, error)
	CloseDevice(hc *HardwareContext) error
}

// HardwareContextPool keeps one bounded pool of device contexts per
// acceleration method.
type HardwareContextPool struct {
	opener  DeviceOpener
	cfg     PoolConfig
	metrics *Metrics

	mu     sync.Mutex
	pools  map[HWMethod]*Pool[*HardwareContext]
	closed bool
}

// NewHardwareContextPool returns a pool opening devices through opener.
func NewHardwareContextPool(opener DeviceOpener, cfg PoolConfig, metrics *Metrics) *HardwareContextPool {
	return &HardwareContextPool{
		opener:  opener,
		cfg:     cfg,
		metrics: metrics,
		pools:   make(map[HWMethod]*Pool[*HardwareContext]),
	}
}

func (hp *HardwareContextPool) pool(method HWMethod) (*Pool[*HardwareContext], error) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if hp.closed {
		return nil, fmt.Errorf("%w: hardware context pool closed", ErrAbort)
	}
	p, ok := hp.pools[method]
	if !ok {
		p = NewPool(method.String(), hp.cfg,
			func(ctx context.Context) (*HardwareContext, error) {
				return hp.opener.OpenDevice(ctx, method)
			},
			hp.opener.CloseDevice,
		)
		p.metrics = hp.metrics
		hp.pools[method] = p
	}
	return p, nil
}

// Acquire returns a device context for method.
func (hp *HardwareContextPool) Acquire(ctx context.Context, method HWMethod) (*HardwareContext, error) {
	if method == HWMethodNone {
		return nil, fmt.Errorf("%w: software pipelines have no hardware context", ErrValidation)
	}
	p, err := hp.pool(method)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns hc to its pool. A nil hc is ignored.
func (hp *HardwareContextPool) Release(hc *HardwareContext) {
	if hc == nil {
		return
	}
	hp.mu.Lock()
	p := hp.pools[hc.Method]
	hp.mu.Unlock()
	if p == nil {
		_ = hp.opener.CloseDevice(hc)
		return
	}
	p.Release(hc)
}

// Stats returns per-method occupancy.
func (hp *HardwareContextPool) Stats() map[HWMethod]PoolStats {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	out := make(map[HWMethod]PoolStats, len(hp.pools))
	for m, p := range hp.pools {
		out[m] = p.Stats()
	}
	return out
}

// Close closes every per-method pool.
func (hp *HardwareContextPool) Close() error {
	hp.mu.Lock()
	if hp.closed {
		hp.mu.Unlock()
		return nil
	}
	hp.closed = true
	pools := hp.pools
	hp.mu.Unlock()

	var result *multierror.Error
	for _, p := range pools {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Buffer size classes: 4 KiB doubling up to 16 MiB.
const (
	bufferMinClassShift = 12
	bufferClassCount    = 13
)

// BufferPool hands out byte buffers from size-classed sync.Pools.
type BufferPool struct {
	classes [bufferClassCount]sync.Pool
}

// NewBufferPool returns an empty buffer pool.
func NewBufferPool() *BufferPool {
	bp := &BufferPool{}
	for i := range bp.classes {
		size := 1 << (bufferMinClassShift + i)
		bp.classes[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
	return bp
}

func bufferClass(size int) int {
	for i := 0; i < bufferClassCount; i++ {
		if size <= 1<<(bufferMinClassShift+i) {
			return i
		}
	}
	return -1
}

// Get returns an empty buffer with capacity for at least size bytes.
func (bp *BufferPool) Get(size int) *Buffer {
	class := bufferClass(size)
	if class < 0 {
		return &Buffer{data: make([]byte, 0, size), class: -1}
	}
	b := bp.classes[class].Get().(*[]byte)
	return &Buffer{data: (*b)[:0], pool: bp, class: class}
}

func (bp *BufferPool) put(b *Buffer) {
	if b.class < 0 || cap(b.data) < 1<<(bufferMinClassShift+b.class) {
		return
	}
	data := b.data[:0]
	bp.classes[b.class].Put(&data)
}

// Buffer is an owned byte buffer. Ownership moves with Transfer: the
// returned handle owns the bytes and the source handle becomes empty.
type Buffer struct {
	data  []byte
	pool  *BufferPool
	class int
}

// NewBuffer wraps data in a Buffer that owns it. The caller must not touch
// data afterwards.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data, class: -1}
}

// Bytes returns the buffer contents, nil once transferred or released.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the number of bytes held.
func (b *Buffer) Len() int {
	return len(b.Bytes())
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	if b == nil {
		return 0, errors.New("write to nil buffer")
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Transfer moves ownership of the bytes to a new handle and empties b.
// Transferring an empty or nil buffer returns nil.
func (b *Buffer) Transfer() *Buffer {
	if b == nil || b.data == nil {
		return nil
	}
	moved := &Buffer{data: b.data, pool: b.pool, class: b.class}
	b.data, b.pool, b.class = nil, nil, -1
	return moved
}

// Release returns pooled storage and empties b. It is safe to call more
// than once.
func (b *Buffer) Release() {
	if b == nil || b.data == nil {
		return
	}
	if b.pool != nil {
		b.pool.put(b)
	}
	b.data, b.pool, b.class = nil, nil, -1
}
