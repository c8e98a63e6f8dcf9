// Package device implements the compute context that device matrices run on:
// buffer allocation, a compiled kernel table and a single in-order command
// queue.
//
// Commands enqueued on one Context execute in submission order. Every
// dependency a kernel names in its wait-list is also waited on explicitly, so
// callers never rely on ordering alone for producer/consumer edges; ordering
// is what keeps two writes to the same buffer from racing.
package device

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-devmat/internal/numeric"
)

// Work ranges smaller than this run on a single worker.
const parallelThreshold = 16384

var tracer = otel.Tracer("github.com/23skdu/longbow-devmat/internal/device")

type options struct {
	workers     int
	queueDepth  int
	memoryLimit int64
	elems       []numeric.Elem
	logger      *zerolog.Logger
}

// Option configures a Context.
type Option func(*options)

// WithWorkers sets how many goroutines a kernel may fan out to.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithQueueDepth sets how many commands may be pending before submission blocks.
func WithQueueDepth(n int) Option {
	return func(o *options) { o.queueDepth = n }
}

// WithMemoryLimit caps the bytes of live buffers. Zero means unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) { o.memoryLimit = bytes }
}

// WithElems restricts the kernel table to the given element types.
func WithElems(elems ...numeric.Elem) Option {
	return func(o *options) { o.elems = elems }
}

// WithLogger replaces the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// Context owns the device, its queue and its compiled kernels.
type Context struct {
	id      string
	name    string
	log     zerolog.Logger
	workers int
	limit   int64
	prog    *program
	queue   *commandQueue

	nextEvent  atomic.Uint64
	nextBuffer atomic.Uint64

	mu        sync.Mutex
	allocated int64
	buffers   int

	closeOnce sync.Once
}

// NewContext creates a context on the host device and compiles its kernels.
func NewContext(opts ...Option) (*Context, error) {
	o := options{
		workers:    runtime.NumCPU(),
		queueDepth: 1024,
		elems:      numeric.All,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.workers < 1 {
		return nil, errors.Errorf("device: workers must be positive, got %d", o.workers)
	}
	if o.queueDepth < 1 {
		return nil, errors.Errorf("device: queue depth must be positive, got %d", o.queueDepth)
	}
	if o.memoryLimit < 0 {
		return nil, errors.Errorf("device: negative memory limit %d", o.memoryLimit)
	}
	for _, e := range o.elems {
		if e.Size() == 0 {
			return nil, errors.Errorf("device: unsupported element type %d", e)
		}
	}

	id := uuid.NewString()
	logger := log.Logger
	if o.logger != nil {
		logger = *o.logger
	}
	logger = logger.With().Str("component", "device").Str("ctx", id).Logger()

	c := &Context{
		id:      id,
		name:    hostDeviceName(),
		log:     logger,
		workers: o.workers,
		limit:   o.memoryLimit,
		prog:    buildProgram(o.elems),
		queue:   newCommandQueue(o.queueDepth, logger),
	}

	c.log.Info().
		Str("device", c.name).
		Int("workers", c.workers).
		Int("queue_depth", o.queueDepth).
		Int64("memory_limit", c.limit).
		Int("kernels", len(c.prog.kernels)).
		Msg("Compute context created")
	return c, nil
}

func (c *Context) ID() string   { return c.id }
func (c *Context) Name() string { return c.name }
func (c *Context) Workers() int { return c.workers }

// MemoryUsage returns the bytes currently allocated and the limit (0 if unlimited).
func (c *Context) MemoryUsage() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated, c.limit
}

// Buffers returns the number of live buffers.
func (c *Context) Buffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffers
}

// Allocate reserves an uninitialized buffer of length elements. No device
// work is enqueued.
func (c *Context) Allocate(elem numeric.Elem, length int, mode Mode) (*Buffer, error) {
	if length <= 0 {
		return nil, errors.Wrapf(ErrAllocation, "invalid length %d", length)
	}
	if !mode.Valid() {
		return nil, errors.Wrapf(ErrAllocation, "invalid mode %d", mode)
	}
	if elem.Size() == 0 {
		return nil, errors.Wrapf(ErrAllocation, "invalid element type %d", elem)
	}

	if int64(length) > math.MaxInt64/int64(elem.Size()) {
		return nil, errors.Wrapf(ErrAllocation, "%d %s elements overflow the byte count", length, elem.Name())
	}

	bytes := int64(length) * int64(elem.Size())
	c.mu.Lock()
	if c.limit > 0 && c.allocated+bytes > c.limit {
		used := c.allocated
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrAllocation, "out of device memory: %d bytes requested, %d of %d in use", bytes, used, c.limit)
	}
	c.allocated += bytes
	c.buffers++
	c.mu.Unlock()

	data, err := makeSlice(elem, length)
	if err != nil {
		c.mu.Lock()
		c.allocated -= bytes
		c.buffers--
		c.mu.Unlock()
		return nil, errors.Wrapf(err, "allocate %d bytes", bytes)
	}

	allocatedBytes.Add(float64(bytes))
	liveBuffers.Inc()

	b := &Buffer{
		ctx:    c,
		id:     c.nextBuffer.Add(1),
		elem:   elem,
		mode:   mode,
		length: length,
		data:   data,
	}
	runtime.SetFinalizer(b, func(b *Buffer) { b.Release() })

	c.log.Debug().Uint64("buffer", b.id).Str("elem", elem.Name()).Int("length", length).Str("mode", mode.String()).Msg("Buffer allocated")
	return b, nil
}

func (c *Context) free(b *Buffer) {
	bytes := b.Bytes()
	c.mu.Lock()
	c.allocated -= bytes
	c.buffers--
	c.mu.Unlock()

	allocatedBytes.Sub(float64(bytes))
	liveBuffers.Dec()
}

// Kernel looks up the compiled kernel for (op, elem).
func (c *Context) Kernel(op Op, elem numeric.Elem) (*Kernel, error) {
	k, ok := c.prog.kernels[KernelKey{Op: op, Elem: elem}]
	if !ok {
		return nil, errors.Wrap(ErrKernelNotFound, KernelName(op, elem))
	}
	return k, nil
}

// KernelByName looks up a kernel by its compiled name, e.g. vector_dot_int.
func (c *Context) KernelByName(name string) (*Kernel, error) {
	k, ok := c.prog.byName[name]
	if !ok {
		return nil, errors.Wrap(ErrKernelNotFound, name)
	}
	return k, nil
}

// Kernels lists the compiled kernels sorted by name.
func (c *Context) Kernels() []*Kernel {
	return c.prog.list()
}

// EnqueueKernel validates the argument binding and enqueues k over ws. The
// kernel starts only after every event in wait has completed; the returned
// event completes when the kernel has finished. A zero local size lets the
// context pick the chunking; otherwise chunks along X are multiples of local.X.
func (c *Context) EnqueueKernel(k *Kernel, ws, local WorkSize, wait []*Event, args ...any) (*Event, error) {
	if k == nil {
		return nil, errors.Wrap(ErrDispatch, "nil kernel")
	}
	if ws.X < 0 || ws.Y < 0 || local.X < 0 || local.Y < 0 {
		return nil, errors.Wrapf(ErrDispatch, "%s: invalid work size %v (local %v)", k.name, ws, local)
	}
	bound, err := c.bind(k, args)
	if err != nil {
		return nil, err
	}

	ev := newEvent(c.nextEvent.Add(1), k.name)
	cmd := &command{
		event: ev,
		wait:  compactWait(wait),
		run: func() error {
			return c.launch(k, ws, local, bound)
		},
		finish: func(err error) {
			kernelDuration.WithLabelValues(k.name).Observe(time.Since(ev.enqueued).Seconds())
			if err != nil {
				kernelFailures.WithLabelValues(k.name).Inc()
			}
		},
	}
	if err := c.queue.submit(cmd); err != nil {
		return nil, errors.Wrapf(ErrDispatch, "%s: %v", k.name, err)
	}
	kernelsDispatched.WithLabelValues(k.name).Inc()

	c.log.Debug().
		Str("kernel", k.name).
		Uint64("event", ev.id).
		Int("wait", len(cmd.wait)).
		Int("x", ws.X).
		Int("y", ws.Y).
		Msg("Kernel enqueued")
	return ev, nil
}

// bind checks args against the kernel's parameters and resolves buffers to
// their backing slices.
func (c *Context) bind(k *Kernel, args []any) ([]any, error) {
	if len(args) != len(k.params) {
		return nil, errors.Wrapf(ErrDispatch, "%s: expected %d arguments, got %d", k.name, len(k.params), len(args))
	}
	bound := make([]any, len(args))
	for i, p := range k.params {
		switch p.Kind {
		case ParamIn, ParamOut:
			b, ok := args[i].(*Buffer)
			if !ok || b == nil {
				return nil, errors.Wrapf(ErrDispatch, "%s: argument %d (%s) must be a buffer, got %T", k.name, i, p.Name, args[i])
			}
			if b.ctx != c {
				return nil, errors.Wrapf(ErrDispatch, "%s: argument %d (%s) belongs to another context", k.name, i, p.Name)
			}
			if b.Released() {
				return nil, errors.Wrapf(ErrDispatch, "%s: argument %d (%s) was released", k.name, i, p.Name)
			}
			if b.elem != k.key.Elem {
				return nil, errors.Wrapf(ErrDispatch, "%s: argument %d (%s) holds %s elements", k.name, i, p.Name, b.elem)
			}
			if p.Kind == ParamIn && !b.mode.KernelReadable() {
				return nil, errors.Wrapf(ErrDispatch, "%s: argument %d (%s) is %s", k.name, i, p.Name, b.mode)
			}
			if p.Kind == ParamOut && !b.mode.KernelWritable() {
				return nil, errors.Wrapf(ErrDispatch, "%s: argument %d (%s) is %s", k.name, i, p.Name, b.mode)
			}
			bound[i] = b.data
		case ParamScalar:
			if scalarElem(args[i]) != k.key.Elem {
				return nil, errors.Wrapf(ErrDispatch, "%s: argument %d (%s) must be a %s scalar, got %T", k.name, i, p.Name, k.key.Elem, args[i])
			}
			bound[i] = args[i]
		case ParamSize:
			n, ok := args[i].(int)
			if !ok || n < 0 {
				return nil, errors.Wrapf(ErrDispatch, "%s: argument %d (%s) must be a non-negative int, got %v", k.name, i, p.Name, args[i])
			}
			bound[i] = n
		}
	}
	return bound, nil
}

// launch runs the kernel over ws, splitting the X range across workers.
func (c *Context) launch(k *Kernel, ws, local WorkSize, args []any) error {
	n := ws.X
	if n == 0 || ws.Items() == 0 {
		return nil
	}

	chunk := n
	if ws.Items() >= parallelThreshold && c.workers > 1 {
		chunk = (n + c.workers - 1) / c.workers
	}
	if local.X > 0 {
		chunk = ((chunk + local.X - 1) / local.X) * local.X
	}
	if chunk >= n {
		return runChunk(k, args, ws, 0, n)
	}

	var g errgroup.Group
	g.SetLimit(c.workers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			return runChunk(k, args, ws, lo, hi)
		})
	}
	return g.Wait()
}

func runChunk(k *Kernel, args []any, ws WorkSize, lo, hi int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrDispatch, "%s: fault in work items [%d, %d): %v", k.name, lo, hi, r)
		}
	}()
	k.exec(args, ws, lo, hi)
	return nil
}

func (c *Context) checkTransfer(buf *Buffer, host any) error {
	if buf == nil {
		return errors.Wrap(ErrTransfer, "nil buffer")
	}
	if buf.ctx != c {
		return errors.Wrapf(ErrTransfer, "buffer %d belongs to another context", buf.id)
	}
	if buf.Released() {
		return errors.Wrapf(ErrTransfer, "buffer %d was released", buf.id)
	}
	if host == nil {
		return nil
	}
	elem, n := sliceInfo(host)
	if elem != buf.elem {
		return errors.Wrapf(ErrTransfer, "buffer %d holds %s elements, host slice is %T", buf.id, buf.elem, host)
	}
	if n != buf.length {
		return errors.Wrapf(ErrTransfer, "buffer %d holds %d elements, host slice has %d", buf.id, buf.length, n)
	}
	return nil
}

// EnqueueWrite copies src into buf. src is snapshotted before returning, so
// the caller may reuse it immediately; the copy itself runs on the queue.
func (c *Context) EnqueueWrite(buf *Buffer, src any) (*Event, error) {
	if err := c.checkTransfer(buf, src); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.Wrap(ErrTransfer, "nil host slice")
	}

	snapshot := cloneSlice(src)
	ev := newEvent(c.nextEvent.Add(1), "write")
	cmd := &command{
		event: ev,
		run: func() error {
			copySlice(buf.data, snapshot)
			return nil
		},
	}
	if err := c.queue.submit(cmd); err != nil {
		return nil, errors.Wrapf(ErrTransfer, "write buffer %d: %v", buf.id, err)
	}
	transferBytes.WithLabelValues(directionHostToDevice).Add(float64(buf.Bytes()))
	return ev, nil
}

// EnqueueRead copies buf back to the host once every event in wait has
// completed, blocking the caller until the copy is done or ctx ends.
func (c *Context) EnqueueRead(ctx context.Context, buf *Buffer, wait []*Event) (any, error) {
	if err := c.checkTransfer(buf, nil); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "device.EnqueueRead", trace.WithAttributes(
		attribute.String("elem", buf.elem.Name()),
		attribute.Int("length", buf.length),
	))
	defer span.End()

	var out any
	ev := newEvent(c.nextEvent.Add(1), "read")
	cmd := &command{
		event: ev,
		wait:  compactWait(wait),
		run: func() error {
			out = cloneSlice(buf.data)
			return nil
		},
	}
	if err := c.queue.submit(cmd); err != nil {
		err = errors.Wrapf(ErrTransfer, "read buffer %d: %v", buf.id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return nil, err
	}

	if err := ev.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, errors.Wrapf(err, "read buffer %d", buf.id)
	}
	transferBytes.WithLabelValues(directionDeviceToHost).Add(float64(buf.Bytes()))
	return out, nil
}

// Finish blocks until every command submitted so far has completed.
func (c *Context) Finish(ctx context.Context) error {
	ev := newEvent(c.nextEvent.Add(1), "finish")
	if err := c.queue.submit(&command{event: ev, run: func() error { return nil }}); err != nil {
		return errors.Wrapf(ErrDispatch, "finish: %v", err)
	}
	return ev.Wait(ctx)
}

// Close drains the queue and stops the dispatcher. Later submissions fail.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.queue.close()
		allocated, _ := c.MemoryUsage()
		c.log.Info().Int64("allocated", allocated).Int("buffers", c.Buffers()).Msg("Compute context closed")
	})
	return nil
}

// Write is a typed EnqueueWrite.
func Write[T numeric.Number](c *Context, buf *Buffer, src []T) (*Event, error) {
	return c.EnqueueWrite(buf, src)
}

// Read is a typed EnqueueRead.
func Read[T numeric.Number](ctx context.Context, c *Context, buf *Buffer, wait []*Event) ([]T, error) {
	v, err := c.EnqueueRead(ctx, buf, wait)
	if err != nil {
		return nil, err
	}
	out, ok := v.([]T)
	if !ok {
		return nil, errors.Wrapf(ErrTransfer, "buffer %d holds %s elements, not %s", buf.id, buf.elem, numeric.ElemOf[T]())
	}
	return out, nil
}
