package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Config controls buffering. A disabled config yields a nil Dispatcher,
// whose methods are no-ops.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull discards events instead of blocking the caller when the
	// queue is full.
	DropIfFull bool
	// Logger receives sink panics. Nil means zap.NewNop.
	Logger *zap.Logger
}

// Dispatcher hands events to a sink from one goroutine, in emission order.
type Dispatcher struct {
	sink   Sink
	block  bool
	logger *zap.Logger

	queue    chan Event
	stop     chan struct{}
	finished chan struct{}
	stopOnce sync.Once

	dropped   atomic.Uint64
	delivered atomic.Uint64
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		sink:     sink,
		block:    !cfg.DropIfFull,
		logger:   logger,
		queue:    make(chan Event, max(cfg.BufferSize, 1)),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.finished)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

// deliver isolates the loop from a misbehaving sink.
func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("audit sink panicked", zap.String("event", ev.EventType), zap.Any("panic", r))
		}
	}()
	d.sink.Emit(context.Background(), ev)
	d.delivered.Add(1)
}

// Emit queues ev. After Close it does nothing.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	select {
	case <-d.stop:
		return
	default:
	}

	if !d.block {
		select {
		case d.queue <- ev:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
	}
}

// Close stops intake and returns once queued events reached the sink.
// Calling it again is harmless.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.finished
}

// Dropped counts events lost to a full queue or a cancelled caller.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Delivered counts events the sink accepted.
func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
