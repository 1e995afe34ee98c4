package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"superpeer/pkg/channel"
	"superpeer/pkg/utils"
)

// InboundEvent is one message delivered by the mesh transport: raw bytes
// plus the verified sender identity.
type InboundEvent struct {
	Peer channel.Address
	Data []byte
}

// Sender delivers reply bytes to a peer. The mesh transport implements it;
// tests substitute a capture.
type Sender interface {
	SendReliable(ctx context.Context, peer channel.Address, data []byte) error
}

// Config holds dispatcher tuning.
type Config struct {
	QueueSize       int           // bounded inbound queue (default 1000)
	WorkerCount     int           // concurrent handler limit (default 100)
	ShutdownTimeout time.Duration // grace for in-flight handlers (default 30s)
}

// Dispatcher owns the inbound queue and the worker pool. One consumer
// goroutine drains the queue and hands each event to a semaphore-bounded
// worker so a single slow ledger call cannot stall ingestion. Constructed
// explicitly and injected into the transport; it has no global instance.
type Dispatcher struct {
	cfg      Config
	handlers *Handlers
	sender   Sender
	logger   *utils.Logger

	queue     chan InboundEvent
	stopCh    chan struct{}
	workerSem chan struct{}
	wg        sync.WaitGroup

	mu        sync.Mutex
	running   bool
	runCancel context.CancelFunc

	droppedCount uint64
	taskCount    uint64
}

// NewDispatcher wires a dispatcher; handlers, sender and logger are
// required.
func NewDispatcher(cfg Config, handlers *Handlers, sender Sender, logger *utils.Logger) (*Dispatcher, error) {
	if handlers == nil || sender == nil || logger == nil {
		return nil, errors.New("dispatch: handlers, sender and logger are required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 100
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		handlers:  handlers,
		sender:    sender,
		logger:    logger,
		queue:     make(chan InboundEvent, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		workerSem: make(chan struct{}, cfg.WorkerCount),
	}, nil
}

// Start spawns the consumer goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dispatch: already running")
	}
	d.running = true

	runCtx, cancel := context.WithCancel(ctx)
	d.runCancel = cancel

	d.wg.Add(1)
	go d.consumeLoop(runCtx)

	d.logger.InfoContext(ctx, "dispatcher started",
		utils.ZapInt("queue_size", d.cfg.QueueSize),
		utils.ZapInt("workers", d.cfg.WorkerCount))
	return nil
}

// Stop shuts the dispatcher down: the consumer exits, in-flight handlers
// get the shutdown grace, then their context is cancelled to abort any
// remaining ledger waits.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.runCancel
	d.mu.Unlock()

	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped gracefully")
		return nil
	case <-time.After(d.cfg.ShutdownTimeout):
	}

	// Grace elapsed; cancel in-flight work and wait again.
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
		d.logger.Warn("dispatcher stopped after cancelling in-flight handlers")
		return nil
	case <-time.After(5 * time.Second):
		d.logger.Error("dispatcher workers did not exit", utils.ZapDuration("grace", d.cfg.ShutdownTimeout))
		return errors.New("dispatch: shutdown timeout")
	}
}

// Enqueue accepts an inbound event from the transport callback. It never
// blocks: a full queue drops the event with a log line.
func (d *Dispatcher) Enqueue(event InboundEvent) bool {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return false
	}

	select {
	case d.queue <- event:
		d.mu.Lock()
		d.taskCount++
		d.mu.Unlock()
		return true
	default:
		d.mu.Lock()
		d.droppedCount++
		dropped := d.droppedCount
		d.mu.Unlock()
		d.logger.Warn("inbound queue full, dropping message",
			utils.ZapString("peer", event.Peer.String()),
			utils.ZapUint64("dropped_total", dropped))
		return false
	}
}

// Stats returns dispatcher counters
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"running":     d.running,
		"queue_len":   len(d.queue),
		"queue_cap":   cap(d.queue),
		"task_count":  d.taskCount,
		"dropped":     d.droppedCount,
		"worker_cap":  d.cfg.WorkerCount,
		"worker_busy": len(d.workerSem),
	}
}

func (d *Dispatcher) consumeLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			// Drain whatever is already queued without blocking for more.
			for {
				select {
				case event := <-d.queue:
					d.dispatch(ctx, event)
				default:
					return
				}
			}
		case event := <-d.queue:
			d.dispatch(ctx, event)
		}
	}
}

// dispatch hands one event to the worker pool, blocking the consumer only
// when all workers are busy.
func (d *Dispatcher) dispatch(ctx context.Context, event InboundEvent) {
	select {
	case d.workerSem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.workerSem }()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("handler panic",
					utils.ZapAny("panic", r),
					utils.ZapString("peer", event.Peer.String()))
			}
		}()
		d.process(ctx, event)
	}()
}

// process decodes, routes and replies. Every decodable request produces
// exactly one response; malformed bytes and unknown methods produce none.
func (d *Dispatcher) process(ctx context.Context, event InboundEvent) {
	ctx = utils.ContextWithRequestID(ctx, uuid.NewString())
	ctx = utils.ContextWithPeer(ctx, event.Peer.String())

	env, err := d.handlers.codec.DecodeEnvelope(event.Data)
	if err != nil {
		d.logger.WarnContext(ctx, "dropping malformed message",
			utils.ZapError(err),
			utils.ZapInt("size", len(event.Data)))
		return
	}
	ctx = utils.ContextWithMethod(ctx, env.Method)

	resp := d.handlers.Handle(ctx, event.Peer, env)
	if resp == nil {
		return
	}

	data, err := d.handlers.codec.EncodeResponse(resp)
	if err != nil {
		d.logger.ErrorContext(ctx, "response encode failed", utils.ZapError(err))
		return
	}
	if err := d.sender.SendReliable(ctx, event.Peer, data); err != nil {
		d.logger.WarnContext(ctx, "response delivery failed",
			utils.ZapError(err),
			utils.ZapString("status", resp.Status))
	}
}
