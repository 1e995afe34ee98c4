package viz

import (
	"context"
	"sync"
	"time"

	"superpeer/pkg/channel"
	"superpeer/pkg/utils"
)

// Recorder bridges mesh peer events into the topology store. Database
// writes happen on a single background goroutine fed by a bounded queue so
// a slow database never blocks the transport's notification path. It also
// ticks a heartbeat that refreshes the daily peak device count.
type Recorder struct {
	store  *Store
	logger *utils.Logger

	interval time.Duration
	queue    chan topologyEvent
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

type topologyEvent struct {
	device  channel.Address
	remote  string
	online  bool
}

// NewRecorder creates a recorder flushing peaks every interval.
func NewRecorder(store *Store, interval time.Duration, logger *utils.Logger) *Recorder {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Recorder{
		store:    store,
		logger:   logger,
		interval: interval,
		queue:    make(chan topologyEvent, 256),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop drains pending events and stops the writer.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()
	close(r.stopCh)
	r.wg.Wait()
}

// PeerConnected queues an online transition; drops on overflow.
func (r *Recorder) PeerConnected(addr channel.Address, remote string) {
	r.enqueue(topologyEvent{device: addr, remote: remote, online: true})
}

// PeerDisconnected queues an offline transition; drops on overflow.
func (r *Recorder) PeerDisconnected(addr channel.Address) {
	r.enqueue(topologyEvent{device: addr, online: false})
}

func (r *Recorder) enqueue(ev topologyEvent) {
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("topology queue full, dropping event",
			utils.ZapString("device", ev.device.String()),
			utils.ZapBool("online", ev.online))
	}
}

func (r *Recorder) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			for {
				select {
				case ev := <-r.queue:
					r.apply(ctx, ev)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			r.apply(ctx, ev)
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *Recorder) apply(ctx context.Context, ev topologyEvent) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	if ev.online {
		err = r.store.DeviceOnline(opCtx, ev.device, ev.remote)
	} else {
		err = r.store.DeviceOffline(opCtx, ev.device)
	}
	if err != nil {
		r.logger.Warn("topology write failed",
			utils.ZapString("device", ev.device.String()),
			utils.ZapBool("online", ev.online),
			utils.ZapError(err))
	}
}

func (r *Recorder) heartbeat(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	count, err := r.store.CountOnline(opCtx)
	if err != nil {
		r.logger.Warn("topology heartbeat failed", utils.ZapError(err))
		return
	}
	if err := r.store.RecordPeak(opCtx, time.Now(), count); err != nil {
		r.logger.Warn("peak update failed", utils.ZapError(err))
	}
	r.logger.Debug("topology heartbeat", utils.ZapInt("online_devices", count))
}
