package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/groutine"
	"github.com/srg/buttond/internal/metrics"
)

// MaxReplayBufferSize guards against accidental misconfiguration of the replay ring.
const MaxReplayBufferSize uint32 = 64 * 1024

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// ReplayBufferSize keeps up to this many events emitted while no listener is
	// attached and replays them to the next subscriber. 0 disables replay.
	ReplayBufferSize uint32
	Logger           *logrus.Logger
	Metrics          *metrics.Collector
}

// delivery is one queued hand-off: either an event bound to the listener that was
// attached at emit time, or a barrier used by Sync.
type delivery struct {
	event    Event
	listener Listener
	barrier  chan struct{}
	stop     bool
}

// Dispatcher serializes notifications into one ordered stream for a single listener.
//
// Emit never blocks past handing the event to an unbounded FIFO queue; a single
// delivery goroutine drains the queue, so listeners observe events in emit order.
// With no listener attached, events are dropped (or buffered in the replay ring
// when enabled).
type Dispatcher struct {
	mu       sync.Mutex
	listener Listener
	token    uint64
	seq      uint64
	closed   bool

	queue  *queue.Queue
	replay mpmc.RichOverlappedRingBuffer[Event]

	logger  *logrus.Logger
	metrics *metrics.Collector
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher and starts its delivery goroutine.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	d := &Dispatcher{
		queue:   queue.New(64),
		logger:  logger,
		metrics: opts.Metrics,
	}

	if size := opts.ReplayBufferSize; size > 0 {
		if size > MaxReplayBufferSize {
			logger.WithFields(logrus.Fields{
				"requested": size,
				"max":       MaxReplayBufferSize,
			}).Warn("Replay buffer size clamped")
			size = MaxReplayBufferSize
		}
		d.replay = mpmc.NewOverlappedRingBuffer[Event](size)
	}

	groutine.GoWait(context.Background(), &d.wg, "event-dispatcher", d.deliverLoop)
	return d
}

// Emit stamps and enqueues an event. It never fails and never blocks on the listener.
func (d *Dispatcher) Emit(name Name, payload Payload) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.WithField("event", name).Debug("Dispatcher closed, dropping event")
		d.metrics.Dropped(string(name))
		return
	}

	d.seq++
	ev := Event{
		Seq:     d.seq,
		Time:    time.Now(),
		Name:    name,
		Payload: payload,
	}

	if d.listener == nil {
		d.bufferOrDrop(ev)
		return
	}

	if err := d.queue.Put(delivery{event: ev, listener: d.listener}); err != nil {
		d.logger.WithError(err).WithField("event", name).Warn("Failed to enqueue event")
		d.metrics.Dropped(string(name))
	}
}

// bufferOrDrop must be called with d.mu held.
func (d *Dispatcher) bufferOrDrop(ev Event) {
	if d.replay == nil {
		d.logger.WithField("event", ev.Name).Debug("No listener attached, dropping event")
		d.metrics.Dropped(string(ev.Name))
		return
	}

	overwrites, err := d.replay.EnqueueM(ev)
	if err != nil {
		d.logger.WithError(err).WithField("event", ev.Name).Warn("Failed to buffer event for replay")
		d.metrics.Dropped(string(ev.Name))
		return
	}
	if overwrites > 0 {
		d.logger.WithField("overwritten", overwrites).Debug("Replay buffer full, oldest events overwritten")
		for i := uint32(0); i < overwrites; i++ {
			d.metrics.Dropped("replay_overwritten")
		}
	}
}

// Subscribe attaches l as the single listener, replacing any previous one.
// Buffered replay events are delivered to l before any event emitted after this call.
// The returned func detaches l if it is still the current listener.
func (d *Dispatcher) Subscribe(l Listener) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.listener != nil {
		d.logger.Debug("Replacing existing event listener")
	}
	d.token++
	token := d.token
	d.listener = l

	if d.replay != nil && l != nil {
		replayed := 0
		for !d.replay.IsEmpty() {
			ev, err := d.replay.Dequeue()
			if err != nil {
				d.logger.WithError(err).Warn("Failed to drain replay buffer")
				break
			}
			if err := d.queue.Put(delivery{event: ev, listener: l}); err != nil {
				d.logger.WithError(err).Warn("Failed to enqueue replayed event")
				break
			}
			replayed++
		}
		if replayed > 0 {
			d.logger.WithField("count", replayed).Debug("Replaying buffered events to new listener")
			d.metrics.Replayed(replayed)
		}
	}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.token == token {
			d.listener = nil
		}
	}
}

// HasListener reports whether a listener is attached.
func (d *Dispatcher) HasListener() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listener != nil
}

// Sync blocks until every event emitted before the call has been delivered, or ctx is done.
func (d *Dispatcher) Sync(ctx context.Context) error {
	barrier := make(chan struct{})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	err := d.queue.Put(delivery{barrier: barrier})
	d.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers every queued event and stops the delivery goroutine. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	err := d.queue.Put(delivery{stop: true})
	d.mu.Unlock()

	if err != nil {
		d.queue.Dispose()
	}
	d.wg.Wait()
	d.queue.Dispose()
}

func (d *Dispatcher) deliverLoop(ctx context.Context) {
	d.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Event delivery started")
	defer d.logger.Debug("Event delivery stopped")

	for {
		items, err := d.queue.Get(1)
		if err != nil {
			if !errors.Is(err, queue.ErrDisposed) {
				d.logger.WithError(err).Error("Event queue failed")
			}
			return
		}

		for _, item := range items {
			dl, ok := item.(delivery)
			if !ok {
				continue
			}
			switch {
			case dl.stop:
				return
			case dl.barrier != nil:
				close(dl.barrier)
			default:
				d.deliver(dl)
			}
		}
	}
}

func (d *Dispatcher) deliver(dl delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"event": dl.event.Name,
				"panic": r,
			}).Error("Event listener panicked")
		}
	}()

	dl.listener(dl.event)
	d.metrics.Emitted(string(dl.event.Name))
}
