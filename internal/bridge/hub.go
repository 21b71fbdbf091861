package bridge

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/events"
	"github.com/srg/buttond/internal/metrics"
)

const (
	// DefaultSubscriberBuffer is the per-subscriber backlog before sends start to wait.
	DefaultSubscriberBuffer = 256
	// DefaultSubscriberTimeout is how long a full subscriber may stall the stream before
	// it is evicted.
	DefaultSubscriberTimeout = 5 * time.Second
)

// Source is where the hub takes notifications from. *session.Session satisfies it.
type Source interface {
	Subscribe(l events.Listener) (unsubscribe func())
}

// HubOptions configures a Hub.
type HubOptions struct {
	Buffer      int
	SendTimeout time.Duration
	Logger      *logrus.Logger
	Metrics     *metrics.Collector
}

// Hub fans session notifications out to any number of stream subscribers.
//
// The hub is the dispatcher's listener only while at least one subscriber exists, so
// notifications emitted with nobody watching go to the dispatcher's replay buffer and
// reach the next subscriber. Notifications already on their way when the last
// subscriber left are held and go to the next subscriber first.
//
// Delivery never skips a notification: a full subscriber stalls the stream for up to
// SendTimeout and is then evicted with ErrSlowSubscriber.
type Hub struct {
	source  Source
	buffer  int
	timeout time.Duration
	logger  *logrus.Logger
	metrics *metrics.Collector

	mu          sync.Mutex
	subs        map[uint64]*Subscription
	held        []events.Event
	next        uint64
	unsubscribe func()
	closed      bool
}

// Subscription is one stream subscriber.
type Subscription struct {
	id   uint64
	hub  *Hub
	sc   *subChannel[events.Event]
	once sync.Once
}

// C returns the notification stream. It is closed by Cancel, by eviction or by Hub.Close.
func (s *Subscription) C() <-chan events.Event {
	return s.sc.C()
}

// Err reports why C was closed: ErrSlowSubscriber after an eviction, nil otherwise.
func (s *Subscription) Err() error {
	return s.sc.Err()
}

// Cancel unsubscribes. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.hub.remove(s, nil) })
}

// NewHub creates a hub over source.
func NewHub(source Source, opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSubscriberTimeout
	}
	return &Hub{
		source:  source,
		buffer:  buffer,
		timeout: timeout,
		logger:  logger,
		metrics: opts.Metrics,
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber. ok is false once the hub is closed.
func (h *Hub) Subscribe() (sub *Subscription, ok bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, false
	}

	h.next++
	sub = &Subscription{id: h.next, hub: h, sc: newSubChannel[events.Event](h.buffer)}
	h.subs[sub.id] = sub

	// held never exceeds buffer, so the fresh channel takes all of it
	for _, ev := range h.held {
		sub.sc.offer(ev)
	}
	held := len(h.held)
	h.held = nil

	if h.unsubscribe == nil {
		h.unsubscribe = h.source.Subscribe(h.publish)
	}
	h.mu.Unlock()

	h.metrics.SubscriberAdded()
	log := h.logger.WithField("subscriber", sub.id)
	if held > 0 {
		log = log.WithField("held", held)
	}
	log.Debug("Subscriber added")
	return sub, true
}

func (h *Hub) remove(sub *Subscription, cause error) {
	h.mu.Lock()
	if h.subs[sub.id] != sub {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub.id)
	sub.sc.Close(cause)
	if len(h.subs) == 0 && h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	h.mu.Unlock()

	h.metrics.SubscriberRemoved()
	h.logger.WithField("subscriber", sub.id).Debug("Subscriber removed")
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// publish is the source listener. The dispatcher calls it from one goroutine, so
// notifications reach every subscriber in emit order.
func (h *Hub) publish(ev events.Event) {
	for {
		subs := h.targets(ev)
		if len(subs) == 0 {
			return
		}
		if h.fanOut(subs, ev) {
			return
		}
		// every target left while we were sending; try whoever is subscribed now
	}
}

// targets snapshots the subscribers. With none left, ev is held for the next one.
func (h *Hub) targets(ev events.Event) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		h.discard(ev, "Hub closed, notification not delivered")
		return nil
	}
	if len(h.subs) == 0 {
		h.hold(ev)
		return nil
	}

	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	return subs
}

// hold must be called with h.mu held.
func (h *Hub) hold(ev events.Event) {
	if len(h.held) >= h.buffer {
		h.discard(h.held[0], "Held notifications full, oldest not delivered")
		h.held = h.held[1:]
	}
	h.held = append(h.held, ev)
}

// fanOut sends ev to subs and reports whether any of them took it or was evicted for it.
func (h *Hub) fanOut(subs []*Subscription, ev events.Event) bool {
	settled := false
	for _, sub := range subs {
		err := sub.sc.Send(ev, h.timeout)
		switch {
		case err == nil:
			settled = true
		case errors.Is(err, ErrSlowSubscriber):
			h.evict(sub, ev)
			settled = true
		}
	}
	return settled
}

func (h *Hub) evict(sub *Subscription, ev events.Event) {
	h.metrics.Evicted()
	h.metrics.Dropped(string(ev.Name))
	h.logger.WithFields(logrus.Fields{
		"subscriber": sub.id,
		"seq":        ev.Seq,
		"event":      ev.Name,
		"backlog":    sub.sc.Len(),
	}).Warn("Subscriber fell behind, disconnecting it")
	sub.once.Do(func() { h.remove(sub, ErrSlowSubscriber) })
}

func (h *Hub) discard(ev events.Event, msg string) {
	h.metrics.Dropped(string(ev.Name))
	h.logger.WithFields(logrus.Fields{
		"seq":   ev.Seq,
		"event": ev.Name,
	}).Warn(msg)
}

// Close detaches from the source and closes every subscriber channel. Held notifications
// are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	for id, sub := range h.subs {
		sub.sc.Close(nil)
		delete(h.subs, id)
		h.metrics.SubscriberRemoved()
	}
	for _, ev := range h.held {
		h.discard(ev, "Hub closed, held notification not delivered")
	}
	h.held = nil
}
