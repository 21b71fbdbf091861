// Package session implements the button session manager: the single owner of the button
// registry, the active scan and the radio power state.
//
// A Session serializes every mutation behind one mutex and hands the paired notification
// to its events.Dispatcher while that mutex is held, so consumers observe notifications in
// exactly the order the state changed. The Session is the radio.Delegate of the radio it
// is bound to.
package session

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/events"
	"github.com/srg/buttond/internal/metrics"
	"github.com/srg/buttond/internal/radio"
)

// Result messages returned by request operations.
const (
	MessageScanSuccessful    = "Scan successful"
	MessageConnecting        = "Button connecting..."
	MessageDisconnected      = "Button disconnected"
	MessageAllButtonsRemoved = "All buttons removed"
	messageNotInitialized    = "button manager is not initialized"
	messageScanStopped       = "scan stopped"
	messageScanWithoutButton = "scan completed without a button"
)

// Options configures a Session.
type Options struct {
	Logger  *logrus.Logger
	Metrics *metrics.Collector

	// Dispatcher receives every notification. When nil the Session creates one and
	// closes it on Close.
	Dispatcher *events.Dispatcher

	// ReplayBufferSize is used only when the Session creates its own Dispatcher.
	ReplayBufferSize uint32

	// OptimisticDisconnect emits buttonDisconnected as soon as a disconnect is requested,
	// in addition to the radio's confirmation.
	OptimisticDisconnect bool
}

// Session is the button session manager.
type Session struct {
	mu sync.Mutex

	radio    radio.Radio
	registry *button.Registry
	power    radio.PowerState

	scan     *scanSession
	lastScan radio.ScanID

	dispatcher     *events.Dispatcher
	ownsDispatcher bool
	optimistic     bool

	logger  *logrus.Logger
	metrics *metrics.Collector
}

var _ radio.Delegate = (*Session)(nil)

// New creates an unbound Session in power state unknown.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Session{
		registry:   button.NewRegistry(),
		power:      radio.PowerUnknown,
		dispatcher: opts.Dispatcher,
		optimistic: opts.OptimisticDisconnect,
		logger:     logger,
		metrics:    opts.Metrics,
	}

	if s.dispatcher == nil {
		s.dispatcher = events.NewDispatcher(events.DispatcherOptions{
			ReplayBufferSize: opts.ReplayBufferSize,
			Logger:           logger,
			Metrics:          opts.Metrics,
		})
		s.ownsDispatcher = true
	}

	return s
}

// Bind attaches the session to r. A session can be bound once.
func (s *Session) Bind(r radio.Radio) error {
	if r == nil {
		return errors.New("radio is nil")
	}

	s.mu.Lock()
	if s.radio != nil {
		s.mu.Unlock()
		return errors.New("session is already bound to a radio")
	}
	s.radio = r
	s.mu.Unlock()

	// Attach outside the lock: adapters may report state from their own goroutines
	// as soon as the delegate is bound.
	if err := r.Attach(s); err != nil {
		s.mu.Lock()
		s.radio = nil
		s.mu.Unlock()
		return radio.NormalizeError(err)
	}

	s.logger.Info("Button session bound to radio")
	return nil
}

// Close stops any active scan, closes the radio and, when owned, the dispatcher.
func (s *Session) Close() error {
	s.StopScan()

	s.mu.Lock()
	r := s.radio
	s.mu.Unlock()

	var err error
	if r != nil {
		err = r.Close()
	}
	if s.ownsDispatcher {
		s.dispatcher.Close()
	}
	return err
}

// Events returns the session's dispatcher.
func (s *Session) Events() *events.Dispatcher {
	return s.dispatcher
}

// Subscribe attaches the single notification listener.
func (s *Session) Subscribe(l events.Listener) (unsubscribe func()) {
	return s.dispatcher.Subscribe(l)
}

// Buttons returns a snapshot of every known button in registration order.
func (s *Session) Buttons() []button.Button {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.List()
}

// Button looks up one button by id.
func (s *Session) Button(id string) (button.Button, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Find(button.NormalizeID(id))
}

// emit must be called with s.mu held.
func (s *Session) emit(name events.Name, payload events.Payload) {
	s.dispatcher.Emit(name, payload)
}

func (s *Session) notInitialized() error {
	return &button.Error{Kind: button.KindNotInitialized, Msg: messageNotInitialized}
}

// ignore records a radio callback that does not apply to current state.
func (s *Session) ignore(reason string, fields logrus.Fields) {
	s.logger.WithFields(fields).WithField("reason", reason).Warn("Ignoring radio event")
	s.metrics.RadioEventIgnored(reason)
}

// deferred collects callbacks that must run after s.mu is released.
type deferred []func()

func (d *deferred) add(fn func()) {
	*d = append(*d, fn)
}

func (d deferred) run() {
	for _, fn := range d {
		fn()
	}
}
