package session

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/events"
	"github.com/srg/buttond/internal/radio"
)

// Connect asks the radio to connect a known button and returns without waiting for the link.
func (s *Session) Connect(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.registry.Find(button.NormalizeID(id))
	if !ok {
		return button.NotFound(id)
	}
	if s.radio == nil {
		return s.notInitialized()
	}

	// A live link keeps its state until the radio reports otherwise.
	linked := b.State.IsLinked()
	if !linked {
		b, _ = s.registry.SetState(b.ID, button.StateConnecting)
	}
	s.emit(events.ButtonConnecting, events.ButtonID(b.ID))

	if err := s.radio.Connect(b.ID); err != nil {
		err = radio.NormalizeError(err)
		s.logger.WithError(err).WithField("button", b.ID).Warn("Radio refused to connect")
		if !linked {
			b, _ = s.registry.SetState(b.ID, button.StateFailed)
		}
		s.emit(events.ButtonConnectionFailed, events.ButtonStateWithError(b, err))
		return nil
	}

	s.logger.WithField("button", b.ID).Info("Connecting button")
	return nil
}

// Disconnect asks the radio to drop the link of a known button.
func (s *Session) Disconnect(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.registry.Find(button.NormalizeID(id))
	if !ok {
		return button.NotFound(id)
	}
	if s.radio == nil {
		return s.notInitialized()
	}

	log := s.logger.WithField("button", b.ID)
	if err := s.radio.Disconnect(b.ID); err != nil {
		log.WithError(radio.NormalizeError(err)).Warn("Radio refused to disconnect")
	}

	if s.optimistic {
		b, _ = s.registry.SetState(b.ID, button.StateDisconnected)
		s.emit(events.ButtonDisconnected, events.ButtonState(b))
	}

	log.Info("Disconnecting button")
	return nil
}

// RemoveAll forgets every known button. It never fails synchronously: with a radio that
// can forget pairings, entries are removed as each forget completes; otherwise linked
// buttons are disconnected and the registry is cleared at once.
func (s *Session) RemoveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.radio.(radio.Forgetter); ok {
		for _, b := range s.registry.List() {
			if err := f.Forget(b.ID); err != nil {
				s.forgottenLocked(b.ID, radio.NormalizeError(err))
			}
		}
		return nil
	}

	if s.radio != nil {
		for _, b := range s.registry.List() {
			if !b.State.IsLinked() {
				continue
			}
			if err := s.radio.Disconnect(b.ID); err != nil {
				s.logger.WithError(err).WithField("button", b.ID).Warn("Radio refused to disconnect")
			}
		}
	}

	n := s.registry.RemoveAll(func(b button.Button) {
		s.emit(events.ButtonRemoved, events.ButtonID(b.ID))
	})
	s.metrics.SetButtons(0)
	s.logger.WithField("count", n).Info("All buttons removed")
	return nil
}

// OnForgotten implements radio.Delegate.
func (s *Session) OnForgotten(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgottenLocked(button.NormalizeID(id), err)
}

func (s *Session) forgottenLocked(id string, err error) {
	b, ok := s.registry.Remove(id)
	if !ok {
		s.ignore("unknown_button", logrus.Fields{"button": id, "op": "forget"})
		return
	}

	log := s.logger.WithField("button", b.ID)
	if err != nil {
		log.WithError(err).Warn("Radio failed to forget button, removing locally")
	} else {
		log.Info("Button removed")
	}
	s.metrics.SetButtons(s.registry.Len())
	s.emit(events.ButtonRemoved, events.ButtonID(b.ID))
}

// OnConnected implements radio.Delegate.
func (s *Session) OnConnected(id string) {
	s.transition(id, button.StateConnected, func(b button.Button) {
		s.emit(events.ButtonConnected, events.ButtonState(b))
	})
}

// OnDisconnected implements radio.Delegate.
func (s *Session) OnDisconnected(id string, err error) {
	s.transition(id, button.StateDisconnected, func(b button.Button) {
		s.emit(events.ButtonDisconnected, events.ButtonStateWithError(b, radio.NormalizeError(err)))
	})
}

// OnConnectFailed implements radio.Delegate.
func (s *Session) OnConnectFailed(id string, err error) {
	s.transition(id, button.StateFailed, func(b button.Button) {
		s.emit(events.ButtonConnectionFailed, events.ButtonStateWithError(b, radio.NormalizeError(err)))
	})
}

// OnReady implements radio.Delegate.
func (s *Session) OnReady(id string) {
	s.transition(id, button.StateReady, func(b button.Button) {
		s.emit(events.ButtonReady, events.ButtonState(b))
	})
}

// OnClick implements radio.Delegate.
func (s *Session) OnClick(id string, click button.Click) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !click.Valid() {
		s.ignore("invalid_click", logrus.Fields{"button": id, "click": click})
		return
	}

	b, ok := s.registry.Find(button.NormalizeID(id))
	if !ok {
		s.ignore("unknown_button", logrus.Fields{"button": id, "click": click})
		return
	}

	s.logger.WithFields(logrus.Fields{"button": b.ID, "click": click}).Debug("Button click")
	s.emit(events.ButtonClick, events.ButtonClickPayload(b, click))
}

// transition re-fetches id, moves it to state and emits the paired notification.
func (s *Session) transition(id string, state button.ConnectionState, notify func(button.Button)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.registry.SetState(button.NormalizeID(id), state)
	if !ok {
		s.ignore("unknown_button", logrus.Fields{"button": id, "state": state})
		return
	}

	s.logger.WithFields(logrus.Fields{"button": b.ID, "state": state}).Debug("Button state changed")
	notify(b)
}
