package session

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/events"
	"github.com/srg/buttond/internal/radio"
)

// PowerState returns the last power state reported by the radio.
func (s *Session) PowerState() radio.PowerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// OnPowerStateChange implements radio.Delegate. Repeated reports of the same state are
// not re-emitted.
func (s *Session) OnPowerStateChange(state radio.PowerState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == s.power {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"from": s.power,
		"to":   state,
	}).Info("Radio power state changed")

	s.power = state
	s.metrics.SetPowerState(state.Ordinal())
	s.emit(events.ManagerStateUpdate, events.ManagerState(state.Ordinal()))
}

// OnRestore implements radio.Delegate. Restored buttons that are new to the registry
// start disconnected; known ones keep their state.
func (s *Session) OnRestore(peripherals []radio.Peripheral) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range peripherals {
		candidate := button.New(p.ID, p.Name)
		if candidate.ID == "" {
			s.ignore("invalid_button", logrus.Fields{"op": "restore"})
			continue
		}
		if _, known := s.registry.Find(candidate.ID); !known {
			candidate.State = button.StateDisconnected
		}
		s.registry.Upsert(candidate)
	}

	n := s.registry.Len()
	s.metrics.SetButtons(n)
	s.logger.WithFields(logrus.Fields{
		"restored": len(peripherals),
		"buttons":  n,
	}).Info("State restored")
	s.emit(events.RestoreState, events.Restored(n))
}
