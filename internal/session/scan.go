package session

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/events"
	"github.com/srg/buttond/internal/radio"
)

// ScanCallback completes a scan request: either the verified button or a ScanFailed error.
// It is never called with the session lock held.
type ScanCallback func(b button.Button, err error)

type scanSession struct {
	id   radio.ScanID
	done ScanCallback
}

var progressMessages = map[radio.ScanProgress]string{
	radio.ProgressDiscovered:         "A button was discovered.",
	radio.ProgressConnected:          "A button is being verified.",
	radio.ProgressVerified:           "The button was verified successfully.",
	radio.ProgressVerificationFailed: "The button verification failed.",
}

// ProgressMessage returns the scanEvent text for a progress stage.
func ProgressMessage(p radio.ScanProgress) (string, bool) {
	msg, ok := progressMessages[p]
	return msg, ok
}

// IsScanning reports whether a scan session is active.
func (s *Session) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan != nil
}

// StartScan opens a new scan session, replacing any active one. done is called exactly
// once when the scan ends. The only synchronous failure is NotInitialized.
func (s *Session) StartScan(done ScanCallback) error {
	_, err := s.OpenScan(done)
	return err
}

// OpenScan is StartScan returning the id of the opened session, for use with CancelScan.
func (s *Session) OpenScan(done ScanCallback) (radio.ScanID, error) {
	var after deferred
	defer after.run()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.radio == nil {
		return 0, s.notInitialized()
	}

	if s.scan != nil {
		s.endScanLocked(&after, "replaced")
	}

	s.lastScan++
	sess := &scanSession{id: s.lastScan, done: done}
	s.scan = sess

	log := s.logger.WithField("scan", sess.id)
	log.Info("Scan started")

	if err := s.radio.StartScan(sess.id); err != nil {
		err = radio.NormalizeError(err)
		log.WithError(err).Warn("Radio refused to start scan")
		s.failScanLocked(&after, sess, err)
	}
	return sess.id, nil
}

// StopScan ends the active scan session. It is a no-op when idle.
func (s *Session) StopScan() {
	var after deferred
	defer after.run()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scan == nil {
		return
	}
	s.endScanLocked(&after, "stopped")
}

// CancelScan ends the scan session id if it is still the active one and reports whether
// it did. A session that was replaced or already finished is left alone.
func (s *Session) CancelScan(id radio.ScanID) bool {
	var after deferred
	defer after.run()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scan == nil || s.scan.id != id {
		return false
	}
	s.endScanLocked(&after, "stopped")
	return true
}

// endScanLocked stops the active session on the radio and completes its request without
// a scanFailed notification.
func (s *Session) endScanLocked(after *deferred, outcome string) {
	sess := s.scan
	s.scan = nil

	log := s.logger.WithFields(logrus.Fields{"scan": sess.id, "outcome": outcome})
	if err := s.radio.StopScan(sess.id); err != nil {
		log.WithError(err).Warn("Radio failed to stop scan")
	}
	log.Info("Scan ended")
	s.metrics.ScanFinished(outcome)

	s.completeScan(after, sess, button.Button{}, button.ScanFailed(errors.New(messageScanStopped)))
}

func (s *Session) failScanLocked(after *deferred, sess *scanSession, err error) {
	if s.scan == sess {
		s.scan = nil
	}
	s.emit(events.ScanFailed, events.Failure(err))
	s.metrics.ScanFinished("failed")
	s.completeScan(after, sess, button.Button{}, button.ScanFailed(err))
}

func (s *Session) completeScan(after *deferred, sess *scanSession, b button.Button, err error) {
	if sess.done == nil {
		return
	}
	after.add(func() { sess.done(b, err) })
}

// activeScanLocked returns the session for id, or nil when id is stale.
func (s *Session) activeScanLocked(id radio.ScanID) *scanSession {
	if s.scan == nil || s.scan.id != id {
		return nil
	}
	return s.scan
}

// OnScanProgress implements radio.Delegate.
func (s *Session) OnScanProgress(id radio.ScanID, progress radio.ScanProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeScanLocked(id) == nil {
		s.ignore("stale_scan", logrus.Fields{"scan": id, "progress": progress})
		return
	}

	msg, ok := ProgressMessage(progress)
	if !ok {
		s.logger.WithFields(logrus.Fields{"scan": id, "progress": progress}).Debug("Unrecognised scan progress")
		return
	}
	s.emit(events.ScanEvent, events.Message(msg))
}

// OnScanComplete implements radio.Delegate.
func (s *Session) OnScanComplete(id radio.ScanID, p radio.Peripheral, err error) {
	var after deferred
	defer after.run()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.activeScanLocked(id)
	if sess == nil {
		s.ignore("stale_scan", logrus.Fields{"scan": id})
		return
	}

	if err == nil && button.NormalizeID(p.ID) == "" {
		err = errors.New(messageScanWithoutButton)
	}
	if err != nil {
		err = radio.NormalizeError(err)
		s.logger.WithError(err).WithField("scan", id).Warn("Scan failed")
		s.failScanLocked(&after, sess, err)
		return
	}

	s.scan = nil

	candidate := button.New(p.ID, p.Name)
	if _, known := s.registry.Find(candidate.ID); !known {
		candidate.State = button.StateDisconnected
	}
	b, change := s.registry.Upsert(candidate)
	s.metrics.SetButtons(s.registry.Len())
	s.metrics.ScanFinished("success")

	s.logger.WithFields(logrus.Fields{
		"scan":   id,
		"button": b.ID,
		"change": change,
	}).Info("Scan verified button")

	s.emit(events.ScanSuccess, events.ButtonID(b.ID))
	s.completeScan(&after, sess, b, nil)
}
