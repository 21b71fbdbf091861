package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/groutine"
	"github.com/srg/buttond/internal/radio"
)

const errAlreadyExists = "org.bluez.Error.AlreadyExists"

// resolvePolicy bounds how long verification waits for BlueZ to export the GATT tree.
var resolvePolicy = func() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), 20)
}

// StartScan implements radio.Radio. Discovery is filtered to the button service; the
// first unpaired advertiser is connected, checked for the event characteristic and paired.
func (r *Radio) StartScan(id radio.ScanID) error {
	bus, err := r.backend()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.scan != nil {
		r.scan.cancel()
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.ScanTimeout)
	s := &activeScan{id: id, seen: make(map[string]bool), cancel: cancel}
	r.scan = s
	r.mu.Unlock()

	if err := bus.SetDiscoveryFilter([]string{r.opts.ServiceUUID}); err != nil {
		r.logger.WithError(err).Debug("Failed to set discovery filter")
	}
	if err := bus.StartDiscovery(); err != nil && !isDBusError(err, "org.bluez.Error.InProgress") {
		r.clearScan(s)
		return radio.NormalizeError(err)
	}

	// Devices cached by an earlier discovery never produce InterfacesAdded.
	if objs, err := bus.ManagedObjects(); err == nil {
		for path, ifaces := range objs {
			if props, ok := ifaces[deviceIface]; ok {
				r.candidate(path, props)
			}
		}
	}

	groutine.GoWait(ctx, &r.wg, "bluez-scan-timeout", func(ctx context.Context) {
		<-ctx.Done()
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}
		r.mu.Lock()
		timedOut := r.scan == s && !s.found
		r.mu.Unlock()
		if timedOut && r.clearScan(s) {
			r.stopDiscovery(bus)
			r.delegate.OnScanComplete(id, radio.Peripheral{}, ErrNoButtonFound)
		}
	})
	return nil
}

// StopScan implements radio.Radio.
func (r *Radio) StopScan(id radio.ScanID) error {
	r.mu.Lock()
	s := r.scan
	r.mu.Unlock()

	if s == nil || s.id != id {
		return nil
	}
	if r.clearScan(s) {
		if bus, err := r.backend(); err == nil {
			r.stopDiscovery(bus)
		}
	}
	return nil
}

// clearScan ends s if it is still the active scan.
func (r *Radio) clearScan(s *activeScan) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scan != s {
		return false
	}
	r.scan = nil
	s.cancel()
	return true
}

func (r *Radio) stopDiscovery(bus backend) {
	if err := bus.StopDiscovery(); err != nil {
		r.logger.WithError(err).Debug("Failed to stop discovery")
	}
}

// candidate starts verification of path when it is the first unpaired button seen by the active scan.
func (r *Radio) candidate(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if !r.advertises(props) || boolProp(props, "Paired") {
		return
	}

	r.mu.Lock()
	s := r.scan
	if s == nil || s.found || s.seen[string(path)] {
		r.mu.Unlock()
		return
	}
	s.seen[string(path)] = true
	s.found = true
	r.mu.Unlock()

	bus, err := r.backend()
	if err != nil {
		return
	}

	p := peripheralFrom(path, props)
	log := r.logger.WithField("scan", s.id).WithField("button", p.ID)
	r.delegate.OnScanProgress(s.id, radio.ProgressDiscovered)

	groutine.GoWait(r.ctx, &r.wg, "bluez-verify", func(ctx context.Context) {
		err := r.verify(bus, s, path, p.ID)
		if !r.clearScan(s) {
			log.Debug("Scan stopped during verification")
			return
		}
		r.stopDiscovery(bus)

		if err != nil {
			log.WithError(err).Warn("Button verification failed")
			r.delegate.OnScanProgress(s.id, radio.ProgressVerificationFailed)
			r.delegate.OnScanComplete(s.id, radio.Peripheral{}, radio.NormalizeError(err))
			return
		}
		r.delegate.OnScanProgress(s.id, radio.ProgressVerified)
		r.delegate.OnScanComplete(s.id, p, nil)
	})
}

// verify links the candidate, waits for its event characteristic and pairs it. The
// verification link is dropped afterwards.
func (r *Radio) verify(bus backend, s *activeScan, path dbus.ObjectPath, id string) error {
	r.quiet.Set(id, true)
	defer func() {
		if err := bus.Disconnect(path); err != nil {
			r.quiet.Remove(id)
		}
	}()

	if err := bus.Connect(path); err != nil {
		return err
	}
	r.delegate.OnScanProgress(s.id, radio.ProgressConnected)

	if _, err := r.findEventChar(bus, path); err != nil {
		return err
	}
	if err := bus.Pair(path); err != nil && !isDBusError(err, errAlreadyExists) {
		return fmt.Errorf("pair %s: %w", id, err)
	}
	return nil
}

// findEventChar polls the object tree below device for the event characteristic.
func (r *Radio) findEventChar(bus backend, device dbus.ObjectPath) (dbus.ObjectPath, error) {
	var found dbus.ObjectPath
	op := func() error {
		objs, err := bus.ManagedObjects()
		if err != nil {
			return backoff.Permanent(err)
		}
		if path, ok := r.eventCharIn(objs, device); ok {
			found = path
			return nil
		}
		return fmt.Errorf("event characteristic %s not found", r.opts.EventCharacteristicUUID)
	}
	if err := backoff.Retry(op, backoff.WithContext(resolvePolicy(), r.ctx)); err != nil {
		return "", err
	}
	return found, nil
}

func (r *Radio) eventCharIn(objs managedObjects, device dbus.ObjectPath) (dbus.ObjectPath, bool) {
	prefix := string(device) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		if strings.EqualFold(stringProp(props, "UUID"), r.opts.EventCharacteristicUUID) {
			return path, true
		}
	}
	return "", false
}

// subscribe enables click notifications for a resolved device and reports it ready.
func (r *Radio) subscribe(bus backend, id string, device dbus.ObjectPath) {
	log := r.logger.WithField("button", id)

	char, err := r.findEventChar(bus, device)
	if err == nil {
		err = bus.StartNotify(char)
	}
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("Failed to set up button events")
		r.delegate.OnConnectFailed(id, radio.NormalizeError(err))
		return
	}

	r.chars.Set(string(char), button.NormalizeID(id))
	log.Info("Button ready")
	r.delegate.OnReady(id)
}
