package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/radio"
)

// StartScan implements radio.Radio. The first advertiser of the button service is
// verified by dialing it and locating the event characteristic.
func (r *Radio) StartScan(id radio.ScanID) error {
	dev, err := r.device()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopScan != nil {
		r.stopScan()
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.ScanTimeout)
	r.scanID = id
	r.stopScan = cancel
	r.mu.Unlock()

	if err := r.submit(func() { r.scan(ctx, dev, id) }); err != nil {
		cancel()
		return err
	}
	return nil
}

// StopScan implements radio.Radio.
func (r *Radio) StopScan(id radio.ScanID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scanID != id || r.stopScan == nil {
		return nil
	}
	r.stopScan()
	r.stopScan = nil
	return nil
}

// stopped reports whether the scan was stopped by a request rather than by timeout.
func (r *Radio) stopped(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func (r *Radio) scan(ctx context.Context, dev ble.Device, id radio.ScanID) {
	log := r.logger.WithField("scan", id)

	candidates := make(chan ble.Advertisement, 1)
	var once sync.Once
	scanCtx, endScan := context.WithCancel(ctx)
	defer endScan()

	handler := func(adv ble.Advertisement) {
		if !r.isButton(adv) {
			return
		}
		once.Do(func() {
			candidates <- adv
			endScan()
		})
	}

	log.Debug("Scanning for buttons")
	err := dev.Scan(scanCtx, false, handler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.WithError(err).Warn("Scan failed")
		r.delegate.OnScanComplete(id, radio.Peripheral{}, radio.NormalizeError(err))
		return
	}

	var adv ble.Advertisement
	select {
	case adv = <-candidates:
	default:
	}

	if adv == nil {
		if r.stopped(ctx) {
			log.Debug("Scan stopped")
			return
		}
		r.delegate.OnScanComplete(id, radio.Peripheral{}, ErrNoButtonFound)
		return
	}

	p := peripheralFrom(adv)
	log = log.WithField("button", p.ID)
	r.delegate.OnScanProgress(id, radio.ProgressDiscovered)

	if err := r.verify(ctx, dev, id, p, log); err != nil {
		if r.stopped(ctx) {
			log.Debug("Scan stopped during verification")
			return
		}
		log.WithError(err).Warn("Button verification failed")
		r.delegate.OnScanProgress(id, radio.ProgressVerificationFailed)
		r.delegate.OnScanComplete(id, radio.Peripheral{}, radio.NormalizeError(err))
		return
	}

	r.delegate.OnScanProgress(id, radio.ProgressVerified)
	r.delegate.OnScanComplete(id, p, nil)
}

// verify dials the candidate and checks it exposes the event characteristic.
func (r *Radio) verify(ctx context.Context, dev ble.Device, id radio.ScanID, p radio.Peripheral, log *logrus.Entry) error {
	dialCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	client, err := dev.Dial(dialCtx, ble.NewAddr(p.ID))
	if err != nil {
		return err
	}
	defer func() {
		if err := client.CancelConnection(); err != nil {
			log.WithError(err).Debug("Failed to drop verification link")
		}
	}()

	r.delegate.OnScanProgress(id, radio.ProgressConnected)

	if _, err := r.eventCharacteristic(client); err != nil {
		return err
	}
	return nil
}

// isButton reports whether adv advertises the button service.
func (r *Radio) isButton(adv ble.Advertisement) bool {
	return advertises(adv, r.service)
}

func advertises(adv ble.Advertisement, service ble.UUID) bool {
	for _, u := range adv.Services() {
		if u.Equal(service) {
			return true
		}
	}
	return false
}

func peripheralFrom(adv ble.Advertisement) radio.Peripheral {
	return radio.Peripheral{
		ID:   normalizeAddr(adv.Addr()),
		Name: adv.LocalName(),
	}
}
