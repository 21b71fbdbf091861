package simradio

import (
	"context"
	"errors"

	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/radio"
)

type stopOp struct{}

type barrierOp chan struct{}

type delegateOp func(d radio.Delegate)

// post must be called with r.mu held and after Attach.
func (r *Radio) post(fn delegateOp) {
	if r.delegate == nil || r.closed {
		r.logger.Debug("Simulated radio not running, dropping scripted event")
		return
	}
	if err := r.ops.Put(fn); err != nil {
		r.logger.WithError(err).Warn("Failed to queue scripted event")
	}
}

func (r *Radio) enqueue(fn delegateOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.post(fn)
}

func (r *Radio) loop(ctx context.Context) {
	r.mu.Lock()
	d := r.delegate
	r.mu.Unlock()

	for {
		items, err := r.ops.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			switch op := item.(type) {
			case stopOp:
				return
			case barrierOp:
				close(op)
			case delegateOp:
				op(d)
			}
		}
	}
}

// Sync waits until every callback scripted before the call has been delivered.
func (r *Radio) Sync(ctx context.Context) error {
	barrier := make(barrierOp)

	r.mu.Lock()
	if r.delegate == nil || r.closed {
		r.mu.Unlock()
		return nil
	}
	err := r.ops.Put(barrier)
	r.mu.Unlock()
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

// SetPower reports a power state change.
func (r *Radio) SetPower(state radio.PowerState) {
	r.enqueue(func(d radio.Delegate) { d.OnPowerStateChange(state) })
}

// Restore reports restored peripherals.
func (r *Radio) Restore(peripherals ...radio.Peripheral) {
	r.enqueue(func(d radio.Delegate) { d.OnRestore(peripherals) })
}

// ScanProgress reports a discovery stage for the active scan.
func (r *Radio) ScanProgress(progress radio.ScanProgress) {
	r.ScanProgressFor(r.ActiveScan(), progress)
}

// ScanProgressFor reports a discovery stage for an explicit scan, stale or not.
func (r *Radio) ScanProgressFor(scan radio.ScanID, progress radio.ScanProgress) {
	r.enqueue(func(d radio.Delegate) { d.OnScanProgress(scan, progress) })
}

// CompleteScan verifies p for the active scan.
func (r *Radio) CompleteScan(p radio.Peripheral) {
	r.finishScan(p, nil)
}

// FailScan ends the active scan with err. A nil err reports a failure with no description.
func (r *Radio) FailScan(err error) {
	if err == nil {
		err = errors.New("")
	}
	r.finishScan(radio.Peripheral{}, err)
}

func (r *Radio) finishScan(p radio.Peripheral, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	scan := r.scan
	r.scan = 0
	r.post(func(d radio.Delegate) { d.OnScanComplete(scan, p, err) })
}

// Connected reports a link established for id.
func (r *Radio) Connected(id string) {
	r.enqueue(func(d radio.Delegate) { d.OnConnected(id) })
}

// Ready reports id verified and ready for clicks.
func (r *Radio) Ready(id string) {
	r.enqueue(func(d radio.Delegate) { d.OnReady(id) })
}

// Disconnected reports a lost link.
func (r *Radio) Disconnected(id string, err error) {
	r.enqueue(func(d radio.Delegate) { d.OnDisconnected(id, err) })
}

// ConnectFailed reports a failed connection attempt.
func (r *Radio) ConnectFailed(id string, err error) {
	r.enqueue(func(d radio.Delegate) { d.OnConnectFailed(id, err) })
}

// Click reports a click on id.
func (r *Radio) Click(id string, click button.Click) {
	r.enqueue(func(d radio.Delegate) { d.OnClick(id, click) })
}
