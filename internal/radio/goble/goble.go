// Package goble implements radio.Radio on top of go-ble (CoreBluetooth on macOS, HCI on Linux).
//
// Blocking radio work (scanning, dialing, profile discovery) runs on a bounded ants pool;
// live links are tracked in a lock-free map keyed by normalized button id. go-ble has no
// API to drop a bond, so this radio does not implement radio.Forgetter.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/groutine"
	"github.com/srg/buttond/internal/radio"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = newDevice

var (
	// ErrNotReady is returned by requests issued before the host device is open.
	ErrNotReady = errors.New("radio not ready")
	// ErrNoButtonFound completes a scan that timed out without a candidate.
	ErrNoButtonFound = errors.New("no button found")
)

// Options configures the go-ble radio.
type Options struct {
	Logger                  *logrus.Logger
	ServiceUUID             string
	EventCharacteristicUUID string
	ScanTimeout             time.Duration
	ConnectTimeout          time.Duration
	Workers                 int
	// OpenRetries bounds host device bring-up attempts.
	OpenRetries uint64
	// KnownButtons are reported as restored once the device is open.
	KnownButtons []radio.Peripheral
}

type link struct {
	client  ble.Client
	closing atomic.Bool
}

// Radio is the go-ble radio adapter.
type Radio struct {
	opts   Options
	logger *logrus.Logger

	service ble.UUID
	event   ble.UUID

	mu       sync.Mutex
	delegate radio.Delegate
	dev      ble.Device
	scanID   radio.ScanID
	stopScan context.CancelFunc

	links   *hashmap.Map[string, *link]
	pending *hashmap.Map[string, context.CancelFunc]
	pool    *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ radio.Radio = (*Radio)(nil)

// New validates options and creates the worker pool. The host device is opened on Attach.
func New(opts Options) (*Radio, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = radio.DefaultServiceUUID
	}
	if opts.EventCharacteristicUUID == "" {
		opts.EventCharacteristicUUID = radio.DefaultEventCharacteristicUUID
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	service, err := ble.Parse(opts.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", opts.ServiceUUID, err)
	}
	event, err := ble.Parse(opts.EventCharacteristicUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid event characteristic UUID %q: %w", opts.EventCharacteristicUUID, err)
	}

	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithLogger(logger),
		ants.WithPanicHandler(func(p interface{}) {
			logger.WithField("panic", p).Error("Radio worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create radio worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Radio{
		opts:    opts,
		logger:  logger,
		service: service,
		event:   event,
		links:   hashmap.New[string, *link](),
		pending: hashmap.New[string, context.CancelFunc](),
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Attach implements radio.Radio. The host device is opened in the background; the
// outcome is reported as a power state change.
func (r *Radio) Attach(d radio.Delegate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.delegate != nil {
		return errors.New("radio is already attached")
	}
	r.delegate = d

	groutine.GoWait(r.ctx, &r.wg, "goble-open", r.open)
	return nil
}

func (r *Radio) open(ctx context.Context) {
	r.delegate.OnPowerStateChange(radio.PowerResetting)

	var dev ble.Device
	op := func() error {
		var err error
		dev, err = DeviceFactory()
		if err != nil {
			r.logger.WithError(err).Debug("Failed to open BLE device, retrying")
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.opts.OpenRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return
		}
		state := radio.PowerStateFor(err)
		r.logger.WithError(err).WithField("state", state).Error("BLE device unavailable")
		r.delegate.OnPowerStateChange(state)
		return
	}

	r.mu.Lock()
	r.dev = dev
	r.mu.Unlock()

	r.logger.Info("BLE device opened")
	r.delegate.OnPowerStateChange(radio.PowerOn)

	if len(r.opts.KnownButtons) > 0 {
		r.delegate.OnRestore(append([]radio.Peripheral(nil), r.opts.KnownButtons...))
	}
}

// device returns the open host device or ErrNotReady.
func (r *Radio) device() (ble.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev == nil {
		return nil, ErrNotReady
	}
	return r.dev, nil
}

// submit runs fn on the worker pool.
func (r *Radio) submit(fn func()) error {
	if err := r.pool.Submit(fn); err != nil {
		return fmt.Errorf("radio busy: %w", err)
	}
	return nil
}

// Close cancels scans and links, releases the pool and stops the host device.
func (r *Radio) Close() error {
	r.cancel()

	r.links.Range(func(id string, l *link) bool {
		l.closing.Store(true)
		if err := l.client.CancelConnection(); err != nil {
			r.logger.WithError(err).WithField("button", id).Debug("Failed to cancel connection on close")
		}
		return true
	})

	r.wg.Wait()
	r.pool.Release()

	r.mu.Lock()
	dev := r.dev
	r.dev = nil
	r.mu.Unlock()

	if dev != nil {
		return radio.NormalizeError(dev.Stop())
	}
	return nil
}

func normalizeAddr(a ble.Addr) string {
	if a == nil {
		return ""
	}
	return button.NormalizeID(a.String())
}
