// Package bluez implements radio.Radio against the BlueZ daemon over the D-Bus system bus.
//
// Requests are fire-and-forget D-Bus calls issued on labelled goroutines; connection,
// service resolution and notification outcomes are read back from PropertiesChanged
// and InterfacesAdded signals. Unlike goble, BlueZ owns the bond database, so this
// radio also implements radio.Forgetter through Adapter1.RemoveDevice.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/groutine"
	"github.com/srg/buttond/internal/radio"
)

// BusFactory opens the BlueZ backend for an adapter (can be overridden in tests)
var BusFactory = dialSystemBus

var (
	// ErrNotReady is returned by requests issued before the bus is connected.
	ErrNotReady = errors.New("radio not ready")
	// ErrNoButtonFound completes a scan that timed out without a candidate.
	ErrNoButtonFound = errors.New("no button found")
	// ErrLinkLost reports a disconnect nobody asked for.
	ErrLinkLost = errors.New("link lost")
)

// Options configures the BlueZ radio.
type Options struct {
	Logger                  *logrus.Logger
	Adapter                 string
	ServiceUUID             string
	EventCharacteristicUUID string
	ScanTimeout             time.Duration
	OpenRetries             uint64
}

// Radio is the BlueZ radio adapter.
type Radio struct {
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	delegate radio.Delegate
	bus      backend
	scan     *activeScan

	// chars maps event characteristic object paths to button ids.
	chars cmap.ConcurrentMap[string, string]
	// closing holds ids whose disconnect was requested locally.
	closing cmap.ConcurrentMap[string, bool]
	// quiet holds ids linked only for scan verification; their link signals are not reported.
	quiet cmap.ConcurrentMap[string, bool]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type activeScan struct {
	id     radio.ScanID
	seen   map[string]bool
	found  bool
	cancel context.CancelFunc
}

var (
	_ radio.Radio     = (*Radio)(nil)
	_ radio.Forgetter = (*Radio)(nil)
)

// New creates an unattached BlueZ radio.
func New(opts Options) *Radio {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
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
	opts.ServiceUUID = strings.ToLower(opts.ServiceUUID)
	opts.EventCharacteristicUUID = strings.ToLower(opts.EventCharacteristicUUID)

	ctx, cancel := context.WithCancel(context.Background())
	return &Radio{
		opts:    opts,
		logger:  opts.Logger,
		chars:   cmap.New[string](),
		closing: cmap.New[bool](),
		quiet:   cmap.New[bool](),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Attach implements radio.Radio. The bus is connected in the background.
func (r *Radio) Attach(d radio.Delegate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.delegate != nil {
		return errors.New("radio is already attached")
	}
	r.delegate = d

	groutine.GoWait(r.ctx, &r.wg, "bluez-open", r.open)
	return nil
}

func (r *Radio) open(ctx context.Context) {
	r.delegate.OnPowerStateChange(radio.PowerResetting)

	var bus backend
	op := func() error {
		var err error
		bus, err = BusFactory(r.opts.Adapter)
		if err != nil {
			r.logger.WithError(err).Debug("Failed to connect to BlueZ, retrying")
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.opts.OpenRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.WithError(err).Error("BlueZ unavailable")
		r.delegate.OnPowerStateChange(radio.PowerStateFor(err))
		return
	}

	r.mu.Lock()
	r.bus = bus
	r.mu.Unlock()

	groutine.GoWait(ctx, &r.wg, "bluez-signals", func(ctx context.Context) {
		r.watch(ctx, bus.Signals())
	})

	powered, err := bus.AdapterPowered()
	switch {
	case err != nil:
		r.logger.WithError(err).WithField("adapter", r.opts.Adapter).Error("Failed to read adapter power")
		r.delegate.OnPowerStateChange(radio.PowerStateFor(err))
		return
	case !powered:
		r.delegate.OnPowerStateChange(radio.PowerOff)
	default:
		r.delegate.OnPowerStateChange(radio.PowerOn)
	}

	r.restore(bus)
}

// restore reports paired devices that advertise the button service.
func (r *Radio) restore(bus backend) {
	objs, err := bus.ManagedObjects()
	if err != nil {
		r.logger.WithError(err).Warn("Failed to list BlueZ objects")
		return
	}

	prefix := string(adapterPath(r.opts.Adapter)) + "/"
	var known []radio.Peripheral
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[deviceIface]
		if !ok || !boolProp(props, "Paired") || !r.advertises(props) {
			continue
		}
		known = append(known, peripheralFrom(path, props))
	}
	if len(known) == 0 {
		return
	}
	r.logger.WithField("count", len(known)).Info("Restoring paired buttons")
	r.delegate.OnRestore(known)
}

func (r *Radio) backend() (backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bus == nil {
		return nil, ErrNotReady
	}
	return r.bus, nil
}

func (r *Radio) devicePath(id string) dbus.ObjectPath {
	return devicePath(r.opts.Adapter, id)
}

// Connect implements radio.Radio.
func (r *Radio) Connect(id string) error {
	bus, err := r.backend()
	if err != nil {
		return err
	}
	id = button.NormalizeID(id)
	r.closing.Remove(id)
	r.quiet.Remove(id)
	path := r.devicePath(id)

	if r.subscribed(id) {
		r.logger.WithField("button", id).Debug("Button already linked")
		groutine.GoWait(r.ctx, &r.wg, "bluez-reconfirm", func(context.Context) {
			r.delegate.OnConnected(id)
			r.delegate.OnReady(id)
		})
		return nil
	}

	groutine.GoWait(r.ctx, &r.wg, "bluez-connect", func(ctx context.Context) {
		err := bus.Connect(path)
		switch {
		case err == nil:
			// Confirmed by the Connected property change.
		case isDBusError(err, errAlreadyConnected):
			// No property change follows; report the link and set up events again.
			r.delegate.OnConnected(id)
			r.subscribe(bus, id, path)
		case ctx.Err() == nil:
			r.logger.WithError(err).WithField("button", id).Warn("BlueZ connect failed")
			r.delegate.OnConnectFailed(id, radio.NormalizeError(err))
		}
	})
	return nil
}

// subscribed reports whether click notifications are set up for id.
func (r *Radio) subscribed(id string) bool {
	for _, owner := range r.chars.Items() {
		if owner == id {
			return true
		}
	}
	return false
}

// Disconnect implements radio.Radio.
func (r *Radio) Disconnect(id string) error {
	bus, err := r.backend()
	if err != nil {
		return err
	}
	id = button.NormalizeID(id)
	r.closing.Set(id, true)
	path := r.devicePath(id)

	groutine.GoWait(r.ctx, &r.wg, "bluez-disconnect", func(ctx context.Context) {
		err := bus.Disconnect(path)
		switch {
		case err == nil:
			// Confirmed by the Connected property change.
		case isDBusError(err, errNotConnected):
			r.closing.Remove(id)
			r.delegate.OnDisconnected(id, nil)
		case ctx.Err() == nil:
			r.logger.WithError(err).WithField("button", id).Warn("BlueZ disconnect failed")
		}
	})
	return nil
}

// Forget implements radio.Forgetter by removing the device and its bond from the adapter.
func (r *Radio) Forget(id string) error {
	bus, err := r.backend()
	if err != nil {
		return err
	}
	id = button.NormalizeID(id)
	r.closing.Set(id, true)
	path := r.devicePath(id)

	groutine.GoWait(r.ctx, &r.wg, "bluez-forget", func(ctx context.Context) {
		err := bus.RemoveDevice(path)
		if ctx.Err() != nil {
			return
		}
		r.dropChars(id)
		r.closing.Remove(id)
		r.delegate.OnForgotten(id, radio.NormalizeError(err))
	})
	return nil
}

func (r *Radio) dropChars(id string) {
	for path, owner := range r.chars.Items() {
		if owner == id {
			r.chars.Remove(path)
		}
	}
}

// Close stops discovery, detaches from the bus and waits for in-flight calls.
func (r *Radio) Close() error {
	r.mu.Lock()
	scan := r.scan
	r.scan = nil
	bus := r.bus
	r.bus = nil
	r.mu.Unlock()

	if scan != nil {
		scan.cancel()
		if bus != nil {
			_ = bus.StopDiscovery()
		}
	}
	r.cancel()

	var err error
	if bus != nil {
		err = bus.Close()
	}
	r.wg.Wait()
	return err
}

func isDBusError(err error, name string) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name == name
	}
	return strings.Contains(err.Error(), name)
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func (r *Radio) advertises(props map[string]dbus.Variant) bool {
	v, ok := props["UUIDs"]
	if !ok {
		return false
	}
	uuids, _ := v.Value().([]string)
	for _, u := range uuids {
		if strings.EqualFold(u, r.opts.ServiceUUID) {
			return true
		}
	}
	return false
}

func peripheralFrom(path dbus.ObjectPath, props map[string]dbus.Variant) radio.Peripheral {
	addr := stringProp(props, "Address")
	if addr == "" {
		addr = addressFromPath(path)
	}
	name := stringProp(props, "Alias")
	if name == "" {
		name = stringProp(props, "Name")
	}
	return radio.Peripheral{ID: button.NormalizeID(addr), Name: name}
}

func (r *Radio) String() string {
	return fmt.Sprintf("bluez(%s)", r.opts.Adapter)
}
