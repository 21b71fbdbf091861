package bluez

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/radio"
	"github.com/srg/buttond/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	buttonAddr = "AA:BB:CC:DD:EE:01"
	buttonPath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01")
	charPath   = buttonPath + "/service000c/char000d"
)

type fakeBus struct {
	mu      sync.Mutex
	powered bool
	objects managedObjects
	errs    map[string]error
	calls   []string
	signals chan *dbus.Signal
	once    sync.Once
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		powered: true,
		objects: managedObjects{},
		errs:    map[string]error{},
		signals: make(chan *dbus.Signal, 16),
	}
}

func (b *fakeBus) record(method string, path dbus.ObjectPath) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	call := method
	if path != "" {
		call += " " + string(path)
	}
	b.calls = append(b.calls, call)
	return b.errs[method]
}

func (b *fakeBus) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBus) AdapterPowered() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.powered, b.errs["AdapterPowered"]
}

func (b *fakeBus) ManagedObjects() (managedObjects, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	objs := make(managedObjects, len(b.objects))
	for k, v := range b.objects {
		objs[k] = v
	}
	return objs, nil
}

func (b *fakeBus) SetDiscoveryFilter([]string) error    { return b.record("SetDiscoveryFilter", "") }
func (b *fakeBus) StartDiscovery() error                { return b.record("StartDiscovery", "") }
func (b *fakeBus) StopDiscovery() error                 { return b.record("StopDiscovery", "") }
func (b *fakeBus) Pair(p dbus.ObjectPath) error         { return b.record("Pair", p) }
func (b *fakeBus) Connect(p dbus.ObjectPath) error      { return b.record("Connect", p) }
func (b *fakeBus) Disconnect(p dbus.ObjectPath) error   { return b.record("Disconnect", p) }
func (b *fakeBus) RemoveDevice(p dbus.ObjectPath) error { return b.record("RemoveDevice", p) }
func (b *fakeBus) StartNotify(p dbus.ObjectPath) error  { return b.record("StartNotify", p) }
func (b *fakeBus) Signals() <-chan *dbus.Signal         { return b.signals }

func (b *fakeBus) Close() error {
	b.once.Do(func() { close(b.signals) })
	return nil
}

func (b *fakeBus) setObject(path dbus.ObjectPath, iface string, props map[string]dbus.Variant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects[path] == nil {
		b.objects[path] = map[string]map[string]dbus.Variant{}
	}
	b.objects[path][iface] = props
}

func (b *fakeBus) propsChanged(path dbus.ObjectPath, iface string, changed map[string]interface{}) {
	vars := make(map[string]dbus.Variant, len(changed))
	for k, v := range changed {
		vars[k] = dbus.MakeVariant(v)
	}
	b.signals <- &dbus.Signal{Path: path, Name: propsSignal, Body: []interface{}{iface, vars, []string{}}}
}

func (b *fakeBus) interfacesAdded(path dbus.ObjectPath, props map[string]dbus.Variant) {
	b.signals <- &dbus.Signal{
		Path: "/",
		Name: ifacesAdded,
		Body: []interface{}{path, map[string]map[string]dbus.Variant{deviceIface: props}},
	}
}

func buttonDevice(paired bool) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Address": dbus.MakeVariant(buttonAddr),
		"Alias":   dbus.MakeVariant("Button"),
		"Paired":  dbus.MakeVariant(paired),
		"UUIDs":   dbus.MakeVariant([]string{"0000180f-0000-1000-8000-00805f9b34fb", radio.DefaultServiceUUID}),
	}
}

type BluezSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	original func(string) (backend, error)

	bus      *fakeBus
	delegate *testutils.DelegateRecorder
	radio    *Radio
}

func (s *BluezSuite) SetupSuite() {
	s.helper = testutils.NewTestHelper(s.T())
	s.original = BusFactory
}

func (s *BluezSuite) SetupTest() {
	s.bus = newFakeBus()
	s.bus.setObject(charPath, gattCharIface, map[string]dbus.Variant{
		"UUID": dbus.MakeVariant(radio.DefaultEventCharacteristicUUID),
	})
	BusFactory = func(string) (backend, error) { return s.bus, nil }
	s.delegate = testutils.NewDelegateRecorder()
}

func (s *BluezSuite) TearDownTest() {
	if s.radio != nil {
		s.NoError(s.radio.Close())
		s.radio = nil
	}
	BusFactory = s.original
}

func (s *BluezSuite) open(opts Options) {
	opts.Logger = s.helper.Logger
	s.radio = New(opts)
	s.Require().NoError(s.radio.Attach(s.delegate))

	calls := s.wait(2)
	s.Equal(radio.PowerResetting, calls[0].Value)
}

func (s *BluezSuite) wait(n int) []testutils.DelegateCall {
	calls, err := s.delegate.WaitFor(n, testutils.DefaultTimeout)
	s.Require().NoError(err, "delegate calls: %v", calls)
	return calls
}

func (s *BluezSuite) waitCall(call string) {
	s.Eventually(func() bool {
		for _, c := range s.bus.Calls() {
			if c == call {
				return true
			}
		}
		return false
	}, testutils.DefaultTimeout, 5*time.Millisecond, "bus calls: %v", s.bus.Calls())
}

func (s *BluezSuite) TestPairedButtonsAreRestored() {
	s.bus.setObject(buttonPath, deviceIface, buttonDevice(true))
	s.bus.setObject("/org/bluez/hci0/dev_11_22_33_44_55_66", deviceIface, map[string]dbus.Variant{
		"Address": dbus.MakeVariant("11:22:33:44:55:66"),
		"Paired":  dbus.MakeVariant(true),
	})
	s.bus.setObject("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_02", deviceIface, buttonDevice(true))
	s.open(Options{})

	calls := s.wait(3)
	s.Equal(radio.PowerOn, calls[1].Value)
	s.Equal("restore", calls[2].Op)
	s.Equal([]radio.Peripheral{{ID: buttonAddr, Name: "Button"}}, calls[2].Value)
}

func (s *BluezSuite) TestAdapterPowerFollowsSignals() {
	s.bus.powered = false
	s.open(Options{})
	s.Equal(radio.PowerOff, s.wait(2)[1].Value)

	s.bus.propsChanged("/org/bluez/hci1", adapterIface, map[string]interface{}{"Powered": true})
	s.bus.propsChanged("/org/bluez/hci0", adapterIface, map[string]interface{}{"Powered": true})
	s.Equal(radio.PowerOn, s.wait(3)[2].Value)
}

func (s *BluezSuite) TestConnectReadyClickDisconnect() {
	s.open(Options{})

	s.Require().NoError(s.radio.Connect(buttonAddr))
	s.waitCall("Connect " + string(buttonPath))

	s.bus.propsChanged(buttonPath, deviceIface, map[string]interface{}{"Connected": true})
	s.bus.propsChanged(buttonPath, deviceIface, map[string]interface{}{"ServicesResolved": true})
	calls := s.wait(4)
	s.Equal([]string{"connected", "ready"}, opsOf(calls[2:]))
	s.Contains(s.bus.Calls(), "StartNotify "+string(charPath))

	s.bus.propsChanged(charPath, gattCharIface, map[string]interface{}{"Value": []byte{0x7f}})
	s.bus.propsChanged(charPath, gattCharIface, map[string]interface{}{"Value": []byte{0x03}})
	click := s.wait(5)[4]
	s.Equal("click", click.Op)
	s.Equal(buttonAddr, click.ID)
	s.Equal(button.Hold, click.Value)

	s.Require().NoError(s.radio.Disconnect(buttonAddr))
	s.waitCall("Disconnect " + string(buttonPath))
	s.bus.propsChanged(buttonPath, deviceIface, map[string]interface{}{"Connected": false})

	done := s.wait(6)[5]
	s.Equal("disconnected", done.Op)
	s.NoError(done.Err)
}

func (s *BluezSuite) TestConnectOnLiveLinkReconfirms() {
	s.open(Options{})

	s.Require().NoError(s.radio.Connect(buttonAddr))
	s.waitCall("Connect " + string(buttonPath))
	s.bus.propsChanged(buttonPath, deviceIface, map[string]interface{}{"Connected": true})
	s.bus.propsChanged(buttonPath, deviceIface, map[string]interface{}{"ServicesResolved": true})
	s.wait(4)

	s.Require().NoError(s.radio.Connect(buttonAddr))
	calls := s.wait(6)
	s.Equal([]string{"connected", "ready"}, opsOf(calls[4:]))
	s.Equal(1, s.count("Connect "+string(buttonPath)))
}

func (s *BluezSuite) TestConnectWhenAlreadyConnectedResubscribes() {
	s.bus.errs["Connect"] = dbus.Error{Name: errAlreadyConnected, Body: []interface{}{"Already Connected"}}
	s.open(Options{})

	s.Require().NoError(s.radio.Connect(buttonAddr))
	calls := s.wait(4)
	s.Equal([]string{"connected", "ready"}, opsOf(calls[2:]))
	s.Contains(s.bus.Calls(), "StartNotify "+string(charPath))
}

func (s *BluezSuite) count(call string) int {
	n := 0
	for _, c := range s.bus.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (s *BluezSuite) TestLinkLossIsReported() {
	s.open(Options{})

	s.bus.propsChanged(buttonPath, deviceIface, map[string]interface{}{"Connected": false})
	lost := s.wait(3)[2]
	s.Equal("disconnected", lost.Op)
	s.ErrorIs(lost.Err, ErrLinkLost)
}

func (s *BluezSuite) TestConnectFailure() {
	s.bus.errs["Connect"] = dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"Page Timeout"}}
	s.open(Options{})

	s.Require().NoError(s.radio.Connect(buttonAddr))
	failed := s.wait(3)[2]
	s.Equal("connectFailed", failed.Op)
	s.EqualError(failed.Err, "Page Timeout")
}

func (s *BluezSuite) TestDisconnectWhenNotConnectedConfirms() {
	s.bus.errs["Disconnect"] = dbus.Error{Name: errNotConnected, Body: []interface{}{"Not Connected"}}
	s.open(Options{})

	s.Require().NoError(s.radio.Disconnect(buttonAddr))
	done := s.wait(3)[2]
	s.Equal("disconnected", done.Op)
	s.NoError(done.Err)
}

func (s *BluezSuite) TestScanVerifiesAdvertisedButton() {
	s.open(Options{})

	s.Require().NoError(s.radio.StartScan(3))
	s.waitCall("StartDiscovery")
	s.bus.interfacesAdded("/org/bluez/hci0/dev_11_22_33_44_55_66", map[string]dbus.Variant{
		"Address": dbus.MakeVariant("11:22:33:44:55:66"),
	})
	s.bus.interfacesAdded(buttonPath, buttonDevice(false))

	calls := s.wait(6)[2:]
	s.Equal([]string{"scanProgress", "scanProgress", "scanProgress", "scanComplete"}, opsOf(calls))
	s.Equal(radio.ProgressDiscovered, calls[0].Value)
	s.Equal(radio.ProgressConnected, calls[1].Value)
	s.Equal(radio.ProgressVerified, calls[2].Value)
	s.Equal(radio.ScanID(3), calls[3].Scan)
	s.NoError(calls[3].Err)
	s.Equal(radio.Peripheral{ID: buttonAddr, Name: "Button"}, calls[3].Value)

	s.Subset(s.bus.Calls(), []string{
		"Connect " + string(buttonPath),
		"Pair " + string(buttonPath),
		"Disconnect " + string(buttonPath),
		"StopDiscovery",
	})

	// The verification link going down is not a button disconnect.
	s.bus.propsChanged(buttonPath, deviceIface, map[string]interface{}{"Connected": false})
	s.bus.propsChanged(buttonPath, deviceIface, map[string]interface{}{"Connected": true})
	s.Equal("connected", s.wait(7)[6].Op)
}

func (s *BluezSuite) TestScanPicksCachedDevice() {
	s.bus.setObject(buttonPath, deviceIface, buttonDevice(false))
	s.open(Options{})

	s.Require().NoError(s.radio.StartScan(1))
	done := s.wait(6)[5]
	s.Equal("scanComplete", done.Op)
	s.Equal(buttonAddr, done.ID)
}

func (s *BluezSuite) TestScanVerificationFailure() {
	s.bus.errs["Pair"] = dbus.Error{Name: "org.bluez.Error.AuthenticationFailed", Body: []interface{}{"Authentication Failed"}}
	s.open(Options{})

	s.Require().NoError(s.radio.StartScan(2))
	s.waitCall("StartDiscovery")
	s.bus.interfacesAdded(buttonPath, buttonDevice(false))

	calls := s.wait(6)[2:]
	s.Equal(radio.ProgressVerificationFailed, calls[2].Value)
	s.Equal("scanComplete", calls[3].Op)
	s.ErrorContains(calls[3].Err, "Authentication Failed")
}

func (s *BluezSuite) TestScanTimesOut() {
	s.open(Options{ScanTimeout: 20 * time.Millisecond})

	s.Require().NoError(s.radio.StartScan(5))
	done := s.wait(3)[2]
	s.Equal("scanComplete", done.Op)
	s.ErrorIs(done.Err, ErrNoButtonFound)
	s.Contains(s.bus.Calls(), "StopDiscovery")
}

func (s *BluezSuite) TestStoppedScanIsSilent() {
	s.open(Options{})

	s.Require().NoError(s.radio.StartScan(4))
	s.Require().NoError(s.radio.StopScan(4))
	s.waitCall("StopDiscovery")

	s.bus.interfacesAdded(buttonPath, buttonDevice(false))
	s.bus.propsChanged("/org/bluez/hci0", adapterIface, map[string]interface{}{"Powered": false})
	calls := s.wait(3)
	s.Equal(radio.PowerOff, calls[2].Value)
}

func (s *BluezSuite) TestForgetRemovesDevice() {
	s.open(Options{})

	s.Require().NoError(s.radio.Forget(buttonAddr))
	done := s.wait(3)[2]
	s.Equal("forgotten", done.Op)
	s.NoError(done.Err)
	s.Contains(s.bus.Calls(), "RemoveDevice "+string(buttonPath))
}

func TestBluezSuite(t *testing.T) {
	suite.Run(t, new(BluezSuite))
}

func opsOf(calls []testutils.DelegateCall) []string {
	ops := make([]string, 0, len(calls))
	for _, c := range calls {
		ops = append(ops, c.Op)
	}
	return ops
}

func TestDevicePaths(t *testing.T) {
	tests := []struct {
		path dbus.ObjectPath
		addr string
	}{
		{path: buttonPath, addr: buttonAddr},
		{path: charPath, addr: buttonAddr},
		{path: "/org/bluez/hci0", addr: ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.path), func(t *testing.T) {
			assert.Equal(t, tt.addr, addressFromPath(tt.path))
		})
	}

	assert.Equal(t, buttonPath, devicePath("hci0", buttonAddr))
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1"), adapterPath("hci1"))
}

func TestRequestsBeforeOpenAreRejected(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	assert.ErrorIs(t, r.StartScan(1), ErrNotReady)
	assert.ErrorIs(t, r.Connect(buttonAddr), ErrNotReady)
	assert.ErrorIs(t, r.Forget(buttonAddr), ErrNotReady)
}

func TestAttach_ReportsMissingDaemon(t *testing.T) {
	original := BusFactory
	defer func() { BusFactory = original }()

	tests := []struct {
		err  error
		want radio.PowerState
	}{
		{err: errors.New("org.bluez not found on system bus"), want: radio.PowerUnsupported},
		{err: fmt.Errorf("connect to system bus: %w", errors.New("permission denied")), want: radio.PowerUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			BusFactory = func(string) (backend, error) { return nil, tt.err }

			r := New(Options{Logger: testutils.NewTestHelper(t).Logger})
			defer r.Close()

			rec := testutils.NewDelegateRecorder()
			require.NoError(t, r.Attach(rec))
			calls, err := rec.WaitFor(2, testutils.DefaultTimeout)
			require.NoError(t, err)
			assert.Equal(t, tt.want, calls[1].Value)
		})
	}
}
