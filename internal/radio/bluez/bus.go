package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName         = "org.bluez"
	objectManager   = "org.freedesktop.DBus.ObjectManager"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	gattCharIface   = "org.bluez.GattCharacteristic1"
	propsIface      = "org.freedesktop.DBus.Properties"
	propsSignal     = propsIface + ".PropertiesChanged"
	ifacesAdded     = objectManager + ".InterfacesAdded"
	errNotConnected = "org.bluez.Error.NotConnected"

	errAlreadyConnected = "org.bluez.Error.AlreadyConnected"
)

// managedObjects is the GetManagedObjects reply: path -> interface -> property -> value.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// backend is the subset of BlueZ the radio drives. It is implemented over the system bus
// and faked in tests.
type backend interface {
	AdapterPowered() (bool, error)
	ManagedObjects() (managedObjects, error)
	SetDiscoveryFilter(uuids []string) error
	StartDiscovery() error
	StopDiscovery() error
	Pair(device dbus.ObjectPath) error
	Connect(device dbus.ObjectPath) error
	Disconnect(device dbus.ObjectPath) error
	RemoveDevice(device dbus.ObjectPath) error
	StartNotify(char dbus.ObjectPath) error
	Signals() <-chan *dbus.Signal
	Close() error
}

func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// devicePath converts "AA:BB:CC:DD:EE:FF" to "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapterPath(adapter)) + "/dev_" + strings.ReplaceAll(addr, ":", "_"))
}

// addressFromPath extracts the device address from a device path or any object below it.
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.Index(s, "/dev_")
	if i < 0 {
		return ""
	}
	s = s[i+len("/dev_"):]
	if j := strings.IndexByte(s, '/'); j >= 0 {
		s = s[:j]
	}
	return strings.ReplaceAll(s, "_", ":")
}

// systemBus implements backend on a private system bus connection.
type systemBus struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	signals chan *dbus.Signal
}

func dialSystemBus(adapter string) (backend, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running?")
	}

	for _, rule := range []string{
		"type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'",
		"type='signal',interface='" + objectManager + "',member='InterfacesAdded'",
	} {
		if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			conn.Close()
			return nil, fmt.Errorf("add match %q: %w", rule, err)
		}
	}

	b := &systemBus{
		conn:    conn,
		adapter: adapterPath(adapter),
		signals: make(chan *dbus.Signal, 64),
	}
	conn.Signal(b.signals)
	return b, nil
}

func (b *systemBus) call(path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call {
	return b.conn.Object(busName, path).Call(method, 0, args...)
}

func (b *systemBus) AdapterPowered() (bool, error) {
	var v dbus.Variant
	if err := b.call(b.adapter, propsIface+".Get", adapterIface, "Powered").Store(&v); err != nil {
		return false, err
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property Powered is not bool")
	}
	return powered, nil
}

func (b *systemBus) ManagedObjects() (managedObjects, error) {
	var objs managedObjects
	err := b.call("/", objectManager+".GetManagedObjects").Store(&objs)
	return objs, err
}

func (b *systemBus) SetDiscoveryFilter(uuids []string) error {
	filter := map[string]dbus.Variant{
		"UUIDs":     dbus.MakeVariant(uuids),
		"Transport": dbus.MakeVariant("le"),
	}
	return b.call(b.adapter, adapterIface+".SetDiscoveryFilter", filter).Err
}

func (b *systemBus) StartDiscovery() error {
	return b.call(b.adapter, adapterIface+".StartDiscovery").Err
}

func (b *systemBus) StopDiscovery() error {
	return b.call(b.adapter, adapterIface+".StopDiscovery").Err
}

func (b *systemBus) Pair(device dbus.ObjectPath) error {
	return b.call(device, deviceIface+".Pair").Err
}

func (b *systemBus) Connect(device dbus.ObjectPath) error {
	return b.call(device, deviceIface+".Connect").Err
}

func (b *systemBus) Disconnect(device dbus.ObjectPath) error {
	return b.call(device, deviceIface+".Disconnect").Err
}

func (b *systemBus) RemoveDevice(device dbus.ObjectPath) error {
	return b.call(b.adapter, adapterIface+".RemoveDevice", device).Err
}

func (b *systemBus) StartNotify(char dbus.ObjectPath) error {
	return b.call(char, gattCharIface+".StartNotify").Err
}

func (b *systemBus) Signals() <-chan *dbus.Signal {
	return b.signals
}

func (b *systemBus) Close() error {
	b.conn.RemoveSignal(b.signals)
	close(b.signals)
	return b.conn.Close()
}
