// Package radio defines the port between the button session and a vendor radio stack.
//
// The session owns a Radio and implements Delegate. Requests on Radio must not block on
// radio I/O and must never call back into the Delegate synchronously; every outcome is
// delivered later through a Delegate entry point, from any goroutine.
package radio

import (
	"fmt"

	"github.com/srg/buttond/internal/button"
)

// PowerState is the radio availability reported by the adapter.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

var powerStateNames = [...]string{
	PowerUnknown:      "unknown",
	PowerResetting:    "resetting",
	PowerUnsupported:  "unsupported",
	PowerUnauthorized: "unauthorized",
	PowerOff:          "poweredOff",
	PowerOn:           "poweredOn",
}

func (p PowerState) String() string {
	if p >= 0 && int(p) < len(powerStateNames) {
		return powerStateNames[p]
	}
	return fmt.Sprintf("power(%d)", int(p))
}

// Ordinal is the wire value of the power state.
func (p PowerState) Ordinal() int {
	return int(p)
}

// ParsePowerState accepts either the state name or its ordinal in decimal.
func ParsePowerState(s string) (PowerState, error) {
	for i, name := range powerStateNames {
		if name == s || fmt.Sprint(i) == s {
			return PowerState(i), nil
		}
	}
	return PowerUnknown, fmt.Errorf("unknown power state %q", s)
}

// ScanID identifies one scan session. The radio echoes it on every scan callback.
type ScanID uint64

// ScanProgress is a discovery-stage notification for an active scan.
type ScanProgress string

const (
	ProgressDiscovered         ScanProgress = "discovered"
	ProgressConnected          ScanProgress = "connected"
	ProgressVerified           ScanProgress = "verified"
	ProgressVerificationFailed ScanProgress = "verificationFailed"
)

// Peripheral is a button as the radio sees it.
type Peripheral struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name"`
}

// Radio is the request side of the port.
type Radio interface {
	// Attach binds the delegate and starts delivering callbacks. The adapter reports its
	// current power state and any restored peripherals through the delegate afterwards.
	Attach(d Delegate) error
	StartScan(id ScanID) error
	StopScan(id ScanID) error
	Connect(id string) error
	Disconnect(id string) error
	Close() error
}

// Forgetter is implemented by radios that can drop a pairing on the radio side.
// Completion is reported through Delegate.OnForgotten.
type Forgetter interface {
	Forget(id string) error
}

// Delegate receives radio events. Implementations must be safe for concurrent use.
type Delegate interface {
	OnPowerStateChange(state PowerState)
	OnRestore(peripherals []Peripheral)

	OnScanProgress(scan ScanID, progress ScanProgress)
	// OnScanComplete is called once per scan with either a verified peripheral or an error.
	OnScanComplete(scan ScanID, p Peripheral, err error)

	OnConnected(id string)
	OnDisconnected(id string, err error)
	OnConnectFailed(id string, err error)
	OnReady(id string)
	OnClick(id string, click button.Click)

	OnForgotten(id string, err error)
}
