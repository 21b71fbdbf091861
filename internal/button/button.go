package button

import (
	"fmt"
	"strings"
)

// ConnectionState is the connection lifecycle state of a button.
// Ordinals are part of the notification contract and must not be reordered.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateReady
	StateVerifying
	StateFailed
)

var stateNames = [...]string{
	StateUnknown:      "unknown",
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReady:        "ready",
	StateVerifying:    "verifying",
	StateFailed:       "failed",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Ordinal returns the wire representation of the state.
func (s ConnectionState) Ordinal() int {
	return int(s)
}

// IsLinked reports whether the radio holds (or is establishing) a link for this state.
func (s ConnectionState) IsLinked() bool {
	return s == StateConnecting || s == StateConnected || s == StateReady || s == StateVerifying
}

// TriggerMode selects which input gestures a button reports.
type TriggerMode int

const (
	TriggerClick TriggerMode = iota
	TriggerClickAndHold
	TriggerClickAndDoubleClick
	TriggerClickAndDoubleClickAndHold
)

// DefaultTriggerMode is the fixed reporting policy applied to every verified or restored button.
const DefaultTriggerMode = TriggerClickAndDoubleClickAndHold

func (m TriggerMode) String() string {
	switch m {
	case TriggerClick:
		return "click"
	case TriggerClickAndHold:
		return "click_and_hold"
	case TriggerClickAndDoubleClick:
		return "click_and_double_click"
	case TriggerClickAndDoubleClickAndHold:
		return "click_and_double_click_and_hold"
	default:
		return fmt.Sprintf("trigger(%d)", int(m))
	}
}

// Click is a single input gesture reported by a button.
type Click string

const (
	SingleClick Click = "single_click"
	DoubleClick Click = "double_click"
	Hold        Click = "hold"
)

// Valid reports whether c is one of the known gestures.
func (c Click) Valid() bool {
	switch c {
	case SingleClick, DoubleClick, Hold:
		return true
	}
	return false
}

// Button describes one physical push-button.
// Buttons are handed around by value; the Registry owns the authoritative copy.
type Button struct {
	ID          string          `json:"buttonId"`
	DisplayName string          `json:"name"`
	State       ConnectionState `json:"state"`
	TriggerMode TriggerMode     `json:"-"`
}

// New creates a Button with a normalized id.
func New(id, name string) Button {
	return Button{
		ID:          NormalizeID(id),
		DisplayName: name,
		State:       StateUnknown,
		TriggerMode: DefaultTriggerMode,
	}
}

// Name returns the display name, or an empty string when the button has none.
func (b Button) Name() string {
	return b.DisplayName
}

func (b Button) String() string {
	if b.DisplayName == "" {
		return fmt.Sprintf("%s (%s)", b.ID, b.State)
	}
	return fmt.Sprintf("%s %q (%s)", b.ID, b.DisplayName, b.State)
}

// NormalizeID converts a hardware address into the canonical identity key:
// trimmed, upper-case, with '-' separators replaced by ':'.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ReplaceAll(id, "-", ":")
	return strings.ToUpper(id)
}
