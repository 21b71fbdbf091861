// Package events implements the single ordered notification stream between the
// button session and its consumer.
//
// Event names and payload shapes are a fixed contract; use the payload builders in
// this package instead of assembling maps by hand.
package events

import (
	"fmt"
	"time"

	"github.com/srg/buttond/internal/button"
)

// Name is one of the fixed notification names.
type Name string

const (
	ScanEvent              Name = "scanEvent"
	ScanSuccess            Name = "scanSuccess"
	ScanFailed             Name = "scanFailed"
	ButtonConnecting       Name = "buttonConnecting"
	ButtonConnected        Name = "buttonConnected"
	ButtonDisconnected     Name = "buttonDisconnected"
	ButtonConnectionFailed Name = "buttonConnectionFailed"
	ButtonReady            Name = "buttonReady"
	ButtonClick            Name = "buttonClick"
	ButtonRemoved          Name = "buttonRemoved"
	ManagerStateUpdate     Name = "managerStateUpdate"
	RestoreState           Name = "restoreState"
)

// Names lists every notification name in contract order.
var Names = []Name{
	ScanEvent, ScanSuccess, ScanFailed,
	ButtonConnecting, ButtonConnected, ButtonDisconnected, ButtonConnectionFailed,
	ButtonReady, ButtonClick, ButtonRemoved,
	ManagerStateUpdate, RestoreState,
}

// Payload maps string keys to primitive values.
type Payload map[string]any

// Event is one notification unit. Seq and Time are envelope fields set by the Dispatcher.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Name    Name      `json:"event"`
	Payload Payload   `json:"data"`
}

func (e Event) String() string {
	return fmt.Sprintf("#%d %s %v", e.Seq, e.Name, map[string]any(e.Payload))
}

// Listener receives delivered events. It is always called from the dispatcher's
// delivery goroutine, one event at a time.
type Listener func(Event)

// Payload keys
const (
	KeyButtonID = "buttonId"
	KeyName     = "name"
	KeyState    = "state"
	KeyError    = "error"
	KeyEvent    = "event"
	KeyMessage  = "message"
)

// Message builds {message}.
func Message(msg string) Payload {
	return Payload{KeyMessage: msg}
}

// ButtonID builds {buttonId}.
func ButtonID(id string) Payload {
	return Payload{KeyButtonID: id}
}

// ButtonState builds {buttonId,name,state}.
func ButtonState(b button.Button) Payload {
	return Payload{
		KeyButtonID: b.ID,
		KeyName:     b.DisplayName,
		KeyState:    b.State.Ordinal(),
	}
}

// ButtonStateWithError builds {buttonId,name,state,error}; a nil err yields "Unknown error".
// The error kind is not part of the payload.
func ButtonStateWithError(b button.Button, err error) Payload {
	p := ButtonState(b)
	p[KeyError] = button.DescribeCause(err)
	return p
}

// ButtonClickPayload builds {buttonId,name,state,event}.
func ButtonClickPayload(b button.Button, click button.Click) Payload {
	p := ButtonState(b)
	p[KeyEvent] = string(click)
	return p
}

// Failure builds {error}.
func Failure(err error) Payload {
	return Payload{KeyError: button.DescribeCause(err)}
}

// ManagerState builds {state} from a power-state ordinal.
func ManagerState(ordinal int) Payload {
	return Payload{KeyState: ordinal}
}

// Restored builds the restoreState payload for n restored buttons.
func Restored(n int) Payload {
	return Message(fmt.Sprintf("State restored with %d buttons", n))
}
