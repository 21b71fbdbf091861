package radio

import (
	"fmt"

	"github.com/srg/buttond/internal/button"
)

// Default GATT identifiers of the button event service.
const (
	DefaultServiceUUID             = "f02adfc0-26e7-11e4-9edc-0002a5d5c51b"
	DefaultEventCharacteristicUUID = "f02adfc1-26e7-11e4-9edc-0002a5d5c51b"
)

// Click codes carried in the first byte of an event notification.
const (
	codeSingleClick byte = 0x01
	codeDoubleClick byte = 0x02
	codeHold        byte = 0x03
)

// DecodeClick maps an event characteristic notification to a click kind.
func DecodeClick(data []byte) (button.Click, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty click notification")
	}

	switch data[0] {
	case codeSingleClick:
		return button.SingleClick, nil
	case codeDoubleClick:
		return button.DoubleClick, nil
	case codeHold:
		return button.Hold, nil
	default:
		return "", fmt.Errorf("unknown click code 0x%02x", data[0])
	}
}

// EncodeClick is the inverse of DecodeClick.
func EncodeClick(click button.Click) ([]byte, error) {
	switch click {
	case button.SingleClick:
		return []byte{codeSingleClick}, nil
	case button.DoubleClick:
		return []byte{codeDoubleClick}, nil
	case button.Hold:
		return []byte{codeHold}, nil
	default:
		return nil, fmt.Errorf("unknown click kind %q", click)
	}
}
