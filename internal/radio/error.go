package radio

import (
	"strings"

	"github.com/srg/buttond/internal/button"
)

// NormalizeError maps known adapter error strings to structured button errors.
// Unrecognised errors are returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?",
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "not authorized"),
		containsIgnoreCase(msg, "not ready"),
		containsIgnoreCase(msg, "org.bluez.Error.NotReady"):
		return &button.Error{Kind: button.KindRadioUnavailable, Msg: "radio unavailable", Err: err}
	default:
		return err
	}
}

// PowerStateFor classifies an adapter bring-up failure.
func PowerStateFor(err error) PowerState {
	if err == nil {
		return PowerOn
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "not authorized"), containsIgnoreCase(msg, "permission denied"):
		return PowerUnauthorized
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "have=4 want=5"),
		containsIgnoreCase(msg, "not ready"):
		return PowerOff
	default:
		return PowerUnsupported
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
