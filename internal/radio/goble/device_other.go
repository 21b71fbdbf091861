//go:build !darwin && !linux

package goble

import (
	"errors"

	"github.com/go-ble/ble"
)

func newDevice() (ble.Device, error) {
	return nil, errors.New("go-ble is not supported on this platform")
}
