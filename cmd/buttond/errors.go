package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/srg/buttond/internal/bridge"
	"github.com/srg/buttond/internal/button"
)

// ErrServerNotRunning indicates no server answers on the socket.
var ErrServerNotRunning = errors.New("buttond server is not running")

// FormatUserError renders err for the terminal, replacing transport and session
// internals with actionable text.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var remote *bridge.RemoteError
	switch {
	case errors.Is(err, ErrServerNotRunning):
		return err.Error() + " (start it with 'buttond serve')"
	case errors.Is(err, button.ErrButtonNotFound):
		return describe(err, "unknown button")
	case errors.Is(err, button.ErrNotInitialized):
		return "the server has no radio yet, try again in a moment"
	case errors.Is(err, button.ErrScanFailed):
		return describe(err, "scan failed")
	case errors.Is(err, button.ErrRadioUnavailable):
		return "Bluetooth is unavailable: turn it on or check permissions"
	case errors.As(err, &remote):
		return fmt.Sprintf("%s (%s)", remote.Error(), remote.Code)
	}
	return err.Error()
}

// describe prefers the message carried by a remote error over the local wrapping.
func describe(err error, fallback string) string {
	var remote *bridge.RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		return strings.TrimPrefix(remote.Message, remote.Code+": ")
	}
	var be *button.Error
	if errors.As(err, &be) {
		switch {
		case be.Msg != "":
			return be.Msg
		case be.Err != nil:
			return fallback + ": " + be.Err.Error()
		}
	}
	return fallback
}

// notRunning wraps dial failures that mean nobody listens on path.
func notRunning(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w at %s", ErrServerNotRunning, path)
	}
	return err
}
