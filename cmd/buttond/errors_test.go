package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/srg/buttond/internal/bridge"
	"github.com/srg/buttond/internal/button"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "unix", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil",
			err:  nil,
			want: "",
		},
		{
			name: "server not running",
			err:  notRunning("/run/buttond.sock", fmt.Errorf("failed to connect: %w", refused)),
			want: "buttond server is not running at /run/buttond.sock (start it with 'buttond serve')",
		},
		{
			name: "remote button not found",
			err:  &bridge.RemoteError{Code: "ButtonNotFound", Message: `ButtonNotFound: button "X" not found`},
			want: `button "X" not found`,
		},
		{
			name: "local button not found",
			err:  fmt.Errorf("connect: %w", button.NotFound("X")),
			want: `button "X" not found`,
		},
		{
			name: "scan failure with cause",
			err:  button.ScanFailed(errors.New("no button found")),
			want: "scan failed: no button found",
		},
		{
			name: "remote scan failure",
			err:  &bridge.RemoteError{Code: "ScanFailed", Message: "ScanFailed: scan stopped"},
			want: "scan stopped",
		},
		{
			name: "not initialized",
			err:  &bridge.RemoteError{Code: "NotInitialized", Message: "NotInitialized: button manager is not initialized"},
			want: "the server has no radio yet, try again in a moment",
		},
		{
			name: "radio unavailable",
			err:  button.ErrRadioUnavailable,
			want: "Bluetooth is unavailable: turn it on or check permissions",
		},
		{
			name: "protocol error",
			err:  &bridge.RemoteError{Code: bridge.CodeTimeout, Message: "scan timed out"},
			want: "scan timed out (Timeout)",
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}

func TestNotRunning_KeepsOtherErrors(t *testing.T) {
	denied := &net.OpError{Op: "dial", Net: "unix", Err: os.NewSyscallError("connect", syscall.EACCES)}

	err := notRunning("/run/buttond.sock", denied)

	assert.NotErrorIs(t, err, ErrServerNotRunning)
	assert.Same(t, denied, err)
}
