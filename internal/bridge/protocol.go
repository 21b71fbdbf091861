// Package bridge exposes a session.Session to host processes: a request handler, a
// JSON-lines server on a Unix socket, a fan-out hub for notifications and a client.
//
// Every line on the wire is one JSON document. Requests carry an id that the matching
// response echoes; a "subscribe" request turns the connection into a notification stream.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/srg/buttond/internal/button"
)

// Request methods
const (
	MethodGetButtons       = "getButtons"
	MethodIsScanning       = "isScanning"
	MethodScanForButtons   = "scanForButtons"
	MethodConnectButton    = "connectButton"
	MethodDisconnectButton = "disconnectButton"
	MethodRemoveAllButtons = "removeAllButtons"
	MethodStopScan         = "stopScan"
	MethodEcho             = "echo"
	MethodGetManagerState  = "getManagerState"
	MethodSubscribe        = "subscribe"
)

// Protocol error codes. Session failures use the button.Kind name as their code.
const (
	CodeUnknownMethod  = "UnknownMethod"
	CodeInvalidRequest = "InvalidRequest"
	CodeTimeout        = "Timeout"
	CodeInternal       = "Internal"
	CodeSlowConsumer   = "SlowConsumer"
)

// SocketName is the file name of the server socket.
const SocketName = "buttond.sock"

// Request is one client request line.
type Request struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one server response line. Exactly one of Result and Error is set.
type Response struct {
	ID     int64           `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError is a failed request as reported on the wire.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// Is matches session errors of the same kind, so callers can test a remote failure
// against button.ErrButtonNotFound and friends.
func (e *RemoteError) Is(target error) bool {
	var be *button.Error
	if errors.As(target, &be) {
		return string(be.Kind) == e.Code
	}
	t, ok := target.(*RemoteError)
	return ok && t.Code == e.Code
}

// Result payloads
type (
	ButtonsResult struct {
		Buttons []button.Button `json:"buttons"`
	}
	ScanningResult struct {
		IsScanning bool `json:"isScanning"`
	}
	MessageResult struct {
		Message string `json:"message"`
	}
	StopScanResult struct {
		StopScan bool `json:"stopScan"`
	}
	EchoResult struct {
		Value any `json:"value"`
	}
	ManagerStateResult struct {
		State int `json:"state"`
	}
)

// ButtonParams are the parameters of connectButton and disconnectButton.
type ButtonParams struct {
	ButtonID string `json:"buttonId"`
}

// EchoParams are the parameters of echo.
type EchoParams struct {
	Value any `json:"value,omitempty"`
}

// invalidRequest builds an InvalidRequest failure.
func invalidRequest(format string, args ...any) *RemoteError {
	return &RemoteError{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// remoteError converts a session error into its wire form.
func remoteError(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	code := CodeInternal
	if kind := button.KindOf(err); kind != "" {
		code = string(kind)
	}
	return &RemoteError{Code: code, Message: button.Describe(err)}
}

// DefaultSocketPath returns $XDG_RUNTIME_DIR/buttond.sock, or /tmp/buttond.sock when the
// runtime directory is not set.
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, SocketName)
}
