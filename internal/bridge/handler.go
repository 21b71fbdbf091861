package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/metrics"
	"github.com/srg/buttond/internal/session"
)

// DefaultRequestTimeout bounds a blocking scanForButtons request.
const DefaultRequestTimeout = 60 * time.Second

// Handler answers bridge requests against one session.
type Handler struct {
	session *session.Session
	timeout time.Duration
	logger  *logrus.Logger
	metrics *metrics.Collector
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Logger         *logrus.Logger
	Metrics        *metrics.Collector
	RequestTimeout time.Duration
}

// NewHandler creates a Handler for s.
func NewHandler(s *session.Session, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Handler{session: s, timeout: timeout, logger: logger, metrics: opts.Metrics}
}

// Handle executes req and builds its response. It blocks only for scanForButtons.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	result, rerr := h.dispatch(ctx, req)

	resp := Response{ID: req.ID}
	if rerr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			rerr = &RemoteError{Code: CodeInternal, Message: err.Error()}
		} else {
			resp.Result = data
		}
	}

	code := "ok"
	if rerr != nil {
		resp.Error = rerr
		code = rerr.Code
		h.logger.WithFields(logrus.Fields{
			"method": req.Method,
			"code":   rerr.Code,
		}).Debug(rerr.Message)
	}
	h.metrics.Request(req.Method, code)
	return resp
}

func (h *Handler) dispatch(ctx context.Context, req Request) (any, *RemoteError) {
	switch req.Method {
	case MethodGetButtons:
		return ButtonsResult{Buttons: h.session.Buttons()}, nil

	case MethodIsScanning:
		return ScanningResult{IsScanning: h.session.IsScanning()}, nil

	case MethodScanForButtons:
		return h.scan(ctx)

	case MethodConnectButton:
		p, rerr := buttonParams(req)
		if rerr != nil {
			return nil, rerr
		}
		if err := h.session.Connect(p.ButtonID); err != nil {
			return nil, remoteError(err)
		}
		return MessageResult{Message: session.MessageConnecting}, nil

	case MethodDisconnectButton:
		p, rerr := buttonParams(req)
		if rerr != nil {
			return nil, rerr
		}
		if err := h.session.Disconnect(p.ButtonID); err != nil {
			return nil, remoteError(err)
		}
		return MessageResult{Message: session.MessageDisconnected}, nil

	case MethodRemoveAllButtons:
		if err := h.session.RemoveAll(); err != nil {
			return nil, remoteError(err)
		}
		return MessageResult{Message: session.MessageAllButtonsRemoved}, nil

	case MethodStopScan:
		h.session.StopScan()
		return StopScanResult{StopScan: true}, nil

	case MethodEcho:
		var p EchoParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, invalidRequest("invalid echo params: %v", err)
			}
		}
		return EchoResult{Value: p.Value}, nil

	case MethodGetManagerState:
		return ManagerStateResult{State: h.session.PowerState().Ordinal()}, nil

	case "":
		return nil, invalidRequest("missing method")

	default:
		return nil, &RemoteError{Code: CodeUnknownMethod, Message: "unknown method " + req.Method}
	}
}

// scan starts a scan and waits for its verified button, the request timeout or ctx.
// A request that gives up stops the scan it started.
func (h *Handler) scan(ctx context.Context) (any, *RemoteError) {
	type outcome struct {
		b   button.Button
		err error
	}
	done := make(chan outcome, 1)

	id, err := h.session.OpenScan(func(b button.Button, err error) {
		done <- outcome{b: b, err: err}
	})
	if err != nil {
		return nil, remoteError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, remoteError(res.err)
		}
		return MessageResult{Message: session.MessageScanSuccessful}, nil
	case <-ctx.Done():
		h.session.CancelScan(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &RemoteError{Code: CodeTimeout, Message: "scan timed out"}
		}
		return nil, remoteError(ctx.Err())
	}
}

func buttonParams(req Request) (ButtonParams, *RemoteError) {
	var p ButtonParams
	if len(req.Params) == 0 {
		return p, invalidRequest("%s requires buttonId", req.Method)
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return p, invalidRequest("invalid %s params: %v", req.Method, err)
	}
	if p.ButtonID == "" {
		return p, invalidRequest("%s requires buttonId", req.Method)
	}
	return p, nil
}
