// Package simradio provides an in-process scripted radio. Requests are recorded and
// answered according to Options; everything else is driven explicitly through the
// scripting methods. All delegate callbacks run on the radio's own loop goroutine in the
// order they were scripted.
package simradio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/groutine"
	"github.com/srg/buttond/internal/radio"
)

// ErrClosed is returned by requests after Close.
var ErrClosed = errors.New("simulated radio is closed")

// Call is one recorded request.
type Call struct {
	Op   string
	ID   string
	Scan radio.ScanID
}

func (c Call) String() string {
	switch {
	case c.Scan != 0:
		return fmt.Sprintf("%s(#%d)", c.Op, c.Scan)
	case c.ID != "":
		return fmt.Sprintf("%s(%s)", c.Op, c.ID)
	default:
		return c.Op
	}
}

// Options configures the simulated radio.
type Options struct {
	Logger *logrus.Logger

	// Power is reported right after Attach when not unknown.
	Power radio.PowerState
	// Restore is reported right after Attach when not empty.
	Restore []radio.Peripheral

	// AutoConnect answers Connect with connected followed by ready.
	AutoConnect bool
	// AutoDisconnect answers Disconnect with a clean disconnected confirmation.
	AutoDisconnect bool
	// FailConnect answers Connect synchronously with this error.
	FailConnect error
	// FailForget completes Forget with this error.
	FailForget error
}

// Radio is the scripted radio. It implements radio.Radio and radio.Forgetter.
type Radio struct {
	mu       sync.Mutex
	delegate radio.Delegate
	calls    []Call
	scan     radio.ScanID
	closed   bool

	opts   Options
	ops    *queue.Queue
	wg     sync.WaitGroup
	logger *logrus.Logger
}

var (
	_ radio.Radio     = (*Radio)(nil)
	_ radio.Forgetter = (*Radio)(nil)
)

// New creates a simulated radio. Its loop starts on Attach.
func New(opts Options) *Radio {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{
		opts:   opts,
		ops:    queue.New(16),
		logger: logger,
	}
}

// Attach implements radio.Radio.
func (r *Radio) Attach(d radio.Delegate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.delegate != nil {
		return errors.New("simulated radio is already attached")
	}
	r.delegate = d
	r.record(Call{Op: "attach"})

	groutine.GoWait(context.Background(), &r.wg, "simradio", r.loop)

	if r.opts.Power != radio.PowerUnknown {
		power := r.opts.Power
		r.post(func(d radio.Delegate) { d.OnPowerStateChange(power) })
	}
	if len(r.opts.Restore) > 0 {
		restored := append([]radio.Peripheral(nil), r.opts.Restore...)
		r.post(func(d radio.Delegate) { d.OnRestore(restored) })
	}
	return nil
}

// StartScan implements radio.Radio.
func (r *Radio) StartScan(id radio.ScanID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.record(Call{Op: "startScan", Scan: id})
	r.scan = id
	return nil
}

// StopScan implements radio.Radio.
func (r *Radio) StopScan(id radio.ScanID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record(Call{Op: "stopScan", Scan: id})
	if r.scan == id {
		r.scan = 0
	}
	return nil
}

// Connect implements radio.Radio.
func (r *Radio) Connect(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.record(Call{Op: "connect", ID: id})
	if r.opts.FailConnect != nil {
		return r.opts.FailConnect
	}
	if r.opts.AutoConnect {
		r.post(func(d radio.Delegate) { d.OnConnected(id) })
		r.post(func(d radio.Delegate) { d.OnReady(id) })
	}
	return nil
}

// Disconnect implements radio.Radio.
func (r *Radio) Disconnect(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.record(Call{Op: "disconnect", ID: id})
	if r.opts.AutoDisconnect {
		r.post(func(d radio.Delegate) { d.OnDisconnected(id, nil) })
	}
	return nil
}

// Forget implements radio.Forgetter. Completion is always asynchronous.
func (r *Radio) Forget(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.record(Call{Op: "forget", ID: id})
	err := r.opts.FailForget
	r.post(func(d radio.Delegate) { d.OnForgotten(id, err) })
	return nil
}

// Close drains scripted callbacks and stops the loop. Idempotent.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.record(Call{Op: "close"})
	attached := r.delegate != nil
	if attached {
		_ = r.ops.Put(stopOp{})
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.ops.Dispose()
	return nil
}

// Calls returns a copy of every recorded request.
func (r *Radio) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Ops returns the recorded request names in order.
func (r *Radio) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		ops = append(ops, c.Op)
	}
	return ops
}

// ActiveScan returns the scan the radio is currently running, 0 when idle.
func (r *Radio) ActiveScan() radio.ScanID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scan
}

// WithoutForget hides the Forgetter capability.
func (r *Radio) WithoutForget() radio.Radio {
	return plain{r}
}

type plain struct {
	radio.Radio
}

// record must be called with r.mu held.
func (r *Radio) record(c Call) {
	r.calls = append(r.calls, c)
	r.logger.WithField("call", c).Debug("Simulated radio request")
}
