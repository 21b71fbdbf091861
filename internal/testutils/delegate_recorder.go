package testutils

import (
	"fmt"
	"sync"
	"time"

	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/radio"
)

// DelegateCall is one recorded radio.Delegate invocation.
type DelegateCall struct {
	Op    string
	ID    string
	Scan  radio.ScanID
	Value any
	Err   error
}

func (c DelegateCall) String() string {
	return fmt.Sprintf("%s(%s %v)", c.Op, c.ID, c.Value)
}

// DelegateRecorder is a radio.Delegate that records every callback, for adapter tests.
type DelegateRecorder struct {
	mu    sync.Mutex
	cond  *sync.Cond
	calls []DelegateCall
}

var _ radio.Delegate = (*DelegateRecorder)(nil)

func NewDelegateRecorder() *DelegateRecorder {
	r := &DelegateRecorder{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *DelegateRecorder) add(c DelegateCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	r.cond.Broadcast()
}

func (r *DelegateRecorder) Calls() []DelegateCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DelegateCall(nil), r.calls...)
}

func (r *DelegateRecorder) Ops() []string {
	calls := r.Calls()
	ops := make([]string, 0, len(calls))
	for _, c := range calls {
		ops = append(ops, c.Op)
	}
	return ops
}

// WaitFor blocks until at least n callbacks were recorded or timeout elapses.
func (r *DelegateRecorder) WaitFor(n int, timeout time.Duration) ([]DelegateCall, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cond.Broadcast()
	})
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.calls) < n {
		if !time.Now().Before(deadline) {
			return append([]DelegateCall(nil), r.calls...),
				fmt.Errorf("timed out waiting for %d delegate calls, got %d", n, len(r.calls))
		}
		r.cond.Wait()
	}
	return append([]DelegateCall(nil), r.calls...), nil
}

func (r *DelegateRecorder) OnPowerStateChange(state radio.PowerState) {
	r.add(DelegateCall{Op: "power", Value: state})
}

func (r *DelegateRecorder) OnRestore(peripherals []radio.Peripheral) {
	r.add(DelegateCall{Op: "restore", Value: peripherals})
}

func (r *DelegateRecorder) OnScanProgress(scan radio.ScanID, progress radio.ScanProgress) {
	r.add(DelegateCall{Op: "scanProgress", Scan: scan, Value: progress})
}

func (r *DelegateRecorder) OnScanComplete(scan radio.ScanID, p radio.Peripheral, err error) {
	r.add(DelegateCall{Op: "scanComplete", Scan: scan, ID: p.ID, Value: p, Err: err})
}

func (r *DelegateRecorder) OnConnected(id string) {
	r.add(DelegateCall{Op: "connected", ID: id})
}

func (r *DelegateRecorder) OnDisconnected(id string, err error) {
	r.add(DelegateCall{Op: "disconnected", ID: id, Err: err})
}

func (r *DelegateRecorder) OnConnectFailed(id string, err error) {
	r.add(DelegateCall{Op: "connectFailed", ID: id, Err: err})
}

func (r *DelegateRecorder) OnReady(id string) {
	r.add(DelegateCall{Op: "ready", ID: id})
}

func (r *DelegateRecorder) OnClick(id string, click button.Click) {
	r.add(DelegateCall{Op: "click", ID: id, Value: click})
}

func (r *DelegateRecorder) OnForgotten(id string, err error) {
	r.add(DelegateCall{Op: "forgotten", ID: id, Err: err})
}
