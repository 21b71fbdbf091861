package simradio_test

import (
	"context"
	"errors"
	"testing"

	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/radio"
	"github.com/srg/buttond/internal/radio/simradio"
	"github.com/srg/buttond/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attach(t *testing.T, opts simradio.Options) (*simradio.Radio, *testutils.DelegateRecorder) {
	t.Helper()
	opts.Logger = testutils.NewTestHelper(t).Logger
	r := simradio.New(opts)
	t.Cleanup(func() { _ = r.Close() })

	rec := testutils.NewDelegateRecorder()
	require.NoError(t, r.Attach(rec))
	return r, rec
}

func settle(t *testing.T, r *simradio.Radio) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutils.DefaultTimeout)
	defer cancel()
	require.NoError(t, r.Sync(ctx))
}

func TestRadio_RecordsRequests(t *testing.T) {
	r, _ := attach(t, simradio.Options{})

	require.NoError(t, r.StartScan(1))
	assert.Equal(t, radio.ScanID(1), r.ActiveScan())
	require.NoError(t, r.StopScan(2))
	assert.Equal(t, radio.ScanID(1), r.ActiveScan(), "stopping another scan keeps the active one")
	require.NoError(t, r.StopScan(1))
	assert.Zero(t, r.ActiveScan())

	require.NoError(t, r.Connect("A"))
	require.NoError(t, r.Disconnect("A"))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Equal(t, []string{"attach", "startScan", "stopScan", "stopScan", "connect", "disconnect", "close"}, r.Ops())
	assert.Equal(t, "connect(A)", r.Calls()[4].String())

	assert.ErrorIs(t, r.Connect("A"), simradio.ErrClosed)
	assert.ErrorIs(t, r.StartScan(3), simradio.ErrClosed)
}

func TestRadio_AttachOnce(t *testing.T) {
	r, _ := attach(t, simradio.Options{})
	assert.Error(t, r.Attach(testutils.NewDelegateRecorder()))
}

func TestRadio_InitialStateIsPosted(t *testing.T) {
	r, rec := attach(t, simradio.Options{
		Power:   radio.PowerOn,
		Restore: []radio.Peripheral{{ID: "A", Name: "Desk"}},
	})
	settle(t, r)

	calls := rec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, radio.PowerOn, calls[0].Value)
	assert.Equal(t, []radio.Peripheral{{ID: "A", Name: "Desk"}}, calls[1].Value)
}

func TestRadio_ScriptedEventsKeepOrder(t *testing.T) {
	r, rec := attach(t, simradio.Options{})

	require.NoError(t, r.StartScan(4))
	r.ScanProgress(radio.ProgressDiscovered)
	r.CompleteScan(radio.Peripheral{ID: "A"})
	r.Connected("A")
	r.Ready("A")
	r.Click("A", button.Hold)
	r.Disconnected("A", errors.New("link lost"))
	r.ConnectFailed("A", nil)
	settle(t, r)

	calls := rec.Calls()
	assert.Equal(t, []string{"scanProgress", "scanComplete", "connected", "ready", "click", "disconnected", "connectFailed"}, rec.Ops())
	assert.Equal(t, radio.ScanID(4), calls[0].Scan)
	assert.Equal(t, radio.ScanID(4), calls[1].Scan)
	assert.Equal(t, button.Hold, calls[4].Value)
	assert.EqualError(t, calls[5].Err, "link lost")
	assert.Zero(t, r.ActiveScan(), "completion ends the scan")
}

func TestRadio_FailScanWithoutDescription(t *testing.T) {
	r, rec := attach(t, simradio.Options{})

	require.NoError(t, r.StartScan(1))
	r.FailScan(nil)
	settle(t, r)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	require.Error(t, calls[0].Err)
	assert.Equal(t, button.UnknownError, button.Describe(calls[0].Err))
}

func TestRadio_AutoConnectAndDisconnect(t *testing.T) {
	r, rec := attach(t, simradio.Options{AutoConnect: true, AutoDisconnect: true})

	require.NoError(t, r.Connect("A"))
	require.NoError(t, r.Disconnect("A"))
	settle(t, r)

	assert.Equal(t, []string{"connected", "ready", "disconnected"}, rec.Ops())
}

func TestRadio_FailConnect(t *testing.T) {
	refused := errors.New("Bluetooth is turned off")
	r, rec := attach(t, simradio.Options{FailConnect: refused, AutoConnect: true})

	assert.ErrorIs(t, r.Connect("A"), refused)
	settle(t, r)
	assert.Empty(t, rec.Calls())
}

func TestRadio_Forget(t *testing.T) {
	failure := errors.New("device busy")
	r, rec := attach(t, simradio.Options{FailForget: failure})

	require.NoError(t, r.Forget("A"))
	settle(t, r)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "forgotten", calls[0].Op)
	assert.ErrorIs(t, calls[0].Err, failure)

	_, ok := r.WithoutForget().(radio.Forgetter)
	assert.False(t, ok)
}

func TestRadio_EventsBeforeAttachAreDropped(t *testing.T) {
	r := simradio.New(simradio.Options{Logger: testutils.NewTestHelper(t).Logger})
	defer r.Close()

	r.Connected("A")
	require.NoError(t, r.Sync(context.Background()))

	rec := testutils.NewDelegateRecorder()
	require.NoError(t, r.Attach(rec))
	settle(t, r)
	assert.Empty(t, rec.Calls())
}
