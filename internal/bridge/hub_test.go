package bridge_test

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/srg/buttond/internal/bridge"
	"github.com/srg/buttond/internal/events"
	"github.com/srg/buttond/internal/metrics"
	"github.com/srg/buttond/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands events straight to its listener.
type fakeSource struct {
	mu       sync.Mutex
	listener events.Listener
	attached int
}

func (f *fakeSource) Subscribe(l events.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
	f.attached++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listener = nil
	}
}

func (f *fakeSource) current() events.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

func (f *fakeSource) emit(seq uint64) {
	if l := f.current(); l != nil {
		l(click(seq))
	}
}

func click(seq uint64) events.Event {
	return events.Event{Seq: seq, Name: events.ButtonClick}
}

func (f *fakeSource) listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener != nil
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(testutils.DefaultTimeout):
		t.Fatal("no event received")
		return events.Event{}
	}
}

func TestHub_AttachesWhileSubscribed(t *testing.T) {
	src := &fakeSource{}
	m := metrics.New(prometheus.NewRegistry())
	hub := bridge.NewHub(src, bridge.HubOptions{Buffer: 4, Logger: testutils.NewTestHelper(t).Logger, Metrics: m})
	defer hub.Close()

	assert.False(t, src.listening())

	a, ok := hub.Subscribe()
	require.True(t, ok)
	b, ok := hub.Subscribe()
	require.True(t, ok)
	assert.True(t, src.listening())
	assert.Equal(t, 1, src.attached)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BridgeSubscribers))

	src.emit(1)
	assert.Equal(t, uint64(1), receive(t, a.C()).Seq)
	assert.Equal(t, uint64(1), receive(t, b.C()).Seq)

	a.Cancel()
	a.Cancel()
	_, open := <-a.C()
	assert.False(t, open)
	assert.NoError(t, a.Err())
	assert.True(t, src.listening())

	b.Cancel()
	assert.False(t, src.listening())
	assert.Equal(t, 0, hub.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BridgeSubscribers))
}

func TestHub_SlowReaderGetsEveryClick(t *testing.T) {
	src := &fakeSource{}
	hub := bridge.NewHub(src, bridge.HubOptions{Buffer: 1, SendTimeout: testutils.DefaultTimeout})
	defer hub.Close()

	sub, ok := hub.Subscribe()
	require.True(t, ok)
	defer sub.Cancel()

	const total = 20
	got := make(chan []uint64, 1)
	go func() {
		var seqs []uint64
		for ev := range sub.C() {
			time.Sleep(time.Millisecond)
			seqs = append(seqs, ev.Seq)
			if len(seqs) == total {
				break
			}
		}
		got <- seqs
	}()

	for seq := uint64(1); seq <= total; seq++ {
		src.emit(seq)
	}

	select {
	case seqs := <-got:
		require.Len(t, seqs, total)
		for i, seq := range seqs {
			assert.Equal(t, uint64(i+1), seq)
		}
	case <-time.After(testutils.DefaultTimeout):
		t.Fatal("reader did not receive every click")
	}
	assert.Equal(t, 1, hub.Len())
}

func TestHub_StalledSubscriberIsEvicted(t *testing.T) {
	src := &fakeSource{}
	m := metrics.New(prometheus.NewRegistry())
	hub := bridge.NewHub(src, bridge.HubOptions{Buffer: 2, SendTimeout: 10 * time.Millisecond, Logger: testutils.NewTestHelper(t).Logger, Metrics: m})
	defer hub.Close()

	stalled, ok := hub.Subscribe()
	require.True(t, ok)
	for seq := uint64(1); seq <= 3; seq++ {
		src.emit(seq)
	}

	// what was buffered is still delivered, then the stream ends with the cause
	assert.Equal(t, uint64(1), receive(t, stalled.C()).Seq)
	assert.Equal(t, uint64(2), receive(t, stalled.C()).Seq)
	_, open := <-stalled.C()
	assert.False(t, open)
	assert.ErrorIs(t, stalled.Err(), bridge.ErrSlowSubscriber)

	assert.Equal(t, 0, hub.Len())
	assert.False(t, src.listening())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscribersEvicted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(string(events.ButtonClick))))
}

func TestHub_InFlightEventsReachNextSubscriber(t *testing.T) {
	src := &fakeSource{}
	m := metrics.New(prometheus.NewRegistry())
	hub := bridge.NewHub(src, bridge.HubOptions{Buffer: 4, Metrics: m})
	defer hub.Close()

	first, ok := hub.Subscribe()
	require.True(t, ok)
	deliver := src.current()
	first.Cancel()
	require.False(t, src.listening())

	// deliveries queued before the last subscriber left
	deliver(click(1))
	deliver(click(2))

	next, ok := hub.Subscribe()
	require.True(t, ok)
	defer next.Cancel()
	src.emit(3)

	for seq := uint64(1); seq <= 3; seq++ {
		assert.Equal(t, seq, receive(t, next.C()).Seq)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(string(events.ButtonClick))))
}

func TestHub_Close(t *testing.T) {
	src := &fakeSource{}
	m := metrics.New(prometheus.NewRegistry())
	hub := bridge.NewHub(src, bridge.HubOptions{Metrics: m})

	sub, ok := hub.Subscribe()
	require.True(t, ok)
	deliver := src.current()

	hub.Close()
	hub.Close()

	_, open := <-sub.C()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
	assert.False(t, src.listening())

	_, ok = hub.Subscribe()
	assert.False(t, ok)

	// a late delivery is counted, not silently lost
	deliver(click(9))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(string(events.ButtonClick))))
}
