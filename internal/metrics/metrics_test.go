package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/srg/buttond/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.New(reg)

	c.Emitted("buttonClick")
	c.Emitted("buttonClick")
	c.Dropped("scanEvent")
	c.SetButtons(3)
	c.SetPowerState(5)
	c.ScanFinished("success")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.EventsEmitted.WithLabelValues("buttonClick")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsDropped.WithLabelValues("scanEvent")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ButtonsRegistered))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.ManagerPowerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Scans.WithLabelValues("success")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *metrics.Collector

	assert.NotPanics(t, func() {
		c.Emitted("x")
		c.Dropped("x")
		c.Replayed(2)
		c.RadioEventIgnored("unknown_button")
		c.ScanFinished("failed")
		c.SetButtons(1)
		c.SetPowerState(1)
		c.SubscriberAdded()
		c.SubscriberRemoved()
		c.Request("getButtons", "ok")
		c.Evicted()
	})
}
