// Package metrics holds the Prometheus collectors exported by the button session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buttond"

// Collector groups every metric the session, dispatcher and bridge update.
// A nil *Collector is valid and records nothing.
type Collector struct {
	EventsEmitted       *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	EventsReplayed      prometheus.Counter
	RadioEventsIgnored  *prometheus.CounterVec
	Scans               *prometheus.CounterVec
	ButtonsRegistered   prometheus.Gauge
	ManagerPowerState   prometheus.Gauge
	BridgeSubscribers   prometheus.Gauge
	BridgeRequests      *prometheus.CounterVec
	SubscribersEvicted  prometheus.Counter
}

// New creates collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Notifications handed to the listener, by event name.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Notifications that reached no consumer, by event name.",
		}, []string{"event"}),
		EventsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_replayed_total",
			Help:      "Buffered notifications delivered to a late subscriber.",
		}),
		RadioEventsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "radio_events_ignored_total",
			Help:      "Radio callbacks ignored because they referenced an unknown button or a stale scan.",
		}, []string{"reason"}),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Finished scan sessions by outcome.",
		}, []string{"outcome"}),
		ButtonsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buttons_registered",
			Help:      "Number of buttons in the registry.",
		}),
		ManagerPowerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manager_power_state",
			Help:      "Radio manager power state ordinal.",
		}),
		BridgeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_subscribers",
			Help:      "Bridge connections currently streaming notifications.",
		}),
		BridgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_requests_total",
			Help:      "Bridge requests by method and result code.",
		}, []string{"method", "code"}),
		SubscribersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_subscribers_evicted_total",
			Help:      "Stream subscribers disconnected for falling behind.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.EventsEmitted,
			c.EventsDropped,
			c.EventsReplayed,
			c.RadioEventsIgnored,
			c.Scans,
			c.ButtonsRegistered,
			c.ManagerPowerState,
			c.BridgeSubscribers,
			c.BridgeRequests,
			c.SubscribersEvicted,
		)
	}
	return c
}

func (c *Collector) Emitted(event string) {
	if c != nil {
		c.EventsEmitted.WithLabelValues(event).Inc()
	}
}

func (c *Collector) Dropped(event string) {
	if c != nil {
		c.EventsDropped.WithLabelValues(event).Inc()
	}
}

func (c *Collector) Replayed(n int) {
	if c != nil {
		c.EventsReplayed.Add(float64(n))
	}
}

func (c *Collector) RadioEventIgnored(reason string) {
	if c != nil {
		c.RadioEventsIgnored.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) ScanFinished(outcome string) {
	if c != nil {
		c.Scans.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) SetButtons(n int) {
	if c != nil {
		c.ButtonsRegistered.Set(float64(n))
	}
}

func (c *Collector) SetPowerState(ordinal int) {
	if c != nil {
		c.ManagerPowerState.Set(float64(ordinal))
	}
}

func (c *Collector) SubscriberAdded() {
	if c != nil {
		c.BridgeSubscribers.Inc()
	}
}

func (c *Collector) SubscriberRemoved() {
	if c != nil {
		c.BridgeSubscribers.Dec()
	}
}

func (c *Collector) Request(method, code string) {
	if c != nil {
		c.BridgeRequests.WithLabelValues(method, code).Inc()
	}
}

func (c *Collector) Evicted() {
	if c != nil {
		c.SubscribersEvicted.Inc()
	}
}
