package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messagis_bus_published_total",
		Help: "Events accepted for publish, by event type.",
	}, []string{"event"})
	deliveredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messagis_bus_delivered_total",
		Help: "Events handed to a subscriber, by event type.",
	}, []string{"event"})
	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messagis_bus_dropped_total",
		Help: "Events dropped on full subscriber buffers or simulated outage.",
	}, []string{"event"})
	presenceMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "messagis_bus_presence_members",
		Help: "Current presence set size per channel.",
	}, []string{"channel"})
)
