package talk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsRegistry keeps server metrics off the default registry so the
// admin endpoint exposes only what this package registers.
var metricsRegistry = prometheus.NewRegistry()

var (
	commandsTotal = promauto.With(metricsRegistry).NewCounterVec(prometheus.CounterOpts{
		Name: "talkd_commands_total",
		Help: "Commands dispatched, by command name.",
	}, []string{"command"})

	commandDuration = promauto.With(metricsRegistry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "talkd_command_duration_seconds",
		Help:    "Command handler latency, by command name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	connectionsOpen = promauto.With(metricsRegistry).NewGauge(prometheus.GaugeOpts{
		Name: "talkd_connections_open",
		Help: "Connections currently registered.",
	})

	connectionsAccepted = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Name: "talkd_connections_accepted_total",
		Help: "Connections accepted since start.",
	})

	connectionsRejected = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Name: "talkd_connections_rejected_total",
		Help: "Connections refused at the capacity ceiling.",
	})

	linesReadTotal = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Name: "talkd_lines_read_total",
		Help: "Lines read from sockets.",
	})

	linesWrittenTotal = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Name: "talkd_lines_written_total",
		Help: "Lines written to sockets.",
	})

	outboundDropsTotal = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Name: "talkd_outbound_drops_total",
		Help: "Lines dropped because a talker's outbound mailbox was full.",
	})

	overloadState = promauto.With(metricsRegistry).NewGauge(prometheus.GaugeOpts{
		Name: "talkd_overloaded",
		Help: "1 while the server is shedding non-essential commands.",
	})
)

func setOverloadGauge(over bool) {
	if over {
		overloadState.Set(1)
	} else {
		overloadState.Set(0)
	}
}
