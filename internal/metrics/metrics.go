// Registers:
//
//	#coinfeed_updates_total{source}
//	#coinfeed_updates_discarded_total{reason}
//	#coinfeed_reconnects_total
//	#coinfeed_poll_errors_total
//	#coinfeed_subscribe_commands_total{action}
//	#coinfeed_connection_state
//	#go_* and process_* system metrics
//
// Exposed over HTTP with the Prometheus handler when the metrics server is
// enabled in configuration.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coinfeed/internal/models"
	"coinfeed/logger"
)

const (
	ReasonUninterested = "uninterested"
	ReasonStale        = "stale"
	ReasonDecode       = "decode"
)

var (
	once            sync.Once
	updatesTotal    *prometheus.CounterVec
	discardedTotal  *prometheus.CounterVec
	reconnectsTotal prometheus.Counter
	pollErrorsTotal prometheus.Counter
	commandsTotal   *prometheus.CounterVec
	connectionState prometheus.Gauge
)

func Init() {
	once.Do(func() {
		updatesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinfeed_updates_total",
				Help: "Number of price updates accepted and emitted to consumers",
			},
			[]string{"source"},
		)

		discardedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinfeed_updates_discarded_total",
				Help: "Number of inbound updates discarded before emission",
			},
			[]string{"reason"},
		)

		reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinfeed_reconnects_total",
			Help: "Number of reconnect attempts scheduled by the stream client",
		})

		pollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinfeed_poll_errors_total",
			Help: "Number of failed poll cycles or requests",
		})

		commandsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinfeed_subscribe_commands_total",
				Help: "Number of subscribe/unsubscribe commands written to the stream",
			},
			[]string{"action"},
		)

		connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coinfeed_connection_state",
			Help: "Current stream connection state (0 disconnected through 4 failed)",
		})

		_ = prometheus.Register(updatesTotal)
		_ = prometheus.Register(discardedTotal)
		_ = prometheus.Register(reconnectsTotal)
		_ = prometheus.Register(pollErrorsTotal)
		_ = prometheus.Register(commandsTotal)
		_ = prometheus.Register(connectionState)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Serve exposes the /metrics endpoint on addr in a background goroutine.
func Serve(addr string) {
	log := logger.GetLogger().WithComponent("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	log.WithFields(logger.Fields{"addr": addr}).Info("metrics server listening")
}

// IncUpdate counts an update accepted from the given source.
func IncUpdate(source models.UpdateSource) {
	if updatesTotal != nil {
		updatesTotal.WithLabelValues(string(source)).Inc()
	}
}

// IncDiscarded counts an inbound update dropped before emission.
func IncDiscarded(reason string) {
	if discardedTotal != nil {
		discardedTotal.WithLabelValues(reason).Inc()
	}
}

// IncReconnect counts a scheduled reconnect attempt.
func IncReconnect() {
	if reconnectsTotal != nil {
		reconnectsTotal.Inc()
	}
}

// IncPollError counts a failed poll request.
func IncPollError() {
	if pollErrorsTotal != nil {
		pollErrorsTotal.Inc()
	}
}

// IncCommand counts a subscribe/unsubscribe command written to the stream.
func IncCommand(action string) {
	if commandsTotal != nil {
		commandsTotal.WithLabelValues(action).Inc()
	}
}

// SetConnectionState mirrors the stream state machine into a gauge.
func SetConnectionState(s models.ConnectionState) {
	if connectionState != nil {
		connectionState.Set(float64(s))
	}
}
