// Package pluginmetrics exposes the runtime's Prometheus metrics:
// package-level promauto-registered vectors plus a Register helper that
// wires them into an Echo instance.
package pluginmetrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tidegate/pkg/plugin"
)

var (
	pluginStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidegate_plugin_status",
			Help: "Current lifecycle status of a plugin, encoded as statusCode().",
		},
		[]string{"plugin"},
	)

	pluginCrashesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidegate_plugin_crashes_total",
			Help: "Total number of times a plugin has crashed.",
		},
		[]string{"plugin"},
	)

	restartBackoffSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidegate_plugin_restart_backoff_seconds",
			Help: "Current scheduled restart backoff for a crashed plugin.",
		},
		[]string{"plugin"},
	)

	hostCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidegate_host_call_duration_seconds",
			Help:    "Duration of host calls made by plugins through the ServerAPI bridge.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plugin", "call"},
	)
)

// Register mounts the Prometheus handler at path on e, matching the
// teacher's monitoring.Register shape.
func Register(e *echo.Echo, path string) {
	e.GET(path, echo.WrapHandler(promhttp.Handler()))
}

// statusCode maps a plugin.Status onto the stable integer the gauge
// exports, so dashboards don't need a label per status value.
func statusCode(status plugin.Status) float64 {
	switch status {
	case plugin.StatusStopped:
		return 0
	case plugin.StatusStarting:
		return 1
	case plugin.StatusRunning:
		return 2
	case plugin.StatusStopping:
		return 3
	case plugin.StatusCrashed:
		return 4
	case plugin.StatusError:
		return 5
	default:
		return -1
	}
}

// RecordStatus updates the status gauge for pluginID.
func RecordStatus(pluginID string, status plugin.Status) {
	pluginStatus.WithLabelValues(pluginID).Set(statusCode(status))
}

// RecordCrash increments the crash counter for pluginID.
func RecordCrash(pluginID string) {
	pluginCrashesTotal.WithLabelValues(pluginID).Inc()
}

// RecordBackoff records the backoff (in seconds) scheduled for
// pluginID's next automatic restart.
func RecordBackoff(pluginID string, backoffSeconds float64) {
	restartBackoffSeconds.WithLabelValues(pluginID).Set(backoffSeconds)
}

// ObserveHostCall records how long a host call took to service.
func ObserveHostCall(pluginID, call string, seconds float64) {
	hostCallDuration.WithLabelValues(pluginID, call).Observe(seconds)
}

// Forget removes every series for pluginID, called on unregister so a
// removed plugin doesn't linger in exported metrics. hostCallDuration is
// labeled by (plugin, call) rather than plugin alone, so it is swept with
// DeletePartialMatch instead of DeleteLabelValues.
func Forget(pluginID string) {
	pluginStatus.DeleteLabelValues(pluginID)
	pluginCrashesTotal.DeleteLabelValues(pluginID)
	restartBackoffSeconds.DeleteLabelValues(pluginID)
	hostCallDuration.DeletePartialMatch(prometheus.Labels{"plugin": pluginID})
}
