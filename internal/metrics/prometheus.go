package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). It does not require
// the Prometheus client library; metrics are formatted manually.
func PrometheusHandler(collector *Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		uptimeSeconds := time.Since(collector.startTime).Seconds()

		writeMetric(w, "streamgate_requests_total",
			"Total number of relayed requests.",
			"counter", stats.TotalRequests)

		writeMetric(w, "streamgate_streaming_requests_total",
			"Total number of streaming requests.",
			"counter", stats.StreamingRequests)

		writeMetric(w, "streamgate_active_requests",
			"Number of requests currently in flight.",
			"gauge", stats.ActiveRequests)

		writeMetric(w, "streamgate_antitrunc_runs_total",
			"Total number of anti-truncation engine runs.",
			"counter", stats.EngineRuns)

		writeMetric(w, "streamgate_antitrunc_attempts_total",
			"Total number of upstream attempts issued by the engine.",
			"counter", stats.Attempts)

		writeMetric(w, "streamgate_antitrunc_continuations_total",
			"Total number of continuation attempts (attempts after the first).",
			"counter", stats.Continuations)

		writeMetric(w, "streamgate_antitrunc_marker_found_total",
			"Total number of runs that observed the completion sentinel.",
			"counter", stats.MarkerFound)

		writeMetric(w, "streamgate_antitrunc_max_attempts_reached_total",
			"Total number of runs that exhausted the attempt bound.",
			"counter", stats.MaxAttemptsReached)

		writeMetric(w, "streamgate_antitrunc_ignored_total",
			"Total number of triggers ignored on non-streaming requests.",
			"counter", stats.IgnoredTriggers)

		writeMetric(w, "streamgate_upstream_errors_total",
			"Total number of upstream connect and stream errors.",
			"counter", stats.UpstreamErrors)

		writeMetricFloat(w, "streamgate_uptime_seconds",
			"Seconds since the relay started.",
			"gauge", uptimeSeconds)

		// Per-protocol request counts, stable order.
		fmt.Fprintf(w, "# HELP streamgate_protocol_requests_total Total requests by protocol.\n")
		fmt.Fprintf(w, "# TYPE streamgate_protocol_requests_total counter\n")
		protocols := make([]string, 0, len(stats.ByProtocol))
		for p := range stats.ByProtocol {
			protocols = append(protocols, p)
		}
		sort.Strings(protocols)
		for _, p := range protocols {
			fmt.Fprintf(w, "streamgate_protocol_requests_total{protocol=%q} %d\n", p, stats.ByProtocol[p])
		}

		// Error responses by status code, stable order.
		fmt.Fprintf(w, "# HELP streamgate_error_responses_total Error responses by status code.\n")
		fmt.Fprintf(w, "# TYPE streamgate_error_responses_total counter\n")
		codes := make([]int, 0, len(stats.ErrorsByCode))
		for code := range stats.ErrorsByCode {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(w, "streamgate_error_responses_total{code=\"%d\"} %d\n", code, stats.ErrorsByCode[code])
		}
	}
}

// writeMetric writes one integer metric with HELP and TYPE lines.
func writeMetric(w io.Writer, name, help, typ string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeMetricFloat writes one float metric with HELP and TYPE lines.
func writeMetricFloat(w io.Writer, name, help, typ string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(w, "%s %g\n", name, value)
}
