package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const eventsMetricName = "aero_webrtc_rendezvous_events_total"

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() int
}

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All internal counters are exposed as a single metric with an `event` label.
// Gauges are emitted after the counters in the order given.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	labelEscaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", eventsMetricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetricName)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetricName, labelEscaper.Replace(k), snap[k])
		}

		for _, g := range gauges {
			if g.Name == "" || g.Value == nil {
				continue
			}
			if g.Help != "" {
				_, _ = fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
			}
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
			_, _ = fmt.Fprintf(w, "%s %d\n", g.Name, g.Value())
		}
	})
}
