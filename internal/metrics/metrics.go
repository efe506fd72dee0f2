// Package metrics exposes Prometheus text-format counters and gauges for the
// Relay, adapted from the teacher's transport metrics.
//
// # Metric catalogue
//
//	relay_control_frames_total       – counter: control frames received (any command)
//	relay_register_port_total        – counter: REGISTER_PORT attempts
//	relay_register_port_busy_total   – counter: REGISTER_PORT rejected because the port was already held
//	relay_unregister_port_total      – counter: UNREGISTER_PORT processed
//	relay_active_ports               – gauge:   currently published ports
//	relay_active_sessions            – gauge:   currently connected Agent sessions
//	relay_active_pumps               – gauge:   currently running Pair Pumps
//	relay_bytes_pumped_total         – counter: bytes relayed across all pumps, both directions
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds every Relay counter and gauge. The zero value is ready to
// use.
type Metrics struct {
	ControlFrames    atomic.Int64
	RegisterPort     atomic.Int64
	RegisterPortBusy atomic.Int64
	UnregisterPort   atomic.Int64
	ActivePorts      atomic.Int64
	ActiveSessions   atomic.Int64
	ActivePumps      atomic.Int64
	BytesPumpedTotal atomic.Int64
}

// New allocates a Metrics value with every counter at zero.
func New() *Metrics {
	return &Metrics{}
}

type metricLine struct {
	help  string
	kind  string
	name  string
	value int64
}

func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{"Total number of control frames received from any Agent.", "counter", "relay_control_frames_total", m.ControlFrames.Load()},
		{"Total number of REGISTER_PORT requests processed.", "counter", "relay_register_port_total", m.RegisterPort.Load()},
		{"Total number of REGISTER_PORT requests rejected because the port was already held.", "counter", "relay_register_port_busy_total", m.RegisterPortBusy.Load()},
		{"Total number of UNREGISTER_PORT requests processed.", "counter", "relay_unregister_port_total", m.UnregisterPort.Load()},
		{"Number of ports currently published.", "gauge", "relay_active_ports", m.ActivePorts.Load()},
		{"Number of Agent sessions currently connected.", "gauge", "relay_active_sessions", m.ActiveSessions.Load()},
		{"Number of Pair Pumps currently relaying bytes.", "gauge", "relay_active_pumps", m.ActivePumps.Load()},
		{"Total bytes relayed across all pumps, both directions.", "counter", "relay_bytes_pumped_total", m.BytesPumpedTotal.Load()},
	}
}

// Handler returns an http.Handler serving every metric in the Prometheus
// text exposition format on every GET request.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
