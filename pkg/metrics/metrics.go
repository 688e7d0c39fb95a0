// Package metrics exports the stub's counters to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gdbstub_packets_received_total",
			Help: "Total command packets received from the host, by command byte",
		},
		[]string{"command"},
	)

	checksumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gdbstub_checksum_failures_total",
		Help: "Total received frames discarded because of a bad checksum",
	})

	retransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gdbstub_retransmits_total",
		Help: "Total replies sent again after a negative acknowledgement",
	})

	errorReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gdbstub_error_replies_total",
			Help: "Total error replies sent to the host, by error code",
		},
		[]string{"code"},
	)

	traps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gdbstub_traps_total",
			Help: "Total entries into the agent, by reported signal",
		},
		[]string{"signal"},
	)

	instructions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gdbstub_sim_instructions_total",
		Help: "Total instructions executed by the simulated board",
	})

	stoppedDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gdbstub_stopped_duration_seconds",
		Help:    "Time the target spent stopped under host control per trap",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

// PacketReceived counts one command packet.
func PacketReceived(cmd byte) {
	packetsReceived.WithLabelValues(string([]byte{cmd})).Inc()
}

func ChecksumFailure() {
	checksumFailures.Inc()
}

func Retransmit() {
	retransmits.Inc()
}

// ErrorReply counts one Exx reply, code is the two hex digits.
func ErrorReply(code string) {
	errorReplies.WithLabelValues(code).Inc()
}

// Trap counts one entry into the agent.
func Trap(signal string) {
	traps.WithLabelValues(signal).Inc()
}

// Stopped records how long the target was held stopped.
func Stopped(seconds float64) {
	stoppedDuration.Observe(seconds)
}

// Executed counts instructions run by the simulator.
func Executed(n uint64) {
	instructions.Add(float64(n))
}

// Reset zeroes all vectors, it is used by the 'reset-stats' monitor
// command.
func Reset() {
	packetsReceived.Reset()
	errorReplies.Reset()
	traps.Reset()
}

// Handler returns the http handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
