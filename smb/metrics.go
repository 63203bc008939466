package smb

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus instrumentation of a Transport. A nil *Metrics
// records nothing.
type Metrics struct {
	requests          *prometheus.CounterVec
	responses         *prometheus.CounterVec
	inFlight          prometheus.Gauge
	creditsAvailable  prometheus.Gauge
	signatureFailures prometheus.Counter
	timeouts          prometheus.Counter
}

// NewMetrics registers the transport metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smb_client_requests_total",
				Help: "Total number of SMB requests sent by command",
			},
			[]string{"command"},
		),
		responses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "smb_client_responses_total",
				Help: "Total number of SMB responses received by status class",
			},
			[]string{"class"}, // "success", "error", "pending"
		),
		inFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "smb_client_requests_in_flight",
			Help: "Number of requests waiting for a response",
		}),
		creditsAvailable: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "smb_client_credits_available",
			Help: "Number of credits currently granted by the server",
		}),
		signatureFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "smb_client_signature_failures_total",
			Help: "Total number of responses that failed signature verification",
		}),
		timeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "smb_client_request_timeouts_total",
			Help: "Total number of requests that timed out",
		}),
	}
}

func commandLabel(cmd uint16) string {
	switch cmd {
	case CommandNegotiate:
		return "negotiate"
	case CommandSessionSetup:
		return "session_setup"
	case CommandLogoff:
		return "logoff"
	case CommandTreeConnect:
		return "tree_connect"
	case CommandTreeDisconnect:
		return "tree_disconnect"
	case CommandCreate:
		return "create"
	case CommandClose:
		return "close"
	case CommandRead:
		return "read"
	case CommandWrite:
		return "write"
	case CommandIOCtl:
		return "ioctl"
	case CommandCancel:
		return "cancel"
	case CommandEcho:
		return "echo"
	}
	return fmt.Sprintf("0x%04x", cmd)
}

func (m *Metrics) requestSent(cmd uint16) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(commandLabel(cmd)).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) requestDone() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) responseReceived(status uint32) {
	if m == nil {
		return
	}
	switch {
	case status == StatusPending:
		m.responses.WithLabelValues("pending").Inc()
	case IsErrorStatus(status):
		m.responses.WithLabelValues("error").Inc()
	default:
		m.responses.WithLabelValues("success").Inc()
	}
}

func (m *Metrics) setCredits(n int64) {
	if m == nil {
		return
	}
	m.creditsAvailable.Set(float64(n))
}

func (m *Metrics) signatureFailure() {
	if m == nil {
		return
	}
	m.signatureFailures.Inc()
}

func (m *Metrics) timeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}
