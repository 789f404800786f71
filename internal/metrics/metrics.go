// ABOUTME: Prometheus collectors for the orchestrator
// ABOUTME: one registry feeds both the exposition endpoint and the JSON snapshot

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "careline"
	subsystem = "orchestrator"
)

// Error kinds recorded under errors_total.
const (
	KindValidation      = "validation"
	KindProviderFailure = "provider_failure"
	KindDispatchFailure = "dispatch_failure"
	KindAgentTimeout    = "agent_timeout"
	KindStoreOutage     = "store_outage"
	KindProtocolError   = "protocol_error"
)

// Metrics owns every collector the orchestrator reports. Methods are
// nil-safe so components can run without metrics in tests.
type Metrics struct {
	reg *prometheus.Registry

	providerNames []string

	responseTime      prometheus.Summary
	messagesTotal     prometheus.Counter
	intents           *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	providerFailures  *prometheus.CounterVec
	fallbackUsed      *prometheus.CounterVec
	circuitOpened     *prometheus.CounterVec
	busProtocolErrors *prometheus.CounterVec
	duplicateDrops    prometheus.Counter
	forwardedTotal    prometheus.Counter
	forwardDropped    prometheus.Counter
	pushDropped       *prometheus.CounterVec
}

// Options configures New.
type Options struct {
	// Registry receives the collectors; a fresh one is created when nil.
	Registry *prometheus.Registry

	// ProviderNames in failover order, surfaced in the JSON snapshot.
	ProviderNames []string

	// ActiveSessions and PushConnections are polled at scrape time when
	// non-nil.
	ActiveSessions  func() float64
	PushConnections func() float64
}

// New builds the collector set on its own registry.
func New(opts Options) *Metrics {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		reg:           reg,
		providerNames: opts.ProviderNames,
		responseTime: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  namespace,
			Subsystem:  subsystem,
			Name:       "response_time_seconds",
			Help:       "End-to-end /chat handling time.",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Chat messages accepted.",
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "intent_classifications_total",
			Help:      "Classification outcomes by intent and source.",
		}, []string{"intent", "source"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Errors by kind.",
		}, []string{"kind"}),
		providerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "llm_provider_failures_total",
			Help:      "Failed LLM calls by provider.",
		}, []string{"provider"}),
		fallbackUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "llm_fallback_total",
			Help:      "Responses served by a non-primary provider.",
		}, []string{"provider"}),
		circuitOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "llm_circuit_opened_total",
			Help:      "Circuit-breaker openings by provider.",
		}, []string{"provider"}),
		busProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bus_protocol_errors_total",
			Help:      "Malformed bus messages by topic.",
		}, []string{"topic"}),
		duplicateDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bus_duplicate_drops_total",
			Help:      "Redelivered responses dropped after a completed correlation.",
		}),
		forwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bus_forwarded_total",
			Help:      "Responses republished to the forwarding topic.",
		}),
		forwardDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bus_forward_dropped_total",
			Help:      "Forwarded responses that still matched no local correlation.",
		}),
		pushDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_dropped_total",
			Help:      "Push frames dropped by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.responseTime, m.messagesTotal, m.intents, m.errorsTotal,
		m.providerFailures, m.fallbackUsed, m.circuitOpened,
		m.busProtocolErrors, m.duplicateDrops, m.forwardedTotal,
		m.forwardDropped, m.pushDropped,
	)

	if opts.ActiveSessions != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Live sessions in the store.",
		}, opts.ActiveSessions))
	}
	if opts.PushConnections != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_connections",
			Help:      "Live push connections on this instance.",
		}, opts.PushConnections))
	}

	return m
}

// Registry exposes the backing registry for the exposition handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveResponseTime records one end-to-end /chat duration.
func (m *Metrics) ObserveResponseTime(d time.Duration) {
	if m == nil {
		return
	}
	m.responseTime.Observe(d.Seconds())
}

// MessageAccepted counts an accepted chat message.
func (m *Metrics) MessageAccepted() {
	if m == nil {
		return
	}
	m.messagesTotal.Inc()
}

// IntentClassified records a classification outcome.
func (m *Metrics) IntentClassified(intent, source string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(intent, source).Inc()
}

// RecordError counts an error by kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// DuplicateDrop counts a redelivery dropped as already completed.
func (m *Metrics) DuplicateDrop() {
	if m == nil {
		return
	}
	m.duplicateDrops.Inc()
}

// Forwarded counts a response republished to the forwarding topic.
func (m *Metrics) Forwarded() {
	if m == nil {
		return
	}
	m.forwardedTotal.Inc()
}

// ForwardDropped counts a forwarded response with no local correlation.
func (m *Metrics) ForwardDropped() {
	if m == nil {
		return
	}
	m.forwardDropped.Inc()
}

// ProviderFailed implements the LLM registry's observer.
func (m *Metrics) ProviderFailed(name string, err error) {
	if m == nil {
		return
	}
	m.providerFailures.WithLabelValues(name).Inc()
}

// FallbackUsed implements the LLM registry's observer.
func (m *Metrics) FallbackUsed(primary, used string) {
	if m == nil {
		return
	}
	m.fallbackUsed.WithLabelValues(used).Inc()
}

// CircuitOpened implements the LLM registry's observer.
func (m *Metrics) CircuitOpened(name string, until time.Time) {
	if m == nil {
		return
	}
	m.circuitOpened.WithLabelValues(name).Inc()
}

// ProtocolError implements the bus consumer's metrics hook.
func (m *Metrics) ProtocolError(topic string) {
	if m == nil {
		return
	}
	m.busProtocolErrors.WithLabelValues(topic).Inc()
	m.errorsTotal.WithLabelValues(KindProtocolError).Inc()
}

// PushDropped implements the push hub's metrics hook.
func (m *Metrics) PushDropped(reason string) {
	if m == nil {
		return
	}
	m.pushDropped.WithLabelValues(reason).Inc()
}
