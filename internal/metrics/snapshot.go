// ABOUTME: JSON snapshot of the Prometheus registry for GET /metrics
// ABOUTME: walks gathered families so both endpoints report the same numbers

package metrics

import (
	"fmt"
	"math"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Snapshot is the admin-facing JSON view of the registry.
type Snapshot struct {
	ActiveSessions     int64            `json:"active_sessions"`
	PushConnections    int64            `json:"push_connections"`
	TotalMessages      int64            `json:"total_messages"`
	ResponseTime       ResponseTime     `json:"response_time"`
	Errors             map[string]int64 `json:"errors"`
	IntentDistribution map[string]int64 `json:"intent_distribution"`
	Providers          Providers        `json:"providers"`
	Timestamp          time.Time        `json:"timestamp"`
}

// ResponseTime carries the summary percentiles in milliseconds.
type ResponseTime struct {
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
	Count uint64  `json:"count"`
}

// Providers names the configured failover chain and how often it was used.
type Providers struct {
	Primary      string   `json:"primary"`
	Fallback     []string `json:"fallback,omitempty"`
	FallbackUsed int64    `json:"fallback_used"`
}

// Snapshot gathers the registry into the JSON view.
func (m *Metrics) Snapshot() (*Snapshot, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}

	snap := &Snapshot{
		Errors:             make(map[string]int64),
		IntentDistribution: make(map[string]int64),
		Timestamp:          time.Now().UTC(),
	}
	if len(m.providerNames) > 0 {
		snap.Providers.Primary = m.providerNames[0]
		snap.Providers.Fallback = m.providerNames[1:]
	}

	prefix := namespace + "_" + subsystem + "_"
	for _, mf := range families {
		switch mf.GetName() {
		case prefix + "response_time_seconds":
			fillResponseTime(&snap.ResponseTime, mf)
		case prefix + "messages_total":
			snap.TotalMessages = int64(counterValue(mf))
		case prefix + "active_sessions":
			snap.ActiveSessions = int64(gaugeValue(mf))
		case prefix + "push_connections":
			snap.PushConnections = int64(gaugeValue(mf))
		case prefix + "errors_total":
			sumByLabel(snap.Errors, mf, "kind")
		case prefix + "intent_classifications_total":
			sumByLabel(snap.IntentDistribution, mf, "intent")
		case prefix + "llm_fallback_total":
			snap.Providers.FallbackUsed = int64(counterValue(mf))
		}
	}
	return snap, nil
}

func fillResponseTime(rt *ResponseTime, mf *dto.MetricFamily) {
	for _, m := range mf.GetMetric() {
		s := m.GetSummary()
		rt.Count = s.GetSampleCount()
		for _, q := range s.GetQuantile() {
			// Quantiles are NaN until the first observation; NaN does not
			// survive json.Marshal.
			v := q.GetValue()
			if math.IsNaN(v) {
				v = 0
			}
			ms := v * 1000
			switch q.GetQuantile() {
			case 0.5:
				rt.P50Ms = ms
			case 0.95:
				rt.P95Ms = ms
			case 0.99:
				rt.P99Ms = ms
			}
		}
	}
}

func counterValue(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func gaugeValue(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetGauge().GetValue()
	}
	return total
}

// sumByLabel folds a counter vector into out keyed by one label, summing
// over the other labels.
func sumByLabel(out map[string]int64, mf *dto.MetricFamily, label string) {
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += int64(m.GetCounter().GetValue())
			}
		}
	}
}
