package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports the scheduler's counters and gauges, grounded on
// shardcache's prom.Adapter constructor shape (namespace/subsystem/
// const-labels, CounterVec for reason-labelled counts).
type Metrics struct {
	admissionOutcomes *prometheus.CounterVec
	fetchOutcomes     *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	activeSlots       prometheus.Gauge
}

// NewMetrics constructs and registers a Metrics set. reg may be nil,
// in which case prometheus.DefaultRegisterer is used.
func NewMetrics(reg prometheus.Registerer, constLabels prometheus.Labels) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		admissionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rhizome",
			Subsystem:   "fetch",
			Name:        "admission_outcomes_total",
			Help:        "Admission (suggest) outcomes by result",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rhizome",
			Subsystem:   "fetch",
			Name:        "fetch_outcomes_total",
			Help:        "try_fetch outcomes by result",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "rhizome",
			Subsystem:   "fetch",
			Name:        "queue_depth",
			Help:        "Resident candidates per queue",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		activeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rhizome",
			Subsystem:   "fetch",
			Name:        "active_slots",
			Help:        "Number of non-FREE transfer slots",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(m.admissionOutcomes, m.fetchOutcomes, m.queueDepth, m.activeSlots)
	return m
}

// RecordAdmission increments the admission counter for outcome o.
func (m *Metrics) RecordAdmission(o Outcome) {
	if m == nil {
		return
	}
	m.admissionOutcomes.WithLabelValues(o.String()).Inc()
}

// RecordFetch increments the fetch counter for outcome o.
func (m *Metrics) RecordFetch(o Outcome) {
	if m == nil {
		return
	}
	m.fetchOutcomes.WithLabelValues(o.String()).Inc()
}

// SetQueueDepth reports the current length of queue index i.
func (m *Metrics) SetQueueDepth(i int, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queueLabel(i)).Set(float64(depth))
}

// SetActiveSlots reports the current count of non-FREE slots.
func (m *Metrics) SetActiveSlots(n int) {
	if m == nil {
		return
	}
	m.activeSlots.Set(float64(n))
}

func queueLabel(i int) string {
	const digits = "0123456789"
	if i < 0 {
		return "neg"
	}
	if i < 10 {
		return string(digits[i])
	}
	// Queue counts are small (default 5); this covers any larger
	// configuration without pulling in strconv for a label that is
	// otherwise a single digit.
	var buf []byte
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return string(buf)
}
