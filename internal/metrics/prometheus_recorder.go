package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "sessfuzz"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once          sync.Once
	executions    prom.Counter
	interesting   prom.Counter
	execDuration  prom.Histogram
	states        prom.Gauge
	transitions   prom.Gauge
	corpus        prom.Gauge
	mutations     *prom.CounterVec
	importSkipped *prom.CounterVec

	graphMu        sync.Mutex
	maxStates      int
	maxTransitions int
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.executions = prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total target executions",
		})
		pr.interesting = prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "interesting_total",
			Help:      "Executions that discovered a state or transition",
		})
		pr.execDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "exec_duration_seconds",
			Help:      "Duration of a single session replay",
			Buckets:   prom.ExponentialBuckets(0.0001, 4, 10),
		})
		pr.states = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_states",
			Help:      "Distinct states in the state graph",
		})
		pr.transitions = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_transitions",
			Help:      "Distinct transitions in the state graph",
		})
		pr.corpus = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "corpus_size",
			Help:      "Inputs in the corpus",
		})
		pr.mutations = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutations applied by strategy",
		}, []string{"strategy"})
		pr.importSkipped = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "import_skipped_records_total",
			Help:      "Capture records skipped during import by reason",
		}, []string{"reason"})
		reg.MustRegister(pr.executions, pr.interesting, pr.execDuration, pr.states, pr.transitions, pr.corpus, pr.mutations, pr.importSkipped)
	})
	return pr
}

func (p *PrometheusRecorder) IncExecutions() {
	if p == nil || p.executions == nil {
		return
	}
	p.executions.Inc()
}

func (p *PrometheusRecorder) IncInteresting() {
	if p == nil || p.interesting == nil {
		return
	}
	p.interesting.Inc()
}

func (p *PrometheusRecorder) ObserveExecDuration(d time.Duration) {
	if p == nil || p.execDuration == nil {
		return
	}
	p.execDuration.Observe(d.Seconds())
}

// SetGraphSize records the graph size. The graph only grows, so concurrent
// reporters may arrive out of order; smaller values never overwrite larger ones.
func (p *PrometheusRecorder) SetGraphSize(states, transitions int) {
	if p == nil || p.states == nil {
		return
	}
	p.graphMu.Lock()
	defer p.graphMu.Unlock()
	if states > p.maxStates {
		p.maxStates = states
		p.states.Set(float64(states))
	}
	if transitions > p.maxTransitions {
		p.maxTransitions = transitions
		p.transitions.Set(float64(transitions))
	}
}

func (p *PrometheusRecorder) SetCorpusSize(n int) {
	if p == nil || p.corpus == nil {
		return
	}
	p.corpus.Set(float64(n))
}

func (p *PrometheusRecorder) IncMutation(strategy string) {
	if p == nil || p.mutations == nil {
		return
	}
	p.mutations.WithLabelValues(strategy).Inc()
}

func (p *PrometheusRecorder) IncImportSkipped(reason string) {
	if p == nil || p.importSkipped == nil {
		return
	}
	p.importSkipped.WithLabelValues(reason).Inc()
}
