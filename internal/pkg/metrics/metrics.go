// Package metrics exposes the pipeline's Prometheus collectors. Collectors
// are registered on an injected registry so tests and processes stay isolated.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tsxstudio"

type Metrics struct {
	registry *prometheus.Registry

	JobsFinished    *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	QueueEnqueued   *prometheus.CounterVec
	QueueRetries    *prometheus.CounterVec
	QueueDeadLetter *prometheus.CounterVec
	CreditsAdmitted prometheus.Counter
	CreditsRefunded prometheus.Counter
	Admissions      *prometheus.CounterVec
}

// New registers all collectors on reg. A nil reg gets a fresh registry with
// the Go and process collectors attached.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{
		registry: reg,
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state.",
		}, []string{"kind", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time from RUNNING to a terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		}, []string{"kind", "status"}),
		QueueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Messages published per queue.",
		}, []string{"queue"}),
		QueueRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_retries_total",
			Help:      "Messages scheduled for another attempt.",
		}, []string{"queue"}),
		QueueDeadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dead_letter_total",
			Help:      "Messages that exhausted their attempts.",
		}, []string{"queue"}),
		CreditsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_admitted_total",
			Help:      "Credits deducted at admission.",
		}),
		CreditsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_refunded_total",
			Help:      "Credits returned by refunds.",
		}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission attempts by outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.JobsFinished,
		m.JobDuration,
		m.QueueEnqueued,
		m.QueueRetries,
		m.QueueDeadLetter,
		m.CreditsAdmitted,
		m.CreditsRefunded,
		m.Admissions,
	)
	return m
}

// ObserveJob records a terminal transition. Safe on a nil receiver.
func (m *Metrics) ObserveJob(kind, status string, started time.Time) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(kind, status).Inc()
	if !started.IsZero() {
		m.JobDuration.WithLabelValues(kind, status).Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) ObserveAdmission(kind, outcome string, credits int) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(kind, outcome).Inc()
	if outcome == "admitted" && credits > 0 {
		m.CreditsAdmitted.Add(float64(credits))
	}
}

func (m *Metrics) ObserveRefund(credits int) {
	if m == nil || credits <= 0 {
		return
	}
	m.CreditsRefunded.Add(float64(credits))
}

func (m *Metrics) ObserveEnqueue(queue string) {
	if m == nil {
		return
	}
	m.QueueEnqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) ObserveRetry(queue string) {
	if m == nil {
		return
	}
	m.QueueRetries.WithLabelValues(queue).Inc()
}

func (m *Metrics) ObserveDeadLetter(queue string) {
	if m == nil {
		return
	}
	m.QueueDeadLetter.WithLabelValues(queue).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
