// Package metrics records what the authenticated client does: renewals,
// waiters that joined an in-flight renewal, replayed requests, and session
// terminations.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess          = "success"
	OutcomeFailure          = "failure"
	OutcomeRejected         = "rejected"
	OutcomeTransportFailure = "transport_failure"
	OutcomeAuthInvalid      = "auth_invalid"
	OutcomeUnauthenticated  = "unauthenticated"
	OutcomeCanceled         = "canceled"
)

type Recorder interface {
	RenewalStarted()
	RenewalJoined()
	RenewalFinished(outcome string, elapsed time.Duration)
	RequestRetried()
	RequestCompleted(outcome string)
	SessionTerminated()
}

type Noop struct{}

func (Noop) RenewalStarted()                       {}
func (Noop) RenewalJoined()                        {}
func (Noop) RenewalFinished(string, time.Duration) {}
func (Noop) RequestRetried()                       {}
func (Noop) RequestCompleted(string)               {}
func (Noop) SessionTerminated()                    {}

// OrNoop returns r, or a Noop recorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

type Prometheus struct {
	renewalsStarted  prometheus.Counter
	renewalsJoined   prometheus.Counter
	renewalsFinished *prometheus.CounterVec
	renewalDuration  prometheus.Histogram
	retries          prometheus.Counter
	requests         *prometheus.CounterVec
	terminations     prometheus.Counter
}

var _ Recorder = (*Prometheus)(nil)

func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		return nil, errors.New("metrics: registerer is nil")
	}
	if namespace == "" {
		namespace = "planauth"
	}

	p := &Prometheus{
		renewalsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_started_total",
			Help:      "Renewal calls issued against the refresh endpoint.",
		}),
		renewalsJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_waiters_total",
			Help:      "Callers that waited on an in-flight renewal instead of starting one.",
		}),
		renewalsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_finished_total",
			Help:      "Completed renewals by outcome.",
		}, []string{"outcome"}),
		renewalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "renewal_duration_seconds",
			Help:      "Wall time of renewal calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_retried_total",
			Help:      "Requests replayed after a successful renewal.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Logical calls by terminal outcome.",
		}, []string{"outcome"}),
		terminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_terminations_total",
			Help:      "Sessions ended because renewal was impossible.",
		}),
	}

	collectors := []prometheus.Collector{
		p.renewalsStarted,
		p.renewalsJoined,
		p.renewalsFinished,
		p.renewalDuration,
		p.retries,
		p.requests,
		p.terminations,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Prometheus) RenewalStarted() { p.renewalsStarted.Inc() }

func (p *Prometheus) RenewalJoined() { p.renewalsJoined.Inc() }

func (p *Prometheus) RenewalFinished(outcome string, elapsed time.Duration) {
	p.renewalsFinished.WithLabelValues(outcome).Inc()
	p.renewalDuration.Observe(elapsed.Seconds())
}

func (p *Prometheus) RequestRetried() { p.retries.Inc() }

func (p *Prometheus) RequestCompleted(outcome string) {
	p.requests.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) SessionTerminated() { p.terminations.Inc() }
