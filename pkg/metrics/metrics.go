// Package metrics holds the Prometheus collectors for the ETL lifecycle.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Termination results.
const (
	TerminationTerminated  = "terminated"
	TerminationAlreadyGone = "already_gone"
	TerminationMalformed   = "malformed"
	TerminationFailed      = "failed"
)

// Metrics groups the collectors. The zero value is not usable; call New.
type Metrics struct {
	ProvisionRequests *prometheus.CounterVec
	OutcomesPublished *prometheus.CounterVec
	Terminations      *prometheus.CounterVec
	SchedulerTicks    *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ProvisionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotetl_provision_requests_total",
			Help: "Compute unit provisioning requests by result.",
		}, []string{"result"}),
		OutcomesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotetl_outcomes_published_total",
			Help: "Outcome messages published by status.",
		}, []string{"status"}),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotetl_terminations_total",
			Help: "Outcome messages handled by the cleanup service by result.",
		}, []string{"result"}),
		SchedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotetl_scheduler_ticks_total",
			Help: "Scheduled trigger invocations by result.",
		}, []string{"result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spotetl_job_duration_seconds",
			Help:    "Wall-clock duration of the ETL body.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"status"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.ProvisionRequests, err = register(reg, m.ProvisionRequests); err != nil {
		return nil, err
	}
	if m.OutcomesPublished, err = register(reg, m.OutcomesPublished); err != nil {
		return nil, err
	}
	if m.Terminations, err = register(reg, m.Terminations); err != nil {
		return nil, err
	}
	if m.SchedulerTicks, err = register(reg, m.SchedulerTicks); err != nil {
		return nil, err
	}
	if m.JobDuration, err = register(reg, m.JobDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, returning the collector already registered under
// the same descriptor when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Discard returns unregistered collectors for callers without a registry.
func Discard() *Metrics {
	m, _ := New(nil)
	return m
}
