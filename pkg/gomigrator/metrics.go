package gomigrator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type lockMetrics struct {
	attempts      prometheus.Counter
	acquired      prometheus.Counter
	contended     prometheus.Counter
	releases      prometheus.Counter
	forceReleases prometheus.Counter
	waitSeconds   prometheus.Histogram
}

func newLockMetrics(reg prometheus.Registerer) *lockMetrics {
	m := &lockMetrics{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gomigrator_lock_acquire_attempts_total",
			Help: "Total number of lock acquire attempts that reached the database",
		}),
		acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gomigrator_lock_acquired_total",
			Help: "Total number of successful lock acquisitions",
		}),
		contended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gomigrator_lock_contended_total",
			Help: "Total number of acquire attempts that found the lock held",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gomigrator_lock_releases_total",
			Help: "Total number of lock releases",
		}),
		forceReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gomigrator_lock_force_releases_total",
			Help: "Total number of forced lock releases",
		}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gomigrator_lock_wait_seconds",
			Help:    "Time spent waiting for the lock",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
	m.attempts = register(reg, m.attempts)
	m.acquired = register(reg, m.acquired)
	m.contended = register(reg, m.contended)
	m.releases = register(reg, m.releases)
	m.forceReleases = register(reg, m.forceReleases)
	m.waitSeconds = register(reg, m.waitSeconds)
	return m
}

// register returns the collector already registered under the same
// descriptor, if any.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}

// A nil *lockMetrics is valid and records nothing.

func (m *lockMetrics) incAttempts() {
	if m != nil {
		m.attempts.Inc()
	}
}

func (m *lockMetrics) incAcquired() {
	if m != nil {
		m.acquired.Inc()
	}
}

func (m *lockMetrics) incContended() {
	if m != nil {
		m.contended.Inc()
	}
}

func (m *lockMetrics) incReleases() {
	if m != nil {
		m.releases.Inc()
	}
}

func (m *lockMetrics) incForceReleases() {
	if m != nil {
		m.forceReleases.Inc()
	}
}

func (m *lockMetrics) observeWait(seconds float64) {
	if m != nil {
		m.waitSeconds.Observe(seconds)
	}
}
