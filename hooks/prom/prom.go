// Package promhooks exports rolesync hook events as Prometheus metrics.
//
// Keys are reduced to their prefix ("role-members", "role-summary") before
// labelling, so per-role and per-subject keys never fan out into series.
package promhooks

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/unkn0wn-root/rolesync"
)

type Hooks struct {
	revalidations   *prometheus.CounterVec
	revalidateFails *prometheus.CounterVec
	staleDropped    *prometheus.CounterVec
	providerErrors  *prometheus.CounterVec
	txTransitions   *prometheus.CounterVec
	retries         prometheus.Counter
	retryDelay      prometheus.Histogram
	ledgerErrors    *prometheus.CounterVec
}

var _ rolesync.Hooks = (*Hooks)(nil)

// New creates the collectors under namespace (default "rolesync") and
// registers them with reg when it is non-nil.
func New(namespace string, reg prometheus.Registerer) (*Hooks, error) {
	if namespace == "" {
		namespace = "rolesync"
	}
	counter := func(sub, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      name,
			Help:      help,
		}, labels)
	}
	h := &Hooks{
		revalidations:   counter("cache", "revalidations_total", "Stale entries served while a refresh started.", "prefix"),
		revalidateFails: counter("cache", "revalidate_failures_total", "Refreshes that failed and kept the stale value.", "prefix"),
		staleDropped:    counter("cache", "stale_writes_dropped_total", "Refresh results dropped after invalidation.", "prefix"),
		providerErrors:  counter("cache", "provider_errors_total", "Provider or generation store I/O failures.", "op", "prefix"),
		txTransitions:   counter("tx", "transitions_total", "Tracked transaction status changes.", "from", "to"),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "confirmation_retries_total",
			Help:      "Confirmation waits that timed out and were retried.",
		}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "retry_delay_seconds",
			Help:      "Backoff applied before a confirmation retry.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ledgerErrors: counter("ledger", "persist_errors_total", "Optimistic ledger persistence failures.", "key"),
	}
	if reg != nil {
		for _, c := range h.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

func (h *Hooks) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		h.revalidations, h.revalidateFails, h.staleDropped, h.providerErrors,
		h.txTransitions, h.retries, h.retryDelay, h.ledgerErrors,
	}
}

func prefix(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

func (h *Hooks) RevalidateStarted(key string) {
	h.revalidations.WithLabelValues(prefix(key)).Inc()
}

func (h *Hooks) RevalidateFailed(key string, _ error) {
	h.revalidateFails.WithLabelValues(prefix(key)).Inc()
}

func (h *Hooks) StaleWriteDropped(key string) {
	h.staleDropped.WithLabelValues(prefix(key)).Inc()
}

func (h *Hooks) ProviderError(op, key string, _ error) {
	h.providerErrors.WithLabelValues(op, prefix(key)).Inc()
}

func (h *Hooks) TxTransition(_ string, from, to rolesync.TxStatus) {
	h.txTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (h *Hooks) ConfirmationRetry(_ string, _ int, delay time.Duration) {
	h.retries.Inc()
	h.retryDelay.Observe(delay.Seconds())
}

func (h *Hooks) LedgerPersistError(key string, _ error) {
	h.ledgerErrors.WithLabelValues(key).Inc()
}
