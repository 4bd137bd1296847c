// Package metrics exposes prometheus collectors for the engine's cycles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksProcessed counts worker-cycle task outcomes by final status
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkengine_tasks_processed_total",
		Help: "Backlink tasks processed by the worker cycle, by final status",
	}, []string{"status"})

	// BacklinksVerified counts indexation checks by result
	BacklinksVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkengine_backlinks_verified_total",
		Help: "Backlink indexation checks, by result",
	}, []string{"result"})

	// BacklinksReplaced counts self-healing replacements
	BacklinksReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkengine_backlinks_replaced_total",
		Help: "Decayed backlinks replaced by the self-healing loop",
	})

	// ExchangeCreditsSettled sums credits awarded by the exchange verifier
	ExchangeCreditsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkengine_exchange_credits_settled_total",
		Help: "Exchange credits settled on verified links",
	})

	// QuotaExhausted counts worker cycles that hit the daily cap
	QuotaExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkengine_worker_quota_exhausted_total",
		Help: "Worker cycle invocations skipped because the daily quota was reached",
	})
)
