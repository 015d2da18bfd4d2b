package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "treasury_agent"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	evaluationsRun    prometheus.Counter
	evaluationsFailed prometheus.Counter
	tradesExecuted    prometheus.Counter
	tradesFailed      prometheus.Counter
	sweepRuns         prometheus.Counter
	feesClaimed       prometheus.Counter
	webhookEvents     prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	evaluationsRun := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "evaluations_run_total",
		Help:      "Total number of evaluation cycles run.",
	})
	evaluationsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "evaluations_failed_total",
		Help:      "Total number of evaluation cycles that errored.",
	})
	tradesExecuted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "trades_executed_total",
		Help:      "Total number of corrective trades executed.",
	})
	tradesFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "trades_failed_total",
		Help:      "Total number of trade dispatch failures.",
	})
	sweepRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "sweep_runs_total",
		Help:      "Total number of scheduled sweep passes.",
	})
	feesClaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "fees_claimed_total",
		Help:      "Total number of successful fee claims.",
	})
	webhookEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "webhook_events_total",
		Help:      "Total number of relevant webhook events accepted.",
	})

	registry.MustRegister(evaluationsRun, evaluationsFailed, tradesExecuted, tradesFailed, sweepRuns, feesClaimed, webhookEvents)

	m := &Metrics{
		EvaluationsRun:    promCounter{evaluationsRun},
		EvaluationsFailed: promCounter{evaluationsFailed},
		TradesExecuted:    promCounter{tradesExecuted},
		TradesFailed:      promCounter{tradesFailed},
		SweepRuns:         promCounter{sweepRuns},
		FeesClaimed:       promCounter{feesClaimed},
		WebhookEvents:     promCounter{webhookEvents},
	}

	return &Prometheus{
		Metrics:           m,
		registry:          registry,
		evaluationsRun:    evaluationsRun,
		evaluationsFailed: evaluationsFailed,
		tradesExecuted:    tradesExecuted,
		tradesFailed:      tradesFailed,
		sweepRuns:         sweepRuns,
		feesClaimed:       feesClaimed,
		webhookEvents:     webhookEvents,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
