package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	EvaluationsRun    Counter
	EvaluationsFailed Counter
	TradesExecuted    Counter
	TradesFailed      Counter
	SweepRuns         Counter
	FeesClaimed       Counter
	WebhookEvents     Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		EvaluationsRun:    n,
		EvaluationsFailed: n,
		TradesExecuted:    n,
		TradesFailed:      n,
		SweepRuns:         n,
		FeesClaimed:       n,
		WebhookEvents:     n,
	}
}
