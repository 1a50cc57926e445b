package upload

import "context"

// MetricsSummary represents aggregated submission insights.
type MetricsSummary struct {
	TotalSubmissions      int64   `json:"total_submissions"`
	SuccessfulSubmissions int64   `json:"successful_submissions"`
	StaleSubmissions      int64   `json:"stale_submissions"`
	SuccessRate           float64 `json:"success_rate"`
	AverageConfidence     float64 `json:"average_confidence"`
	AverageLatencyMs      float64 `json:"average_latency_ms"`
}

// MetricsSummary aggregates the journal.
func (c *Controller) MetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	agg, err := c.journal.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalSubmissions:      agg.TotalCount,
		SuccessfulSubmissions: agg.SuccessCount,
		StaleSubmissions:      agg.StaleCount,
		AverageConfidence:     agg.AverageConfidence,
		AverageLatencyMs:      agg.AverageLatencyMs,
	}
	if agg.TotalCount > 0 {
		summary.SuccessRate = float64(agg.SuccessCount) / float64(agg.TotalCount)
	}
	return summary, nil
}
