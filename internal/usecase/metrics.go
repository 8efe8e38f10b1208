package usecase

import (
	"context"
	"errors"

	"github.com/example/bird-detector/internal/repository"
)

// ErrLogDisabled is returned by log queries when no database is configured.
var ErrLogDisabled = errors.New("prediction log is not configured")

// MetricsSummary represents aggregated relay insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	CachedResponses    int64   `json:"cached_responses"`
	SuccessRate        float64 `json:"success_rate"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates relay metrics from persisted logs.
func (uc *RelayUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrLogDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		CachedResponses:    aggregation.CachedCount,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}

// GetResult returns the stored log of one relay call.
func (uc *RelayUseCase) GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if uc.repo == nil {
		return nil, ErrLogDisabled
	}
	return uc.repo.FindByRequestID(ctx, requestID)
}
