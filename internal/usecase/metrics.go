package usecase

import (
	"context"

	"github.com/example/voice-check/internal/repository"
)

// KindSummary holds aggregated insights for one transaction kind.
type KindSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AverageScore       float64 `json:"average_score"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// MetricsSummary represents aggregated enrollment and verification insights.
type MetricsSummary struct {
	Enrollment   KindSummary `json:"enrollment"`
	Verification KindSummary `json:"verification"`
}

// GetMetricsSummary aggregates metrics from persisted logs.
func (uc *VoiceUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	rows, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{}
	for _, row := range rows {
		ks := KindSummary{
			TotalRequests:      row.TotalCount,
			SuccessfulRequests: row.SuccessCount,
			AverageScore:       row.AverageScore,
			AverageLatencyMs:   row.AverageLatencyMs,
		}
		if row.TotalCount > 0 {
			ks.SuccessRate = float64(row.SuccessCount) / float64(row.TotalCount)
		}
		switch row.Kind {
		case repository.KindEnrollment:
			summary.Enrollment = ks
		case repository.KindVerification:
			summary.Verification = ks
		}
	}
	return summary, nil
}
