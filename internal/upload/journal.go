package upload

import (
	"context"

	"github.com/example/cropsense/internal/repository"
)

// Journal defines the persistence operations needed by the controller.
type Journal interface {
	Record(ctx context.Context, log *repository.SubmissionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.SubmissionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, *repository.SubmissionLog) error { return nil }

func (nopJournal) FindByRequestID(context.Context, string) (*repository.SubmissionLog, error) {
	return nil, repository.ErrNotFound
}

func (nopJournal) AggregateMetrics(context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{}, nil
}
