package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/cropsense/internal/logging"
)

// ErrNotFound is returned when no log exists for a request ID.
var ErrNotFound = errors.New("repository: submission not found")

// SubmissionLog is one resolved submission.
type SubmissionLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Seq        uint64    `gorm:"column:seq"`
	FileName   string    `gorm:"column:file_name;size:255"`
	Origin     string    `gorm:"column:origin;size:16"`
	Outcome    string    `gorm:"column:outcome;size:16;index"`
	ErrorKind  string    `gorm:"column:error_kind;size:16"`
	StatusCode int       `gorm:"column:status_code"`
	Crop       string    `gorm:"column:crop;size:128"`
	Disease    string    `gorm:"column:disease;size:128"`
	Confidence float64   `gorm:"column:confidence"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	Stale      bool      `gorm:"column:stale"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (SubmissionLog) TableName() string {
	return "submission_logs"
}

// MetricsAggregation is the raw aggregate over all logged submissions.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	StaleCount        int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// SubmissionRepository persists submission logs with gorm.
type SubmissionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewSubmissionRepository(db *gorm.DB, logger *zap.Logger) *SubmissionRepository {
	return &SubmissionRepository{db: db, logger: logger.Named("submission_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *SubmissionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SubmissionLog{})
}

// Record inserts a log entry.
func (r *SubmissionRepository) Record(ctx context.Context, log *SubmissionLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		wrapped := logging.Wrap("repository.record", log.RequestID, err)
		r.logger.Error("failed to record submission", zap.Error(wrapped))
		return wrapped
	}
	return nil
}

// FindByRequestID loads a single log entry.
func (r *SubmissionRepository) FindByRequestID(ctx context.Context, requestID string) (*SubmissionLog, error) {
	var log SubmissionLog
	if err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, logging.Wrap("repository.find_by_request_id", requestID, err)
	}
	return &log, nil
}

// AggregateMetrics summarises every logged submission.
func (r *SubmissionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.db.WithContext(ctx).
		Model(&SubmissionLog{}).
		Select(`COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN outcome = 'succeeded' THEN 1 ELSE 0 END), 0) AS success_count,
			COALESCE(SUM(CASE WHEN stale THEN 1 ELSE 0 END), 0) AS stale_count,
			COALESCE(AVG(CASE WHEN outcome = 'succeeded' THEN confidence END), 0) AS average_confidence,
			COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
		Scan(&agg).Error
	if err != nil {
		return nil, logging.Wrap("repository.aggregate_metrics", "", err)
	}
	return &agg, nil
}
