package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/cropsense/internal/logging"
)

func newMockRepository(t *testing.T) (*SubmissionRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	return NewSubmissionRepository(db, zap.NewNop()), mock
}

func TestRecordInsertsLog(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "submission_logs"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	log := &SubmissionLog{
		RequestID:  "req-1",
		Seq:        1,
		FileName:   "leaf.jpg",
		Outcome:    "succeeded",
		Crop:       "Tomato",
		Disease:    "Early Blight",
		Confidence: 0.82,
		CreatedAt:  time.Now().UTC(),
	}
	if err := repo.Record(context.Background(), log); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log.ID != 7 {
		t.Fatalf("expected id 7, got %d", log.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordReturnsOperationError(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "submission_logs"`)).
		WillReturnError(errors.New("connection reset"))

	err := repo.Record(context.Background(), &SubmissionLog{RequestID: "req-2"})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "repository.record" || opErr.RequestID != "req-2" {
		t.Fatalf("unexpected operation error: %+v", opErr)
	}
}

func TestAggregateMetricsScansColumns(t *testing.T) {
	repo, mock := newMockRepository(t)
	rows := sqlmock.NewRows([]string{"total_count", "success_count", "stale_count", "average_confidence", "average_latency_ms"}).
		AddRow(4, 3, 1, 0.7, 120.5)
	mock.ExpectQuery(`SELECT COUNT\(\*\) AS total_count`).WillReturnRows(rows)

	agg, err := repo.AggregateMetrics(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	want := MetricsAggregation{TotalCount: 4, SuccessCount: 3, StaleCount: 1, AverageConfidence: 0.7, AverageLatencyMs: 120.5}
	if *agg != want {
		t.Fatalf("expected %+v, got %+v", want, *agg)
	}
}

func TestFindByRequestID(t *testing.T) {
	repo, mock := newMockRepository(t)
	rows := sqlmock.NewRows([]string{"id", "request_id", "seq", "file_name", "outcome", "crop", "disease", "confidence", "stale"}).
		AddRow(9, "req-9", 2, "leaf.jpg", "succeeded", "Tomato", "Early Blight", 0.82, false)
	mock.ExpectQuery(`SELECT \* FROM "submission_logs" WHERE request_id = \$1`).WillReturnRows(rows)

	log, err := repo.FindByRequestID(context.Background(), "req-9")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log.ID != 9 || log.Seq != 2 || log.Crop != "Tomato" || log.Confidence != 0.82 {
		t.Fatalf("unexpected log %+v", log)
	}
}

func TestFindByRequestIDNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(`SELECT \* FROM "submission_logs" WHERE request_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := repo.FindByRequestID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByRequestIDWrapsFailures(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(`SELECT \* FROM "submission_logs"`).WillReturnError(errors.New("connection reset"))

	_, err := repo.FindByRequestID(context.Background(), "req-3")
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "repository.find_by_request_id" {
		t.Fatalf("expected OperationError, got %v", err)
	}
}
