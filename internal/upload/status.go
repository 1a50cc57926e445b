package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/cropsense/internal/prediction"
	"github.com/example/cropsense/internal/repository"
)

const (
	processingTTL = 3 * time.Minute
	outcomeTTL    = 30 * time.Minute
)

// SubmissionStatus is what GET /submissions/:id reports.
type SubmissionStatus struct {
	RequestID string             `json:"request_id"`
	Seq       uint64             `json:"seq"`
	FileName  string             `json:"file_name"`
	State     string             `json:"state"`
	Stale     bool               `json:"stale"`
	Result    *prediction.Result `json:"result,omitempty"`
	Error     *ErrorInfo         `json:"error,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func statusKey(requestID string) string {
	return fmt.Sprintf("submission:%s", requestID)
}

func (c *Controller) publishStatus(ctx context.Context, status *SubmissionStatus, ttl time.Duration) error {
	serialized, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, statusKey(status.RequestID), string(serialized), ttl)
}

// Status returns the last published status of a submission. Once the cached
// entry has expired the journal answers for resolved submissions.
func (c *Controller) Status(ctx context.Context, requestID string) (*SubmissionStatus, error) {
	raw, err := c.cache.Get(ctx, statusKey(requestID))
	if errors.Is(err, ErrNotFound) {
		return c.journaledStatus(ctx, requestID)
	}
	if err != nil {
		return nil, err
	}
	var status SubmissionStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("decode submission status: %w", err)
	}
	return &status, nil
}

func (c *Controller) journaledStatus(ctx context.Context, requestID string) (*SubmissionStatus, error) {
	log, err := c.journal.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	status := &SubmissionStatus{
		RequestID: log.RequestID,
		Seq:       log.Seq,
		FileName:  log.FileName,
		State:     log.Outcome,
		Stale:     log.Stale,
		UpdatedAt: log.CreatedAt,
	}
	if log.ErrorKind != "" {
		status.Error = newErrorInfo(ErrorKind(log.ErrorKind), log.StatusCode)
	} else {
		status.Result = &prediction.Result{Crop: log.Crop, Disease: log.Disease, Confidence: log.Confidence}
	}
	return status, nil
}
