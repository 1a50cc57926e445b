package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cropsense/internal/encoder"
	"github.com/example/cropsense/internal/imagesource"
	"github.com/example/cropsense/internal/logging"
	"github.com/example/cropsense/internal/prediction"
	"github.com/example/cropsense/internal/repository"
)

// Encoder turns a selected image into a request payload.
type Encoder interface {
	Encode(ctx context.Context, seq uint64, h *imagesource.Handle) (*encoder.Payload, error)
}

// SourceFunc is a blocking image acquisition such as Gallery.Select or
// Camera.Capture.
type SourceFunc func(ctx context.Context) (*imagesource.Handle, error)

// Controller owns the upload state. Every transition happens under mu and
// is broadcast to subscribers; readers only ever see whole snapshots.
//
// Each Submit gets a fresh sequence number. A submission may only resolve
// the state while the controller is still Uploading that same number, so
// responses that arrive after a newer selection are dropped.
type Controller struct {
	encoder Encoder
	client  prediction.Client
	cache   Cache
	journal Journal
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	seq     uint64
	last    *imagesource.Handle
	subs    map[int]chan State
	nextSub int
	closed  bool
}

// NewController builds a controller in the Idle state. cache and journal may
// be nil.
func NewController(enc Encoder, client prediction.Client, cache Cache, journal Journal, logger *zap.Logger) *Controller {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if journal == nil {
		journal = nopJournal{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		encoder: enc,
		client:  client,
		cache:   cache,
		journal: journal,
		logger:  logger.Named("upload_controller"),
		ctx:     ctx,
		cancel:  cancel,
		state:   idle(),
		subs:    make(map[int]chan State),
	}
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Select makes h the current image from any state. An upload still in
// flight keeps running but its outcome will be discarded.
func (c *Controller) Select(h *imagesource.Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsUploading() {
		c.logger.Info("selection supersedes in-flight submission",
			zap.Uint64("seq", c.state.seq),
			zap.String("request_id", c.state.requestID))
	}
	c.last = h
	c.setLocked(imageSelected(h))
}

// Acquire runs a blocking image source and applies its outcome. A
// cancellation leaves the state untouched and returns ErrCancelled.
func (c *Controller) Acquire(ctx context.Context, source SourceFunc) error {
	h, err := source(ctx)
	switch {
	case err == nil:
		c.Select(h)
		return nil
	case errors.Is(err, imagesource.ErrCancelled):
		return err
	default:
		c.logger.Warn("image acquisition failed", zap.Error(err))
		c.mu.Lock()
		c.setLocked(failed(ErrorInfoFrom(err)))
		c.mu.Unlock()
		return err
	}
}

// Submit starts an upload of the selected image. It does nothing and
// returns false unless the state is ImageSelected.
func (c *Controller) Submit() (uint64, bool) {
	seq, _, ok := c.SubmitRequest()
	return seq, ok
}

// SubmitRequest is Submit that also reports the request ID assigned to the
// new submission.
func (c *Controller) SubmitRequest() (uint64, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanSubmit() || c.closed {
		return 0, "", false
	}

	c.seq++
	seq := c.seq
	h := c.state.handle
	requestID := uuid.NewString()
	c.setLocked(uploading(h, seq, requestID))

	c.wg.Add(1)
	go c.run(h, seq, requestID)
	return seq, requestID, true
}

// Reselect returns from Succeeded or Failed to ImageSelected with the most
// recently selected image so it can be submitted again.
func (c *Controller) Reselect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.phase {
	case PhaseSucceeded, PhaseFailed:
	default:
		return false
	}
	if c.last == nil {
		return false
	}
	c.setLocked(imageSelected(c.last))
	return true
}

// Subscribe returns a channel that always holds the latest state. The
// current state is delivered immediately. Call the returned func to stop.
func (c *Controller) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan State, 1)
	if c.closed {
		ch <- c.state
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.state

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Shutdown stops accepting submissions and waits for in-flight ones. When
// ctx expires first their network calls are cancelled.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		c.cancel()
		<-done
	}
	c.cancel()

	c.mu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
	return err
}

func (c *Controller) setLocked(s State) {
	c.state = s
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

// resolve applies the outcome of submission seq if it is still current.
func (c *Controller) resolve(seq uint64, next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.IsUploading() || c.state.seq != seq {
		return false
	}
	c.setLocked(next)
	return true
}

func (c *Controller) run(h *imagesource.Handle, seq uint64, requestID string) {
	defer c.wg.Done()
	ctx := c.ctx
	opLogger := logging.WithSubmission(c.logger, "upload.submit", requestID, seq)
	start := time.Now()

	status := &SubmissionStatus{RequestID: requestID, Seq: seq, FileName: h.Name, State: "processing", UpdatedAt: start.UTC()}
	if err := c.publishStatus(ctx, status, processingTTL); err != nil {
		opLogger.Warn("failed to publish processing status", zap.Error(logging.Wrap("status.set.processing", requestID, err)))
	}

	result, err := c.predict(ctx, seq, h)

	var next State
	if err != nil {
		info := ErrorInfoFrom(err)
		opLogger.Warn("submission failed", zap.Error(err), zap.String("kind", string(info.Kind)))
		next = failed(info)
	} else {
		opLogger.Info("submission succeeded",
			zap.String("crop", result.Crop),
			zap.String("disease", result.Disease),
			zap.Float64("confidence", result.Confidence))
		next = succeeded(result)
	}

	applied := c.resolve(seq, next)
	if !applied {
		opLogger.Info("discarding stale submission outcome", zap.String("phase", next.phase.String()))
	}

	elapsed := time.Since(start)
	status.State = next.phase.String()
	status.Stale = !applied
	status.Result = next.result
	status.Error = next.failure
	status.UpdatedAt = time.Now().UTC()
	if err := c.publishStatus(ctx, status, outcomeTTL); err != nil {
		opLogger.Warn("failed to publish outcome status", zap.Error(logging.Wrap("status.set.outcome", requestID, err)))
	}

	if err := c.journal.Record(ctx, journalEntry(h, status, elapsed)); err != nil {
		opLogger.Warn("failed to journal submission", zap.Error(err))
	}
}

func (c *Controller) predict(ctx context.Context, seq uint64, h *imagesource.Handle) (*prediction.Result, error) {
	payload, err := c.encoder.Encode(ctx, seq, h)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := payload.Remove(); err != nil {
			c.logger.Debug("failed to remove payload", zap.Error(err), zap.String("path", payload.Path))
		}
	}()
	return c.client.Predict(ctx, payload)
}

func journalEntry(h *imagesource.Handle, status *SubmissionStatus, elapsed time.Duration) *repository.SubmissionLog {
	log := &repository.SubmissionLog{
		RequestID: status.RequestID,
		Seq:       status.Seq,
		FileName:  h.Name,
		Origin:    string(h.Origin),
		Outcome:   status.State,
		LatencyMs: elapsed.Milliseconds(),
		Stale:     status.Stale,
		CreatedAt: status.UpdatedAt,
	}
	if status.Result != nil {
		log.Crop = status.Result.Crop
		log.Disease = status.Result.Disease
		log.Confidence = status.Result.Confidence
	}
	if status.Error != nil {
		log.ErrorKind = string(status.Error.Kind)
		log.StatusCode = status.Error.StatusCode
	}
	return log
}
