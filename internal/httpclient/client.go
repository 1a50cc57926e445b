package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/cropsense/internal/encoder"
	"github.com/example/cropsense/internal/prediction"
)

const (
	// Timeout bounds connect, every read and every write independently.
	Timeout = 60 * time.Second

	predictPath     = "predict"
	maxResponseSize = 1 << 20
	maxDetailSize   = 4 << 10
)

// BodyWrapper lets callers observe the request body as it is sent.
type BodyWrapper func(body io.Reader, size int64) io.Reader

// Option configures a Client.
type Option func(*Client)

// WithBodyWrapper installs a wrapper around every outgoing payload.
func WithBodyWrapper(w BodyWrapper) Option {
	return func(c *Client) { c.wrapBody = w }
}

// Client posts payloads to {baseURL}/predict. It never retries.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
	wrapBody BodyWrapper
}

var _ prediction.Client = (*Client)(nil)

// New returns a client for the fixed backend base URL.
func New(baseURL string, logger *zap.Logger, opts ...Option) (*Client, error) {
	return newClient(baseURL, Timeout, logger, opts...)
}

func newClient(baseURL string, timeout time.Duration, logger *zap.Logger, opts ...Option) (*Client, error) {
	endpoint, err := url.JoinPath(strings.TrimSpace(baseURL), predictPath)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Transport: newTransport(timeout)},
		logger:   logger.Named("http_predictor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the resolved predict URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Predict sends the payload and classifies the outcome.
func (c *Client) Predict(ctx context.Context, payload *encoder.Payload) (*prediction.Result, error) {
	body, err := payload.Open()
	if err != nil {
		return nil, &encoder.EncodeError{Name: payload.FileName, Err: err}
	}
	defer body.Close()

	var reader io.Reader = body
	if c.wrapBody != nil {
		reader = c.wrapBody(body, payload.Size)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, reader)
	if err != nil {
		return nil, &prediction.ClientError{Kind: prediction.KindTransport, Err: err}
	}
	req.ContentLength = payload.Size
	req.GetBody = payload.Open
	req.Header.Set("Content-Type", payload.ContentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("predict request failed", zap.Error(err), zap.Uint64("seq", payload.Seq))
		return nil, &prediction.ClientError{Kind: prediction.KindTransport, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.logger.Warn("reading predict response failed", zap.Error(err), zap.Uint64("seq", payload.Seq))
		return nil, &prediction.ClientError{Kind: prediction.KindTransport, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := truncate(data, maxDetailSize)
		c.logger.Warn("predict rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("detail", detail),
			zap.Uint64("seq", payload.Seq))
		return nil, &prediction.ClientError{Kind: prediction.KindHTTP, StatusCode: resp.StatusCode, Detail: detail}
	}

	result, err := prediction.Decode(bytes.NewReader(data))
	if err != nil {
		c.logger.Warn("predict response malformed",
			zap.Error(err),
			zap.String("detail", truncate(data, maxDetailSize)),
			zap.Uint64("seq", payload.Seq))
		return nil, err
	}

	c.logger.Debug("predict succeeded",
		zap.Uint64("seq", payload.Seq),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("crop", result.Crop))
	return result, nil
}

func truncate(data []byte, limit int) string {
	if len(data) > limit {
		data = data[:limit]
	}
	return strings.TrimSpace(string(data))
}
