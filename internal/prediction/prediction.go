package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/example/cropsense/internal/encoder"
)

// Result is a decoded classification returned by the backend.
type Result struct {
	Crop       string  `json:"crop"`
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence"`
}

// Client submits an encoded payload to the classification backend.
type Client interface {
	Predict(ctx context.Context, payload *encoder.Payload) (*Result, error)
}

// Kind classifies a failed prediction.
type Kind string

const (
	KindTransport Kind = "transport"
	KindHTTP      Kind = "http"
	KindDecode    Kind = "decode"
)

// ClientError is returned by every Client implementation on failure.
// Detail may hold a server body and is meant for logs only.
type ClientError struct {
	Kind       Kind
	StatusCode int
	Detail     string
	Err        error
}

func (e *ClientError) Error() string {
	switch {
	case e.Kind == KindHTTP:
		return fmt.Sprintf("prediction %s error: status %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("prediction %s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("prediction %s error", e.Kind)
	}
}

func (e *ClientError) Unwrap() error { return e.Err }

var (
	errMissingField      = errors.New("missing field")
	errConfidenceOutside = errors.New("confidence outside [0,1]")
)

// Decode parses a response body of the form
// {"crop": string, "disease": string, "confidence": number}.
func Decode(r io.Reader) (*Result, error) {
	var body struct {
		Crop       *string  `json:"crop"`
		Disease    *string  `json:"disease"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, &ClientError{Kind: KindDecode, Err: err}
	}
	switch {
	case body.Crop == nil:
		return nil, &ClientError{Kind: KindDecode, Err: fmt.Errorf("%w: crop", errMissingField)}
	case body.Disease == nil:
		return nil, &ClientError{Kind: KindDecode, Err: fmt.Errorf("%w: disease", errMissingField)}
	case body.Confidence == nil:
		return nil, &ClientError{Kind: KindDecode, Err: fmt.Errorf("%w: confidence", errMissingField)}
	}
	return New(*body.Crop, *body.Disease, *body.Confidence)
}

// New validates the confidence and builds a Result.
func New(crop, disease string, confidence float64) (*Result, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return nil, &ClientError{Kind: KindDecode, Err: fmt.Errorf("%w: %v", errConfidenceOutside, confidence)}
	}
	return &Result{Crop: crop, Disease: disease, Confidence: confidence}, nil
}
