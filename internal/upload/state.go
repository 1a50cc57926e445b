package upload

import (
	"errors"

	"github.com/example/cropsense/internal/encoder"
	"github.com/example/cropsense/internal/imagesource"
	"github.com/example/cropsense/internal/prediction"
)

// Phase names the single state the controller is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseImageSelected
	PhaseUploading
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseImageSelected:
		return "image_selected"
	case PhaseUploading:
		return "uploading"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a failed attempt.
type ErrorKind string

const (
	ErrorDevice    ErrorKind = "device"
	ErrorEncode    ErrorKind = "encode"
	ErrorTransport ErrorKind = "transport"
	ErrorHTTP      ErrorKind = "http"
	ErrorDecode    ErrorKind = "decode"
)

var userMessages = map[ErrorKind]string{
	ErrorDevice:    "The camera or photo picker could not provide an image. Please try again.",
	ErrorEncode:    "The selected image could not be read. Please choose another image.",
	ErrorTransport: "Could not reach the analysis service. Check your connection and try again.",
	ErrorHTTP:      "The analysis service could not process the image. Please try again later.",
	ErrorDecode:    "The analysis service returned an unexpected result. Please try again.",
}

// ErrorInfo is the user-facing description of a failure. Message never
// contains server output.
type ErrorInfo struct {
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
}

func newErrorInfo(kind ErrorKind, statusCode int) *ErrorInfo {
	return &ErrorInfo{Kind: kind, StatusCode: statusCode, Message: userMessages[kind]}
}

// ErrorInfoFrom maps pipeline errors onto ErrorInfo. Unknown errors are
// reported as transport failures.
func ErrorInfoFrom(err error) *ErrorInfo {
	var (
		clientErr *prediction.ClientError
		encErr    *encoder.EncodeError
		devErr    *imagesource.DeviceError
	)
	switch {
	case errors.As(err, &clientErr):
		switch clientErr.Kind {
		case prediction.KindHTTP:
			return newErrorInfo(ErrorHTTP, clientErr.StatusCode)
		case prediction.KindDecode:
			return newErrorInfo(ErrorDecode, 0)
		default:
			return newErrorInfo(ErrorTransport, 0)
		}
	case errors.As(err, &encErr):
		return newErrorInfo(ErrorEncode, 0)
	case errors.As(err, &devErr):
		return newErrorInfo(ErrorDevice, 0)
	default:
		return newErrorInfo(ErrorTransport, 0)
	}
}

// State is an immutable snapshot. Only the fields belonging to its phase
// are set; the constructors below are the only way to build one.
type State struct {
	phase     Phase
	handle    *imagesource.Handle
	seq       uint64
	requestID string
	result    *prediction.Result
	failure   *ErrorInfo
}

func idle() State { return State{phase: PhaseIdle} }

func imageSelected(h *imagesource.Handle) State {
	return State{phase: PhaseImageSelected, handle: h}
}

func uploading(h *imagesource.Handle, seq uint64, requestID string) State {
	return State{phase: PhaseUploading, handle: h, seq: seq, requestID: requestID}
}

func succeeded(r *prediction.Result) State { return State{phase: PhaseSucceeded, result: r} }

func failed(e *ErrorInfo) State { return State{phase: PhaseFailed, failure: e} }

func (s State) Phase() Phase { return s.phase }

// Handle is set while an image is selected or uploading.
func (s State) Handle() *imagesource.Handle { return s.handle }

// Seq is the sequence number of the in-flight submission, zero otherwise.
func (s State) Seq() uint64 { return s.seq }

// RequestID identifies the in-flight submission.
func (s State) RequestID() string { return s.requestID }

func (s State) IsUploading() bool { return s.phase == PhaseUploading }

// Result is set only in PhaseSucceeded.
func (s State) Result() *prediction.Result { return s.result }

// Failure is set only in PhaseFailed.
func (s State) Failure() *ErrorInfo { return s.failure }

// CanSubmit reports whether Submit would start a new upload.
func (s State) CanSubmit() bool { return s.phase == PhaseImageSelected }
