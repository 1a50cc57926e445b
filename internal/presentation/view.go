// Package presentation derives what a UI needs from the upload state and
// renders it on a terminal.
package presentation

import (
	"github.com/example/cropsense/internal/prediction"
	"github.com/example/cropsense/internal/upload"
)

const (
	// LowConfidenceThreshold marks results the user should double check.
	LowConfidenceThreshold = 0.6

	LowConfidenceAdvice = "Low confidence. Try a clearer image for better results."
)

// View is the render model for one upload state.
type View struct {
	Phase       string `json:"phase"`
	IsUploading bool   `json:"is_uploading"`
	CanSubmit   bool   `json:"can_submit"`
	ImageName   string `json:"image_name,omitempty"`
	Seq         uint64 `json:"seq,omitempty"`
	RequestID   string `json:"request_id,omitempty"`

	Result            *prediction.Result `json:"result"`
	ConfidencePercent int                `json:"confidence_percent"`
	LowConfidence     bool               `json:"low_confidence"`
	Advice            string             `json:"advice,omitempty"`

	Error *upload.ErrorInfo `json:"error"`
}

func NewView(s upload.State) View {
	v := View{
		Phase:       s.Phase().String(),
		IsUploading: s.IsUploading(),
		CanSubmit:   s.CanSubmit(),
		Seq:         s.Seq(),
		RequestID:   s.RequestID(),
		Result:      s.Result(),
		Error:       s.Failure(),
	}
	if h := s.Handle(); h != nil {
		v.ImageName = h.Name
	}
	if v.Result != nil {
		v.ConfidencePercent = int(v.Result.Confidence * 100)
		if v.Result.Confidence < LowConfidenceThreshold {
			v.LowConfidence = true
			v.Advice = LowConfidenceAdvice
		}
	}
	return v
}
