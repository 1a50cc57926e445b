// Package imagesource turns gallery picks, camera captures and uploaded
// bytes into a uniform Handle backed by a file on disk.
package imagesource

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Origin records which capability produced a handle.
type Origin string

const (
	OriginGallery Origin = "gallery"
	OriginCamera  Origin = "camera"
	OriginUpload  Origin = "upload"
)

// ErrCancelled is returned when the user backs out of a picker or the camera.
// It is a normal outcome, not a failure.
var ErrCancelled = errors.New("imagesource: selection cancelled")

// DeviceError reports a picker, camera or storage failure.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("imagesource: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Handle references a selected image. The bytes are read lazily through Open.
type Handle struct {
	ID     string
	Path   string
	Name   string
	Size   int64
	Origin Origin
}

// Open returns a reader over the image bytes.
func (h *Handle) Open() (io.ReadCloser, error) {
	return os.Open(h.Path)
}
