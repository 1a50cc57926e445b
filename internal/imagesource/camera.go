package imagesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/disintegration/imaging"
)

// JPEGQuality is the quality captured frames are persisted at.
const JPEGQuality = 90

// Device is the external camera UI. Capture blocks until a frame is taken.
// A nil frame with a nil error means the user backed out. A frame with no
// pixels is a device failure.
type Device interface {
	Capture(ctx context.Context) (image.Image, error)
}

// Camera captures a frame and persists it as a JPEG before handing it out.
type Camera struct {
	device Device
	store  *TempStore
}

func NewCamera(device Device, store *TempStore) *Camera {
	return &Camera{device: device, store: store}
}

// Capture returns a handle to a freshly written capture-<uuid>.jpg.
func (c *Camera) Capture(ctx context.Context) (*Handle, error) {
	frame, err := c.device.Capture(ctx)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, ErrCancelled
		}
		return nil, &DeviceError{Op: "camera capture", Err: err}
	}
	if isNilFrame(frame) {
		return nil, ErrCancelled
	}
	if frame.Bounds().Empty() {
		return nil, &DeviceError{Op: "camera capture", Err: errors.New("empty frame")}
	}

	path := c.store.NewPath("capture", ".jpg")
	if err := imaging.Save(frame, path, imaging.JPEGQuality(JPEGQuality)); err != nil {
		_ = os.Remove(path)
		return nil, &DeviceError{Op: "persist capture", Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, &DeviceError{Op: "persist capture", Err: err}
	}

	base := filepath.Base(path)
	return &Handle{
		ID:     strings.TrimSuffix(strings.TrimPrefix(base, "capture-"), ".jpg"),
		Path:   path,
		Name:   base,
		Size:   info.Size(),
		Origin: OriginCamera,
	}, nil
}

// isNilFrame also catches typed nils such as (*image.RGBA)(nil).
func isNilFrame(frame image.Image) bool {
	if frame == nil {
		return true
	}
	v := reflect.ValueOf(frame)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// CommandDevice captures by running an external program that writes one
// encoded image to stdout, e.g. "libcamera-still -n -o -".
type CommandDevice struct {
	argv []string
}

// NewCommandDevice splits command on whitespace. An empty command yields a
// device that always fails.
func NewCommandDevice(command string) *CommandDevice {
	return &CommandDevice{argv: strings.Fields(command)}
}

func (d *CommandDevice) Capture(ctx context.Context) (image.Image, error) {
	if len(d.argv) == 0 {
		return nil, errors.New("no camera command configured")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.argv[0], d.argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	if stdout.Len() == 0 {
		return nil, nil
	}

	frame, err := imaging.Decode(&stdout, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
