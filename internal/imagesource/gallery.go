package imagesource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Picker is the external gallery UI. Pick blocks until the user chooses a
// file, returning its path, or ErrCancelled when they back out.
type Picker interface {
	Pick(ctx context.Context) (string, error)
}

// Gallery selects an existing image file through a Picker.
type Gallery struct {
	picker Picker
}

func NewGallery(picker Picker) *Gallery {
	return &Gallery{picker: picker}
}

// Select waits for the picker and returns a handle to the chosen file.
func (g *Gallery) Select(ctx context.Context) (*Handle, error) {
	path, err := g.picker.Pick(ctx)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, ErrCancelled
		}
		return nil, &DeviceError{Op: "gallery pick", Err: err}
	}
	if path == "" {
		return nil, ErrCancelled
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &DeviceError{Op: "gallery stat", Err: err}
	}
	if info.IsDir() {
		return nil, &DeviceError{Op: "gallery stat", Err: fmt.Errorf("%s is a directory", path)}
	}

	return &Handle{
		ID:     uuid.NewString(),
		Path:   path,
		Name:   filepath.Base(path),
		Size:   info.Size(),
		Origin: OriginGallery,
	}, nil
}
