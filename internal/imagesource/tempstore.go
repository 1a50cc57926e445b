package imagesource

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TempStore hands out fresh file paths under a cache directory. Every path
// carries a new UUID so no two submissions ever share a file.
type TempStore struct {
	dir string
}

// NewTempStore creates dir if needed.
func NewTempStore(dir string) (*TempStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &DeviceError{Op: "create temp dir", Err: err}
	}
	return &TempStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *TempStore) Dir() string { return s.dir }

// NewPath returns an unused path such as <dir>/<prefix>-<uuid><ext>.
func (s *TempStore) NewPath(prefix, ext string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s%s", prefix, uuid.NewString(), ext))
}

// Import copies r into a fresh file and returns a handle to it.
func (s *TempStore) Import(name string, r io.Reader) (*Handle, error) {
	id := uuid.NewString()
	path := filepath.Join(s.dir, "upload-"+id+safeExt(name))

	f, err := os.Create(path)
	if err != nil {
		return nil, &DeviceError{Op: "create upload file", Err: err}
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, &DeviceError{Op: "write upload file", Err: err}
	}

	if name == "" {
		name = filepath.Base(path)
	}
	return &Handle{ID: id, Path: path, Name: filepath.Base(name), Size: size, Origin: OriginUpload}, nil
}

func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return ext
}
