// Package encoder wraps a selected image into a multipart/form-data body
// with a single "file" part. The body is buffered in a temp file so large
// images never sit in memory and can be re-sent on redirects.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/example/cropsense/internal/imagesource"
)

const (
	// FieldName is fixed by the backend contract.
	FieldName = "file"
	// FallbackContentType is used when the bytes are not recognised as an image.
	FallbackContentType = "image/*"

	sniffLen = 3072
)

// EncodeError reports an unreadable or unusable source image.
type EncodeError struct {
	Name string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Name, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

var errEmptyImage = errors.New("image is empty")

// Payload is an encoded request body on disk.
type Payload struct {
	Seq             uint64
	Path            string
	ContentType     string
	Size            int64
	FileName        string
	PartContentType string

	imageOffset int64
	imageSize   int64
}

// Open returns a reader over the whole multipart body.
func (p *Payload) Open() (io.ReadCloser, error) {
	return os.Open(p.Path)
}

// OpenImage returns a reader over the unmodified image bytes inside the body.
func (p *Payload) OpenImage() (io.ReadCloser, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, err
	}
	return &sectionReadCloser{SectionReader: io.NewSectionReader(f, p.imageOffset, p.imageSize), f: f}, nil
}

// ImageSize is the number of image bytes carried by the payload.
func (p *Payload) ImageSize() int64 { return p.imageSize }

// Remove deletes the backing file.
func (p *Payload) Remove() error {
	err := os.Remove(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionReadCloser) Close() error { return s.f.Close() }

// Encoder writes payloads into a temp store.
type Encoder struct {
	store *imagesource.TempStore
}

func New(store *imagesource.TempStore) *Encoder {
	return &Encoder{store: store}
}

// Encode reads the image behind h and writes payload-<seq>-<uuid>.multipart.
func (e *Encoder) Encode(ctx context.Context, seq uint64, h *imagesource.Handle) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, &EncodeError{Name: h.Name, Err: err}
	}

	src, err := h.Open()
	if err != nil {
		return nil, &EncodeError{Name: h.Name, Err: err}
	}
	defer src.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, &EncodeError{Name: h.Name, Err: err}
	}
	if n == 0 {
		return nil, &EncodeError{Name: h.Name, Err: errEmptyImage}
	}
	head = head[:n]
	partType := detectContentType(head)

	path := e.store.NewPath(fmt.Sprintf("payload-%d", seq), ".multipart")
	out, err := os.Create(path)
	if err != nil {
		return nil, &EncodeError{Name: h.Name, Err: err}
	}

	cw := &countingWriter{w: out}
	mw := multipart.NewWriter(cw)
	payload := &Payload{
		Seq:             seq,
		Path:            path,
		ContentType:     mw.FormDataContentType(),
		FileName:        h.Name,
		PartContentType: partType,
	}

	err = writeBody(mw, cw, payload, io.MultiReader(bytes.NewReader(head), src))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, &EncodeError{Name: h.Name, Err: err}
	}
	payload.Size = cw.n
	return payload, nil
}

func writeBody(mw *multipart.Writer, cw *countingWriter, p *Payload, image io.Reader) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FieldName, quoteEscaper.Replace(p.FileName)))
	header.Set("Content-Type", p.PartContentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	p.imageOffset = cw.n
	copied, err := io.Copy(part, image)
	if err != nil {
		return err
	}
	p.imageSize = copied
	return mw.Close()
}

func detectContentType(head []byte) string {
	mt := mimetype.Detect(head)
	if strings.HasPrefix(mt.String(), "image/") {
		return mt.String()
	}
	return FallbackContentType
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
