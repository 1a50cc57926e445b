package presentation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/schollz/progressbar/v3"

	"github.com/example/cropsense/internal/imagesource"
	"github.com/example/cropsense/internal/upload"
)

// LineReader is the part of *readline.Instance the console needs.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// Controller is the subset of *upload.Controller driven from the console.
type Controller interface {
	Acquire(ctx context.Context, source upload.SourceFunc) error
	Submit() (uint64, bool)
	Reselect() bool
	Subscribe() (<-chan upload.State, func())
}

const (
	commandPrompt = "> "
	pathPrompt    = "image path> "
)

// Console renders views as text and reads commands from a line reader.
type Console struct {
	lines LineReader
	out   io.Writer

	mu   sync.Mutex
	last string
}

func NewConsole(lines LineReader, out io.Writer) *Console {
	return &Console{lines: lines, out: out}
}

// Render prints v unless it is identical to the previous render.
func (c *Console) Render(v View) {
	text := Format(v)
	c.mu.Lock()
	defer c.mu.Unlock()
	if text == c.last {
		return
	}
	c.last = text
	fmt.Fprint(c.out, text)
}

// Format renders v as one or more lines of text.
func Format(v View) string {
	var b strings.Builder
	switch {
	case v.IsUploading:
		fmt.Fprintf(&b, "Analyzing %s...\n", v.ImageName)
	case v.Error != nil:
		fmt.Fprintf(&b, "Error: %s\n", v.Error.Message)
	case v.Result != nil:
		fmt.Fprintf(&b, "Crop: %s\n", v.Result.Crop)
		fmt.Fprintf(&b, "Disease: %s\n", v.Result.Disease)
		fmt.Fprintf(&b, "Confidence: %d%%\n", v.ConfidencePercent)
		if v.LowConfidence {
			fmt.Fprintf(&b, "%s\n", v.Advice)
		}
	case v.CanSubmit:
		fmt.Fprintf(&b, "Selected %s. Type \"analyze\" to submit.\n", v.ImageName)
	default:
		b.WriteString("Pick an image with \"gallery\" or \"camera\".\n")
	}
	return b.String()
}

// Picker returns a gallery picker that prompts for a file path on the
// console. An empty line or Ctrl-C cancels.
func (c *Console) Picker() imagesource.Picker {
	return &promptPicker{lines: c.lines}
}

type promptPicker struct {
	lines LineReader
}

func (p *promptPicker) Pick(ctx context.Context) (string, error) {
	p.lines.SetPrompt(pathPrompt)
	defer p.lines.SetPrompt(commandPrompt)

	line, err := p.lines.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return "", imagesource.ErrCancelled
		}
		return "", err
	}
	return strings.Trim(strings.TrimSpace(line), `"'`), nil
}

// Run reads commands until quit, EOF or ctx is done. camera may be nil when
// no capture device is configured.
func (c *Console) Run(ctx context.Context, ctrl Controller, gallery, camera upload.SourceFunc) error {
	states, stop := ctrl.Subscribe()
	defer stop()

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for s := range states {
			c.Render(NewView(s))
		}
	}()

	c.lines.SetPrompt(commandPrompt)
	for ctx.Err() == nil {
		line, err := c.lines.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			break // io.EOF
		}
		if quit := c.handle(ctx, ctrl, strings.ToLower(strings.TrimSpace(line)), gallery, camera); quit {
			break
		}
	}
	stop()
	<-rendered
	return ctx.Err()
}

func (c *Console) handle(ctx context.Context, ctrl Controller, command string, gallery, camera upload.SourceFunc) bool {
	switch command {
	case "":
	case "g", "gallery":
		_ = ctrl.Acquire(ctx, gallery)
	case "c", "camera":
		if camera == nil {
			c.println("No camera configured.")
			return false
		}
		_ = ctrl.Acquire(ctx, camera)
	case "a", "analyze":
		if _, ok := ctrl.Submit(); !ok {
			c.println("Select an image first.")
		}
	case "r", "reselect":
		if !ctrl.Reselect() {
			c.println("Nothing to reselect.")
		}
	case "q", "quit", "exit":
		return true
	default:
		c.println("Commands: gallery, camera, analyze, reselect, quit")
	}
	return false
}

func (c *Console) println(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, msg)
}

// ProgressBody returns a body wrapper that draws a byte progress bar on out
// while a payload is sent.
func ProgressBody(out io.Writer) func(io.Reader, int64) io.Reader {
	return func(body io.Reader, size int64) io.Reader {
		bar := progressbar.NewOptions64(
			size,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("Uploading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(out) }),
		)
		r := progressbar.NewReader(body, bar)
		return &r
	}
}
