package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cropsense/internal/imagesource"
	"github.com/example/cropsense/internal/presentation"
	"github.com/example/cropsense/internal/upload"
)

const (
	// MaxUploadSize caps a single uploaded image.
	MaxUploadSize = 10 << 20

	multipartSlack = 1 << 20
	previewSize    = 300
)

// Deps are the collaborators behind the routes. Camera may be nil. Closing
// Draining ends open event streams so the server can shut down.
type Deps struct {
	Controller *upload.Controller
	Store      *imagesource.TempStore
	Camera     upload.SourceFunc
	Draining   <-chan struct{}
	Logger     *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Deps) {
	h := &handler{deps: deps, logger: deps.Logger.Named("http_surface")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/state", h.state)
	router.GET("/state/events", h.stateEvents)
	router.POST("/image", h.uploadImage)
	router.POST("/image/camera", h.captureImage)
	router.GET("/image/preview", h.preview)
	router.POST("/submit", h.submit)
	router.POST("/reselect", h.reselect)
	router.GET("/submissions/:id", h.submission)
	router.GET("/metrics", h.metrics)
}

type handler struct {
	deps   Deps
	logger *zap.Logger
}

func (h *handler) view() presentation.View {
	return presentation.NewView(h.deps.Controller.State())
}

func (h *handler) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.view())
}

func (h *handler) stateEvents(c *gin.Context) {
	states, stop := h.deps.Controller.Subscribe()
	defer stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case s, ok := <-states:
			if !ok {
				return false
			}
			c.SSEvent("state", presentation.NewView(s))
			return true
		case <-ctx.Done():
			return false
		case <-h.deps.Draining:
			return false
		}
	})
}

func (h *handler) uploadImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartSlack)

	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	mtype, err := mimetype.DetectReader(src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read image"})
		return
	}
	if !strings.HasPrefix(mtype.String(), "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "file is not an image"})
		return
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	handle, err := h.deps.Store.Import(file.Filename, src)
	if err != nil {
		h.logger.Error("failed to store upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image"})
		return
	}

	h.deps.Controller.Select(handle)
	c.JSON(http.StatusOK, h.view())
}

func (h *handler) captureImage(c *gin.Context) {
	if h.deps.Camera == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no camera configured"})
		return
	}

	err := h.deps.Controller.Acquire(c.Request.Context(), h.deps.Camera)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, h.view())
	case errors.Is(err, imagesource.ErrCancelled):
		c.JSON(http.StatusOK, gin.H{"cancelled": true, "state": h.view()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": upload.ErrorInfoFrom(err), "state": h.view()})
	}
}

func (h *handler) preview(c *gin.Context) {
	selected := h.deps.Controller.State().Handle()
	if selected == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no image selected"})
		return
	}

	img, err := imaging.Open(selected.Path, imaging.AutoOrientation(true))
	if err != nil {
		h.logger.Warn("preview decode failed", zap.Error(err), zap.String("path", selected.Path))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "preview unavailable"})
		return
	}

	thumb := imaging.Fit(img, previewSize, previewSize, imaging.Lanczos)
	c.Header("Content-Type", "image/jpeg")
	c.Status(http.StatusOK)
	if err := imaging.Encode(c.Writer, thumb, imaging.JPEG); err != nil {
		h.logger.Warn("preview encode failed", zap.Error(err))
	}
}

func (h *handler) submit(c *gin.Context) {
	seq, requestID, ok := h.deps.Controller.SubmitRequest()
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "select an image first", "state": h.view()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"seq":        seq,
		"request_id": requestID,
		"state":      h.view(),
	})
}

func (h *handler) reselect(c *gin.Context) {
	if !h.deps.Controller.Reselect() {
		c.JSON(http.StatusConflict, gin.H{"error": "nothing to reselect", "state": h.view()})
		return
	}
	c.JSON(http.StatusOK, h.view())
}

func (h *handler) submission(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	status, err := h.deps.Controller.Status(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, upload.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
			return
		}
		h.logger.Error("status lookup failed", zap.Error(err), zap.String("request_id", requestID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status unavailable"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.deps.Controller.MetricsSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("metrics aggregation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
