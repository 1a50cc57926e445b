package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cropsense/internal/encoder"
	"github.com/example/cropsense/internal/handlers"
	"github.com/example/cropsense/internal/imagesource"
	"github.com/example/cropsense/internal/prediction"
	"github.com/example/cropsense/internal/upload"
)

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	defer func() {
		select {
		case <-releaseRequest:
		default:
			close(releaseRequest)
		}
	}()

	capturePath := filepath.Join(t.TempDir(), "capture.jpg")
	if err := os.WriteFile(capturePath, []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, 0o600); err != nil {
		t.Fatalf("failed to write capture: %v", err)
	}

	// The camera blocks until released, holding POST /image/camera open.
	camera := func(ctx context.Context) (*imagesource.Handle, error) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		<-releaseRequest
		return &imagesource.Handle{ID: "cap", Path: capturePath, Name: "capture.jpg", Size: 6, Origin: imagesource.OriginCamera}, nil
	}
	router, ctrl := newTestRouter(t, camera, nil)

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServer(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Post("http://"+addr+"/image/camera", "application/json", nil)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
		t.Log("request started")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(releaseRequest)
	t.Log("released request")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}

	if h := ctrl.State().Handle(); h == nil || h.Name != "capture.jpg" {
		t.Fatalf("in-flight capture was not applied: %+v", h)
	}

	// Controller shutdown waits for the slow prediction instead of dropping it.
	if _, ok := ctrl.Submit(); !ok {
		t.Fatal("submit rejected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("controller shutdown failed: %v", err)
	}
	if s := ctrl.State(); s.Phase() != upload.PhaseSucceeded {
		t.Fatalf("expected in-flight submission to finish, got %s", s.Phase())
	}
}

// slowPredictor answers after delay unless the submission is cancelled.
type slowPredictor struct {
	delay time.Duration
}

func (s *slowPredictor) Predict(ctx context.Context, p *encoder.Payload) (*prediction.Result, error) {
	select {
	case <-time.After(s.delay):
		return &prediction.Result{Crop: "Tomato", Disease: "Healthy", Confidence: 0.9}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestRouter(t *testing.T, camera upload.SourceFunc, draining <-chan struct{}) (*gin.Engine, *upload.Controller) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := imagesource.NewTempStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctrl := upload.NewController(encoder.New(store), &slowPredictor{delay: 200 * time.Millisecond}, nil, nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})

	r := gin.New()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, handlers.Deps{Controller: ctrl, Store: store, Camera: camera, Draining: draining, Logger: zap.NewNop()})
	return r, ctrl
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

func TestServerStopsWhenStopChannelCloses(t *testing.T) {
	draining := make(chan struct{})
	r, _ := newTestRouter(t, nil, draining)
	server := &http.Server{Handler: r}
	server.RegisterOnShutdown(func() { close(draining) })

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	stop := make(chan os.Signal)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServer(server, 2*time.Second, zap.NewNop(), listener, stop)
	}()
	addr := listener.Addr().String()
	waitForServer(t, addr)

	// An open event stream must not hold up shutdown.
	resp, err := http.Get("http://" + addr + "/state/events")
	if err != nil {
		t.Fatalf("failed to open event stream: %v", err)
	}
	defer resp.Body.Close()

	close(stop)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after stop")
	}
}
