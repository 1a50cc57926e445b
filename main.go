package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/cropsense/internal/config"
	"github.com/example/cropsense/internal/encoder"
	"github.com/example/cropsense/internal/grpcclient"
	"github.com/example/cropsense/internal/handlers"
	"github.com/example/cropsense/internal/httpclient"
	"github.com/example/cropsense/internal/imagesource"
	"github.com/example/cropsense/internal/logging"
	"github.com/example/cropsense/internal/prediction"
	"github.com/example/cropsense/internal/presentation"
	"github.com/example/cropsense/internal/repository"
	"github.com/example/cropsense/internal/upload"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "cropsense.yaml", "path to the YAML config file")
	consoleMode := flag.Bool("console", false, "run the interactive console")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.ListenAddr == "" && !*consoleMode {
		logger.Fatal("nothing to run: listen_addr is empty and -console is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	store, err := imagesource.NewTempStore(cfg.TempDir)
	if err != nil {
		logger.Fatal("failed to prepare temp dir", zap.Error(err), zap.String("dir", cfg.TempDir))
	}

	var rl *readline.Instance
	var progress io.Writer
	if *consoleMode {
		rl, err = readline.New("> ")
		if err != nil {
			logger.Fatal("failed to start console", zap.Error(err))
		}
		defer rl.Close()
		progress = rl.Stderr()
	}

	client, closeClient := initPredictor(ctx, cfg, progress, logger)
	defer closeClient()

	var cache upload.Cache
	if cfg.RedisAddr != "" {
		cache = upload.NewRedisCache(initRedis(ctx, cfg.RedisAddr, logger))
	}

	var journal upload.Journal
	if cfg.DatabaseDSN != "" {
		repo := repository.NewSubmissionRepository(initDatabase(ctx, cfg.DatabaseDSN, logger), logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		journal = repo
	}

	ctrl := upload.NewController(encoder.New(store), client, cache, journal, logger)

	var camera upload.SourceFunc
	if cfg.CameraCommand != "" {
		camera = imagesource.NewCamera(imagesource.NewCommandDevice(cfg.CameraCommand), store).Capture
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	g, gctx := errgroup.WithContext(runCtx)

	// stopCh is closed once, on a signal or when any runner exits.
	stopCh := make(chan os.Signal)
	var stopOnce sync.Once
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}
		stopOnce.Do(func() { close(stopCh) })
		if rl != nil {
			_ = rl.Close()
		}
		return nil
	})

	if cfg.ListenAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		r.MaxMultipartMemory = handlers.MaxUploadSize
		draining := make(chan struct{})
		handlers.RegisterRoutes(r, handlers.Deps{Controller: ctrl, Store: store, Camera: camera, Draining: draining, Logger: logger})

		server := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		server.RegisterOnShutdown(func() { close(draining) })
		g.Go(func() error {
			defer stopRun()
			logger.Info("cropsense listening", zap.String("addr", cfg.ListenAddr))
			return serveHTTPServer(server, shutdownTimeout, logger, nil, stopCh)
		})
	}

	if *consoleMode {
		console := presentation.NewConsole(rl, rl.Stdout())
		gallery := imagesource.NewGallery(console.Picker()).Select
		g.Go(func() error {
			defer stopRun()
			err := console.Run(gctx, ctrl, gallery, camera)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	runErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight submissions were cancelled", zap.Error(err))
	}
	if runErr != nil {
		logger.Fatal("cropsense stopped", zap.Error(runErr))
	}
}

func initPredictor(ctx context.Context, cfg *config.Config, progress io.Writer, logger *zap.Logger) (prediction.Client, func()) {
	if cfg.Transport == config.TransportGRPC {
		client, conn, err := grpcclient.DialPredictor(ctx, cfg.GRPCAddr, logger)
		if err != nil {
			logger.Fatal("failed to connect to predictor", zap.Error(err))
		}
		logger.Info("predicting over grpc", zap.String("addr", cfg.GRPCAddr))
		return client, func() { _ = conn.Close() }
	}

	var opts []httpclient.Option
	if progress != nil {
		opts = append(opts, httpclient.WithBodyWrapper(presentation.ProgressBody(progress)))
	}
	client, err := httpclient.New(cfg.BaseURL, logger, opts...)
	if err != nil {
		logger.Fatal("invalid predictor endpoint", zap.Error(err))
	}
	logger.Info("predicting over http", zap.String("endpoint", client.Endpoint()))
	return client, func() {}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", addr))
	}
	return client
}

// serveHTTPServer serves until the server fails or stop yields a value or is
// closed, then shuts down gracefully within shutdownTimeout. A nil listener
// means server.Addr is used.
func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, stop <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-stop:
		reason := "stop requested"
		if ok {
			reason = sig.String()
		}
		logger.Info("shutting down http surface", zap.String("reason", reason))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
