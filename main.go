package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/voice-check/internal/audioprocessor"
	"github.com/example/voice-check/internal/auth"
	"github.com/example/voice-check/internal/blobstore"
	"github.com/example/voice-check/internal/config"
	"github.com/example/voice-check/internal/grpcclient"
	"github.com/example/voice-check/internal/handlers"
	"github.com/example/voice-check/internal/logging"
	"github.com/example/voice-check/internal/repository"
	"github.com/example/voice-check/internal/usecase"
	"github.com/example/voice-check/internal/vbg"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewVoiceTransactionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)

	voiceClient, err := vbg.NewFromConfig(cfg.Voice, logger)
	if err != nil {
		logger.Fatal("failed to build voice biometrics client", zap.Error(err))
	}

	processor, conn, err := initAudioProcessor(ctx, cfg.AudioProcessorAddr, logger)
	if err != nil {
		logger.Fatal("failed to connect to audio processor", zap.Error(err))
	}
	if conn != nil {
		defer conn.Close()
	}

	archive, err := initArchive(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to configure sample archive", zap.Error(err))
	}

	cache := usecase.NewRedisCache(redisClient, "voicecheck")
	uc := usecase.NewVoiceUseCase(repo, cache, voiceClient, logger, usecase.Options{
		Processor:        processor,
		Archive:          archive,
		TargetSampleRate: cfg.TargetSampleRate,
	})

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	logger.Info("voice-check API listening", zap.String("addr", cfg.ListenAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
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
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// initAudioProcessor dials the resampler sidecar. Without an address samples
// are forwarded as uploaded.
func initAudioProcessor(ctx context.Context, addr string, logger *zap.Logger) (audioprocessor.Client, *grpc.ClientConn, error) {
	if addr == "" {
		logger.Info("no audio processor configured, forwarding samples untouched")
		return audioprocessor.Passthrough{}, nil, nil
	}
	return grpcclient.DialAudioProcessor(ctx, addr, logger)
}

func initArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (blobstore.Archive, error) {
	if cfg.SampleBucket == "" {
		return blobstore.Noop{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, err
	}
	logger.Info("archiving samples", zap.String("bucket", cfg.SampleBucket))
	return blobstore.NewS3Archive(s3.NewFromConfig(awsCfg), cfg.SampleBucket, "", logger), nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
