package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/voice-check/internal/auth"
	"github.com/example/voice-check/internal/repository"
	"github.com/example/voice-check/internal/usecase"
	"github.com/example/voice-check/internal/vbg"
)

const (
	// MaxUploadSize bounds the whole request body of an upload.
	MaxUploadSize = 16 << 20
	// MaxEnrollmentSamples bounds the number of samples per enrollment.
	MaxEnrollmentSamples = 10
)

// VoiceService is the use case surface served over HTTP.
type VoiceService interface {
	Enroll(ctx context.Context, userID string, samples [][]byte, rebuildTemplate bool) (*usecase.EnrollmentResult, error)
	Verify(ctx context.Context, userID string, sample []byte) (*usecase.VerificationResult, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.VoiceTransactionLog, error)
	GetReplayReport(ctx context.Context, userID, requestID string) (*usecase.ReplayReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

var errUnsupportedMediaType = errors.New("unsupported media type")

// RegisterRoutes wires the HTTP handlers to the Gin router. Everything except
// /health sits behind authMiddleware.
func RegisterRoutes(router *gin.Engine, svc VoiceService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.POST("/enrollments", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		form, ok := parseUpload(c)
		if !ok {
			return
		}
		files := form.File["samples"]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "samples are required"})
			return
		}
		if len(files) > MaxEnrollmentSamples {
			c.JSON(http.StatusBadRequest, gin.H{"error": "too many samples", "max": MaxEnrollmentSamples})
			return
		}

		rebuild := false
		if values := form.Value["rebuild_template"]; len(values) > 0 && values[0] != "" {
			parsed, err := strconv.ParseBool(values[0])
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "rebuild_template must be a boolean"})
				return
			}
			rebuild = parsed
		}

		samples := make([][]byte, 0, len(files))
		for _, file := range files {
			data, err := readAudio(file)
			if err != nil {
				writeUploadError(c, err)
				return
			}
			samples = append(samples, data)
		}

		result, err := svc.Enroll(c.Request.Context(), userID, samples, rebuild)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":     result.RequestID,
			"transaction_id": result.TransactionID,
			"enrolled":       result.Success,
			"sample_count":   result.SampleCount,
			"usable_seconds": result.UsableSeconds,
		})
	})

	protected.POST("/verifications", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		form, ok := parseUpload(c)
		if !ok {
			return
		}
		files := form.File["sample"]
		if len(files) != 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one sample file is required"})
			return
		}
		data, err := readAudio(files[0])
		if err != nil {
			writeUploadError(c, err)
			return
		}

		result, err := svc.Verify(c.Request.Context(), userID, data)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":      result.RequestID,
			"transaction_id":  result.TransactionID,
			"prompt":          result.Prompt,
			"verified":        result.Verified,
			"success":         result.Success,
			"score":           result.Score,
			"replay_detected": result.ReplayDetected,
		})
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		log, err := svc.GetResult(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, resultBody(log))
	})

	protected.GET("/result/:id/replays", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		report, err := svc.GetReplayReport(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}

		replays := make([]gin.H, 0, len(report.Replays))
		for _, replay := range report.Replays {
			replays = append(replays, gin.H{
				"request_id": replay.RequestID,
				"success":    replay.Success,
				"score":      replay.Score,
				"created_at": replay.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id": report.Request.RequestID,
			"sha1_hash":  report.Request.SampleSHA1,
			"replays":    replays,
		})
	})

	protected.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func resultBody(log *repository.VoiceTransactionLog) gin.H {
	return gin.H{
		"request_id":     log.RequestID,
		"user_id":        log.UserID,
		"kind":           log.Kind,
		"transaction_id": log.TransactionID,
		"success":        log.Success,
		"score":          log.Score,
		"error_code":     log.ErrorCode,
		"sample_count":   log.SampleCount,
		"usable_seconds": log.UsableSeconds,
		"details":        log.Details,
		"created_at":     log.CreatedAt,
	}
}

// parseUpload limits the body and parses the multipart form, writing the
// error response itself when it fails.
func parseUpload(c *gin.Context) (*multipart.Form, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	form, err := c.MultipartForm()
	if err != nil {
		writeUploadError(c, err)
		return nil, false
	}
	return form, true
}

func readAudio(file *multipart.FileHeader) ([]byte, error) {
	if !isAudio(file.Header.Get("Content-Type")) {
		return nil, errUnsupportedMediaType
	}
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

func isAudio(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "audio/")
}

func isTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func writeUploadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errUnsupportedMediaType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "samples must be audio"})
	case isTooLarge(err):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart upload"})
	}
}

func writeError(c *gin.Context, err error) {
	var svcErr *usecase.ServiceError
	var statusErr *vbg.StatusError
	switch {
	case errors.As(err, &svcErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":          "voice service rejected the request",
			"operation":      string(svcErr.Operation),
			"error_code":     svcErr.Code,
			"transaction_id": svcErr.TransactionID,
		})
	case errors.Is(err, usecase.ErrResultPending):
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	case errors.Is(err, usecase.ErrResultNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	case errors.Is(err, usecase.ErrNoSamples):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, vbg.ErrSampleTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "sample too large"})
	case errors.As(err, &statusErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "voice service unavailable", "upstream_status": statusErr.StatusCode})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "voice service timed out"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
