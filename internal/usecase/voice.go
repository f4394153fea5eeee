package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/voice-check/internal/audioprocessor"
	"github.com/example/voice-check/internal/blobstore"
	"github.com/example/voice-check/internal/logging"
	"github.com/example/voice-check/internal/repository"
	"github.com/example/voice-check/internal/retry"
	"github.com/example/voice-check/internal/vbg"
)

// VoiceClient is the part of *vbg.Client the flows drive.
type VoiceClient interface {
	StartEnrollment(ctx context.Context, userID string, rebuildTemplate bool) (*vbg.Response, error)
	AudioCheckSample(ctx context.Context, transactionID string, audio []byte) (*vbg.Response, error)
	EnrollUser(ctx context.Context, transactionID string) (*vbg.Response, error)
	FinishTransaction(ctx context.Context, transactionID, success string, score ...string) (*vbg.Response, error)
	StartVerification(ctx context.Context, userID string) (*vbg.Response, error)
	VerifySampleBytes(ctx context.Context, transactionID string, audio []byte) (*vbg.Response, error)
}

// VoiceTransactionRepository defines the persistence operations needed by the use case.
type VoiceTransactionRepository interface {
	SaveLog(ctx context.Context, log *repository.VoiceTransactionLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VoiceTransactionLog, error)
	FindBySampleHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.VoiceTransactionLog, error)
	AggregateMetrics(ctx context.Context) ([]repository.KindMetrics, error)
}

var (
	// ErrNoSamples is returned when a flow is started without audio.
	ErrNoSamples = errors.New("at least one voice sample is required")
	// ErrResultNotFound is returned when no outcome exists for the request.
	ErrResultNotFound = errors.New("result not found")
	// ErrResultPending is returned while the flow for the request is still running.
	ErrResultPending = errors.New("result is still processing")
)

// ServiceError reports a call the voice service answered with a non-zero
// errorcode.
type ServiceError struct {
	Operation     vbg.Operation
	Code          string
	TransactionID string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("voice service rejected %s: errorcode %s", e.Operation, e.Code)
}

// EnrollmentResult is the outcome of an enrollment flow.
type EnrollmentResult struct {
	RequestID     string
	TransactionID string
	Success       bool
	SampleCount   int
	UsableSeconds float64
}

// VerificationResult is the outcome of a verification flow. Verified is false
// when the same audio was already submitted for this user, whatever the
// service scored it.
type VerificationResult struct {
	RequestID      string
	TransactionID  string
	Prompt         string
	Success        bool
	Score          float64
	ReplayDetected bool
	Verified       bool
}

// ReplayReport lists earlier verifications that submitted identical audio.
type ReplayReport struct {
	Request *repository.VoiceTransactionLog
	Replays []*repository.VoiceTransactionLog
}

// Options tunes the use case. Zero values pick the defaults.
type Options struct {
	Processor        audioprocessor.Client
	Archive          blobstore.Archive
	TargetSampleRate int
}

// VoiceUseCase encapsulates the enrollment and verification flows.
type VoiceUseCase struct {
	repo       VoiceTransactionRepository
	cache      Cache
	client     VoiceClient
	processor  audioprocessor.Client
	archive    blobstore.Archive
	targetRate int
	logger     *zap.Logger
	policy     retry.Policy
	now        func() time.Time
}

type cachedResult struct {
	RequestID     string    `json:"request_id"`
	UserID        string    `json:"user_id"`
	Kind          string    `json:"kind"`
	TransactionID string    `json:"transaction_id"`
	Success       bool      `json:"success"`
	Score         float64   `json:"score"`
	ErrorCode     string    `json:"error_code"`
	SampleCount   int       `json:"sample_count"`
	UsableSeconds float64   `json:"usable_seconds"`
	Details       string    `json:"details"`
	Hash          string    `json:"sha1_hash"`
	LatencyMs     int64     `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	processingMarker = "processing"
	processingTTL    = 5 * time.Minute
	resultTTL        = 5 * time.Minute
	abortTimeout     = 10 * time.Second
)

// NewVoiceUseCase constructs a new use case instance.
func NewVoiceUseCase(repo VoiceTransactionRepository, cache Cache, client VoiceClient, logger *zap.Logger, opts Options) *VoiceUseCase {
	uc := &VoiceUseCase{
		repo:       repo,
		cache:      cache,
		client:     client,
		processor:  opts.Processor,
		archive:    opts.Archive,
		targetRate: opts.TargetSampleRate,
		logger:     logger.Named("voice_usecase"),
		policy:     retry.DefaultPolicy,
		now:        time.Now,
	}
	if uc.processor == nil {
		uc.processor = audioprocessor.Passthrough{}
	}
	if uc.archive == nil {
		uc.archive = blobstore.Noop{}
	}
	if uc.targetRate <= 0 {
		uc.targetRate = 8000
	}
	return uc
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("voice:%s", requestID)
}

// Enroll runs StartEnrollment, one AudioCheck per sample, EnrollUser and
// FinishTransaction. A non-zero errorcode aborts the flow; the transaction is
// then closed with success=false on a best-effort basis.
func (uc *VoiceUseCase) Enroll(ctx context.Context, userID string, samples [][]byte, rebuildTemplate bool) (*EnrollmentResult, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.enroll", requestID)
	started := uc.now()

	if err := uc.markProcessing(ctx, requestID); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	resp, err := uc.client.StartEnrollment(ctx, userID, rebuildTemplate)
	if err != nil {
		return nil, uc.fail(ctx, opLogger, "usecase.start_enrollment", requestID, err)
	}
	if !resp.OK() {
		return nil, uc.reject(ctx, opLogger, requestID, userID, repository.KindEnrollment, started, vbg.OpStartEnrollment, resp, "")
	}
	txID := resp.TransactionID()
	opLogger = logging.WithTransaction(opLogger, txID)

	result := &EnrollmentResult{RequestID: requestID, TransactionID: txID, SampleCount: len(samples)}
	for i, sample := range samples {
		audio, err := uc.prepareSample(ctx, userID, requestID, i, sample)
		if err != nil {
			uc.abort(ctx, opLogger, txID)
			return nil, uc.fail(ctx, opLogger, "usecase.prepare_sample", requestID, err)
		}
		check, err := uc.client.AudioCheckSample(ctx, txID, audio)
		if err != nil {
			uc.abort(ctx, opLogger, txID)
			return nil, uc.fail(ctx, opLogger, "usecase.audio_check", requestID, err)
		}
		if !check.OK() {
			uc.abort(ctx, opLogger, txID)
			return nil, uc.reject(ctx, opLogger, requestID, userID, repository.KindEnrollment, started, vbg.OpAudioCheck, check, txID)
		}
		if usable, ok := check.UsableTime(); ok {
			result.UsableSeconds += usable
		}
	}

	enrolled, err := uc.client.EnrollUser(ctx, txID)
	if err != nil {
		uc.abort(ctx, opLogger, txID)
		return nil, uc.fail(ctx, opLogger, "usecase.enroll_user", requestID, err)
	}
	if !enrolled.OK() {
		uc.abort(ctx, opLogger, txID)
		return nil, uc.reject(ctx, opLogger, requestID, userID, repository.KindEnrollment, started, vbg.OpEnrollUser, enrolled, txID)
	}
	result.Success = enrolled.Succeeded()

	success := enrolled.Success()
	if success == "" {
		success = "false"
	}
	finished, err := uc.client.FinishTransaction(ctx, txID, success)
	if err != nil {
		return nil, uc.fail(ctx, opLogger, "usecase.finish_transaction", requestID, err)
	}
	if !finished.OK() {
		return nil, uc.reject(ctx, opLogger, requestID, userID, repository.KindEnrollment, started, vbg.OpFinishTransaction, finished, txID)
	}

	log := &repository.VoiceTransactionLog{
		RequestID:     requestID,
		UserID:        userID,
		Kind:          repository.KindEnrollment,
		TransactionID: txID,
		Success:       result.Success,
		ErrorCode:     vbg.ErrorCodeOK,
		SampleCount:   result.SampleCount,
		UsableSeconds: result.UsableSeconds,
		LatencyMs:     uc.now().Sub(started).Milliseconds(),
		CreatedAt:     uc.now().UTC(),
		Details:       fmt.Sprintf("status:%t samples:%d usable:%.2fs", result.Success, result.SampleCount, result.UsableSeconds),
	}
	if err := uc.persist(ctx, opLogger, log); err != nil {
		return nil, err
	}

	opLogger.Info("enrollment finished", zap.Bool("success", result.Success), zap.Int("samples", result.SampleCount))
	return result, nil
}

// Verify runs StartVerification, VerifySample and FinishTransaction for one
// sample and flags audio that was already submitted for the same user.
func (uc *VoiceUseCase) Verify(ctx context.Context, userID string, sample []byte) (*VerificationResult, error) {
	if len(sample) == 0 {
		return nil, ErrNoSamples
	}
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)
	started := uc.now()

	if err := uc.markProcessing(ctx, requestID); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	resp, err := uc.client.StartVerification(ctx, userID)
	if err != nil {
		return nil, uc.fail(ctx, opLogger, "usecase.start_verification", requestID, err)
	}
	if !resp.OK() {
		return nil, uc.reject(ctx, opLogger, requestID, userID, repository.KindVerification, started, vbg.OpStartVerification, resp, "")
	}
	txID := resp.TransactionID()
	opLogger = logging.WithTransaction(opLogger, txID)
	result := &VerificationResult{RequestID: requestID, TransactionID: txID, Prompt: resp.Prompt()}

	audio, err := uc.prepareSample(ctx, userID, requestID, 0, sample)
	if err != nil {
		uc.abort(ctx, opLogger, txID)
		return nil, uc.fail(ctx, opLogger, "usecase.prepare_sample", requestID, err)
	}
	scored, err := uc.client.VerifySampleBytes(ctx, txID, audio)
	if err != nil {
		uc.abort(ctx, opLogger, txID)
		return nil, uc.fail(ctx, opLogger, "usecase.verify_sample", requestID, err)
	}
	if !scored.OK() {
		uc.abort(ctx, opLogger, txID)
		return nil, uc.reject(ctx, opLogger, requestID, userID, repository.KindVerification, started, vbg.OpVerifySample, scored, txID)
	}
	result.Success = scored.Succeeded()
	result.Score, _ = scored.ScoreValue()

	success := scored.Success()
	if success == "" {
		success = "false"
	}
	var score []string
	if s := scored.Score(); s != "" {
		score = append(score, s)
	}
	finished, err := uc.client.FinishTransaction(ctx, txID, success, score...)
	if err != nil {
		return nil, uc.fail(ctx, opLogger, "usecase.finish_transaction", requestID, err)
	}
	if !finished.OK() {
		return nil, uc.reject(ctx, opLogger, requestID, userID, repository.KindVerification, started, vbg.OpFinishTransaction, finished, txID)
	}

	hash := sha1.Sum(sample)
	hashHex := hex.EncodeToString(hash[:])
	replays, err := uc.repo.FindBySampleHash(ctx, userID, hashHex, requestID)
	if err != nil {
		return nil, uc.fail(ctx, opLogger, "usecase.find_replays", requestID, err)
	}
	result.ReplayDetected = len(replays) > 0
	result.Verified = result.Success && !result.ReplayDetected
	if result.ReplayDetected {
		opLogger.Warn("voice sample replay detected", zap.Int("previous_submissions", len(replays)))
	}

	log := &repository.VoiceTransactionLog{
		RequestID:     requestID,
		UserID:        userID,
		Kind:          repository.KindVerification,
		TransactionID: txID,
		Success:       result.Verified,
		Score:         result.Score,
		ErrorCode:     vbg.ErrorCodeOK,
		SampleCount:   1,
		SampleSHA1:    hashHex,
		LatencyMs:     uc.now().Sub(started).Milliseconds(),
		CreatedAt:     uc.now().UTC(),
		Details:       fmt.Sprintf("status:%t score:%s replay:%t hash:%s", result.Success, scored.Score(), result.ReplayDetected, hashHex),
	}
	if err := uc.persist(ctx, opLogger, log); err != nil {
		return nil, err
	}

	opLogger.Info("verification finished", zap.Bool("verified", result.Verified), zap.Float64("score", result.Score))
	return result, nil
}

// GetResult retrieves a cached outcome or loads it from persistence.
func (uc *VoiceUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.VoiceTransactionLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	pending := false
	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey(requestID))
	switch {
	case err == nil && cached == processingMarker:
		pending = true
	case err == nil:
		var payload cachedResult
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("discarding unreadable cache entry", zap.Error(err))
		} else if payload.UserID == userID {
			return payload.toLog(), nil
		}
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if pending {
			return nil, ErrResultPending
		}
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

// GetReplayReport lists earlier verifications of the same user that submitted
// the audio of requestID.
func (uc *VoiceUseCase) GetReplayReport(ctx context.Context, userID, requestID string) (*ReplayReport, error) {
	log, err := uc.GetResult(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	report := &ReplayReport{Request: log}
	if log.SampleSHA1 == "" {
		return report, nil
	}

	replays, err := uc.repo.FindBySampleHash(ctx, userID, log.SampleSHA1, log.RequestID)
	if err != nil {
		return nil, err
	}
	report.Replays = replays
	return report, nil
}

func (uc *VoiceUseCase) prepareSample(ctx context.Context, userID, requestID string, index int, sample []byte) ([]byte, error) {
	processed, err := uc.processor.Resample(ctx, userID, sample, uc.targetRate)
	if err != nil {
		return nil, err
	}
	if err := uc.archive.Put(ctx, blobstore.SampleKey(requestID, index), processed.Audio); err != nil {
		return nil, err
	}
	return processed.Audio, nil
}

// abort closes an open transaction after a failure. Errors are only logged.
// The close is attempted even when ctx is already cancelled.
func (uc *VoiceUseCase) abort(ctx context.Context, logger *zap.Logger, transactionID string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	resp, err := uc.client.FinishTransaction(abortCtx, transactionID, "false")
	if err != nil {
		logger.Warn("failed to close aborted transaction", zap.Error(err))
		return
	}
	if !resp.OK() {
		logger.Warn("voice service refused to close aborted transaction", zap.String("errorcode", resp.ErrorCode()))
	}
}

// reject records a service-level failure and returns it as *ServiceError.
func (uc *VoiceUseCase) reject(ctx context.Context, logger *zap.Logger, requestID, userID, kind string, started time.Time, op vbg.Operation, resp *vbg.Response, transactionID string) error {
	svcErr := &ServiceError{Operation: op, Code: resp.ErrorCode(), TransactionID: transactionID}
	logger.Warn("voice service rejected call", zap.String("call", string(op)), zap.String("errorcode", svcErr.Code))

	log := &repository.VoiceTransactionLog{
		RequestID:     requestID,
		UserID:        userID,
		Kind:          kind,
		TransactionID: transactionID,
		ErrorCode:     svcErr.Code,
		LatencyMs:     uc.now().Sub(started).Milliseconds(),
		CreatedAt:     uc.now().UTC(),
		Details:       svcErr.Error(),
	}
	if err := uc.persist(ctx, logger, log); err != nil {
		return errors.Join(svcErr, err)
	}
	return svcErr
}

// fail wraps err and drops the processing marker so lookups stop reporting
// the request as pending.
func (uc *VoiceUseCase) fail(ctx context.Context, logger *zap.Logger, operation, requestID string, err error) error {
	wrapped := logging.NewOperationError(operation, requestID, err)
	logger.Error("voice flow failed", zap.Error(wrapped))
	uc.clearProcessing(ctx, logger, requestID)
	return wrapped
}

func (uc *VoiceUseCase) clearProcessing(ctx context.Context, logger *zap.Logger, requestID string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	if err := uc.withRedisRetry(delCtx, requestID, "cache.del.processing", func() error {
		return uc.cache.Del(delCtx, cacheKey(requestID))
	}); err != nil {
		logger.Warn("failed to clear processing flag", zap.Error(err))
	}
}

func (uc *VoiceUseCase) persist(ctx context.Context, logger *zap.Logger, log *repository.VoiceTransactionLog) error {
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		return uc.fail(ctx, logger, "usecase.save_log", log.RequestID, err)
	}

	serialized, err := json.Marshal(fromLog(log))
	if err != nil {
		logger.Error("failed to serialize result", zap.Error(err))
		return err
	}
	if err := uc.withRedisRetry(ctx, log.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey(log.RequestID), string(serialized), resultTTL)
	}); err != nil {
		logger.Error("failed to cache result", zap.Error(err))
		return err
	}
	return nil
}

func (uc *VoiceUseCase) markProcessing(ctx context.Context, requestID string) error {
	return uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey(requestID), processingMarker, processingTTL)
	})
}

func (uc *VoiceUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return retry.Do(ctx, uc.logger, uc.policy, operation, requestID, fn)
}

func (uc *VoiceUseCase) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func fromLog(log *repository.VoiceTransactionLog) cachedResult {
	return cachedResult{
		RequestID:     log.RequestID,
		UserID:        log.UserID,
		Kind:          log.Kind,
		TransactionID: log.TransactionID,
		Success:       log.Success,
		Score:         log.Score,
		ErrorCode:     log.ErrorCode,
		SampleCount:   log.SampleCount,
		UsableSeconds: log.UsableSeconds,
		Details:       log.Details,
		Hash:          log.SampleSHA1,
		LatencyMs:     log.LatencyMs,
		CreatedAt:     log.CreatedAt,
	}
}

func (c cachedResult) toLog() *repository.VoiceTransactionLog {
	return &repository.VoiceTransactionLog{
		RequestID:     c.RequestID,
		UserID:        c.UserID,
		Kind:          c.Kind,
		TransactionID: c.TransactionID,
		Success:       c.Success,
		Score:         c.Score,
		ErrorCode:     c.ErrorCode,
		SampleCount:   c.SampleCount,
		UsableSeconds: c.UsableSeconds,
		Details:       c.Details,
		SampleSHA1:    c.Hash,
		LatencyMs:     c.LatencyMs,
		CreatedAt:     c.CreatedAt,
	}
}
