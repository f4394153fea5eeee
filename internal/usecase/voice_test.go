package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/voice-check/internal/audioprocessor"
	"github.com/example/voice-check/internal/logging"
	"github.com/example/voice-check/internal/repository"
	"github.com/example/voice-check/internal/vbg"
	"github.com/example/voice-check/internal/vbg/vbgtest"
)

type stubRepository struct {
	savedLogs   []*repository.VoiceTransactionLog
	saveErr     error
	findLog     *repository.VoiceTransactionLog
	findErr     error
	findCalls   int
	hashMatches []*repository.VoiceTransactionLog
	hashQueries []string
	metrics     []repository.KindMetrics
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.VoiceTransactionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VoiceTransactionLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepository) FindBySampleHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.VoiceTransactionLog, error) {
	s.hashQueries = append(s.hashQueries, hash)
	return s.hashMatches, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) ([]repository.KindMetrics, error) {
	return s.metrics, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []interface{}
	getKeys   []string
	delKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

func (s *stubCache) Del(ctx context.Context, key string) error {
	s.delKeys = append(s.delKeys, key)
	return nil
}

type stubArchive struct {
	mu   sync.Mutex
	keys []string
}

func (s *stubArchive) Put(ctx context.Context, key string, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

type stubProcessor struct {
	err    error
	cancel context.CancelFunc
	rates  []int
}

func (s *stubProcessor) Resample(ctx context.Context, userID string, audio []byte, targetRate int) (*audioprocessor.Result, error) {
	s.rates = append(s.rates, targetRate)
	if s.cancel != nil {
		s.cancel()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &audioprocessor.Result{Audio: audio, SampleRate: targetRate}, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newVoiceClient(t *testing.T) (*vbg.Client, *vbgtest.Server) {
	t.Helper()
	srv := vbgtest.NewServer(t)
	client, err := vbg.New(srv.Options())
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client, srv
}

func callTypes(calls []vbgtest.Call) []string {
	types := make([]string, 0, len(calls))
	for _, call := range calls {
		types = append(types, call.Type)
	}
	return types
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnrollRunsFullTransaction(t *testing.T) {
	client, srv := newVoiceClient(t)
	repo := &stubRepository{}
	cache := &stubCache{}
	archive := &stubArchive{}
	processor := &stubProcessor{}
	uc := NewVoiceUseCase(repo, cache, client, zap.NewNop(), Options{Processor: processor, Archive: archive})

	result, err := uc.Enroll(context.Background(), "alice", [][]byte{[]byte("one"), []byte("two")}, true)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Success || result.SampleCount != 2 || result.UsableSeconds != 9 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.TransactionID != "tx-1" {
		t.Fatalf("unexpected transaction id %q", result.TransactionID)
	}

	want := []string{"StartEnrollment", "AudioCheck", "AudioCheck", "EnrollUser", "FinishTransaction"}
	calls := srv.Calls()
	if got := callTypes(calls); !equalStrings(got, want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	if calls[0].Fields[vbg.FieldRebuildTemplate] != "true" {
		t.Fatalf("expected rebuildtemplate=true, got %q", calls[0].Fields[vbg.FieldRebuildTemplate])
	}
	if calls[4].Fields[vbg.FieldSuccess] != "true" {
		t.Fatalf("expected finish success=true, got %q", calls[4].Fields[vbg.FieldSuccess])
	}

	if len(archive.keys) != 2 || archive.keys[1] != "voicesamples/"+result.RequestID+"/1.wav" {
		t.Fatalf("unexpected archived keys: %v", archive.keys)
	}
	if len(processor.rates) != 2 || processor.rates[0] != 8000 {
		t.Fatalf("expected samples resampled to 8000 Hz, got %v", processor.rates)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Kind != repository.KindEnrollment {
		t.Fatalf("expected one enrollment log, got %+v", repo.savedLogs)
	}
	if len(cache.setKeys) != 2 || cache.setValues[0] != processingMarker {
		t.Fatalf("expected processing marker then result, got %v", cache.setValues)
	}
}

func TestEnrollAbortsOnServiceErrorCode(t *testing.T) {
	client, srv := newVoiceClient(t)
	srv.SetReply("AudioCheck", "<AudioCheck><errorcode>31</errorcode></AudioCheck>")
	repo := &stubRepository{}
	uc := NewVoiceUseCase(repo, &stubCache{}, client, zap.NewNop(), Options{})

	_, err := uc.Enroll(context.Background(), "alice", [][]byte{[]byte("one"), []byte("two")}, false)
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %T (%v)", err, err)
	}
	if svcErr.Operation != vbg.OpAudioCheck || svcErr.Code != "31" || svcErr.TransactionID != "tx-1" {
		t.Fatalf("unexpected service error: %+v", svcErr)
	}

	want := []string{"StartEnrollment", "AudioCheck", "FinishTransaction"}
	calls := srv.Calls()
	if got := callTypes(calls); !equalStrings(got, want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	if calls[2].Fields[vbg.FieldSuccess] != "false" {
		t.Fatalf("expected aborted transaction to finish with success=false")
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].ErrorCode != "31" {
		t.Fatalf("expected failure to be logged, got %+v", repo.savedLogs)
	}
}

func TestEnrollRequiresSamples(t *testing.T) {
	client, srv := newVoiceClient(t)
	uc := NewVoiceUseCase(&stubRepository{}, &stubCache{}, client, zap.NewNop(), Options{})

	if _, err := uc.Enroll(context.Background(), "alice", nil, false); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("expected ErrNoSamples, got %v", err)
	}
	if n := len(srv.Calls()); n != 0 {
		t.Fatalf("expected no service calls, got %d", n)
	}
}

func TestVerifyReportsScore(t *testing.T) {
	client, srv := newVoiceClient(t)
	repo := &stubRepository{}
	uc := NewVoiceUseCase(repo, &stubCache{}, client, zap.NewNop(), Options{})

	result, err := uc.Verify(context.Background(), "alice", []byte("hello"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Success || !result.Verified || result.ReplayDetected {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Score != 87.25 || result.Prompt != "one two three four" {
		t.Fatalf("unexpected score/prompt: %+v", result)
	}

	calls := srv.Calls()
	finish := calls[len(calls)-1]
	if finish.Type != "FinishTransaction" || finish.Fields[vbg.FieldScore] != "87.25" || finish.Fields[vbg.FieldSuccess] != "true" {
		t.Fatalf("unexpected finish call: %+v", finish)
	}
	if len(repo.hashQueries) != 1 || repo.hashQueries[0] != "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" {
		t.Fatalf("unexpected sample hash lookups: %v", repo.hashQueries)
	}
	if repo.savedLogs[0].SampleSHA1 != repo.hashQueries[0] {
		t.Fatalf("expected log to carry the sample hash")
	}
}

func TestVerifyRejectedSample(t *testing.T) {
	client, srv := newVoiceClient(t)
	srv.SetRejectSample("impostor")
	uc := NewVoiceUseCase(&stubRepository{}, &stubCache{}, client, zap.NewNop(), Options{})

	result, err := uc.Verify(context.Background(), "alice", []byte("impostor"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Success || result.Verified || result.Score != 12.5 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestVerifyFlagsReplayedSample(t *testing.T) {
	client, _ := newVoiceClient(t)
	repo := &stubRepository{hashMatches: []*repository.VoiceTransactionLog{{RequestID: "earlier"}}}
	uc := NewVoiceUseCase(repo, &stubCache{}, client, zap.NewNop(), Options{})

	result, err := uc.Verify(context.Background(), "alice", []byte("hello"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.ReplayDetected || result.Verified {
		t.Fatalf("expected replay to block verification, got %+v", result)
	}
	if !result.Success {
		t.Fatalf("service verdict should still be reported")
	}
}

func TestVerifyRetriesRedisSet(t *testing.T) {
	client, _ := newVoiceClient(t)
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	uc := NewVoiceUseCase(repo, cache, client, zap.NewNop(), Options{})

	if _, err := uc.Verify(context.Background(), "user-1", []byte("audio")); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
}

func TestVerifyReturnsOperationErrorOnCacheFailure(t *testing.T) {
	client, srv := newVoiceClient(t)
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := NewVoiceUseCase(&stubRepository{}, cache, client, zap.NewNop(), Options{})

	_, err := uc.Verify(context.Background(), "user-1", []byte("audio"))
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if n := len(srv.Calls()); n != 0 {
		t.Fatalf("expected no service calls, got %d", n)
	}
}

func TestVerifySurfacesStatusError(t *testing.T) {
	client, srv := newVoiceClient(t)
	srv.SetStatus(503)
	uc := NewVoiceUseCase(&stubRepository{}, &stubCache{}, client, zap.NewNop(), Options{})

	_, err := uc.Verify(context.Background(), "user-1", []byte("audio"))
	var statusErr *vbg.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 503 {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
}

func TestVerifyFailsWhenPreprocessingFails(t *testing.T) {
	client, srv := newVoiceClient(t)
	processor := &stubProcessor{err: errors.New("resampler down")}
	uc := NewVoiceUseCase(&stubRepository{}, &stubCache{}, client, zap.NewNop(), Options{Processor: processor})

	_, err := uc.Verify(context.Background(), "user-1", []byte("audio"))
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.prepare_sample" {
		t.Fatalf("expected prepare_sample OperationError, got %v", err)
	}
	want := []string{"StartVerification", "FinishTransaction"}
	if got := callTypes(srv.Calls()); !equalStrings(got, want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
}

func TestEnrollClosesTransactionWhenRequestCancelled(t *testing.T) {
	client, srv := newVoiceClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor := &stubProcessor{cancel: cancel}
	uc := NewVoiceUseCase(&stubRepository{}, &stubCache{}, client, zap.NewNop(), Options{Processor: processor})

	_, err := uc.Enroll(ctx, "alice", [][]byte{[]byte("one")}, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	calls := srv.Calls()
	want := []string{"StartEnrollment", "FinishTransaction"}
	if got := callTypes(calls); !equalStrings(got, want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	if calls[1].Fields[vbg.FieldSuccess] != "false" {
		t.Fatalf("expected aborted transaction to finish with success=false")
	}
}

func TestTransportFailureClearsProcessingMarker(t *testing.T) {
	client, srv := newVoiceClient(t)
	srv.SetStatus(503)
	cache := &stubCache{}
	uc := NewVoiceUseCase(&stubRepository{}, cache, client, zap.NewNop(), Options{})

	if _, err := uc.Verify(context.Background(), "user-1", []byte("audio")); err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(cache.setKeys) != 1 || cache.setValues[0] != processingMarker {
		t.Fatalf("expected only the processing marker to be set, got %v", cache.setValues)
	}
	if len(cache.delKeys) != 1 || cache.delKeys[0] != cache.setKeys[0] {
		t.Fatalf("expected processing marker %s to be cleared, got %v", cache.setKeys[0], cache.delKeys)
	}
}

func TestSaveFailureClearsProcessingMarker(t *testing.T) {
	client, _ := newVoiceClient(t)
	cache := &stubCache{}
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := NewVoiceUseCase(repo, cache, client, zap.NewNop(), Options{})

	_, err := uc.Enroll(context.Background(), "alice", [][]byte{[]byte("one")}, false)
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.save_log" {
		t.Fatalf("expected save_log OperationError, got %v", err)
	}
	if len(cache.delKeys) != 1 || cache.delKeys[0] != cache.setKeys[0] {
		t.Fatalf("expected processing marker to be cleared, got %v", cache.delKeys)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	client, _ := newVoiceClient(t)
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.VoiceTransactionLog{RequestID: "req", UserID: "user", Details: "from-db"}
	repo := &stubRepository{findLog: expected}
	uc := NewVoiceUseCase(repo, cache, client, zap.NewNop(), Options{})

	log, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultServesCachedResult(t *testing.T) {
	client, _ := newVoiceClient(t)
	payload, _ := json.Marshal(cachedResult{RequestID: "req", UserID: "user", Kind: repository.KindVerification, Score: 55})
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	uc := NewVoiceUseCase(repo, cache, client, zap.NewNop(), Options{})

	log, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log.Score != 55 || log.Kind != repository.KindVerification {
		t.Fatalf("unexpected cached log: %+v", log)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected repository to be skipped, got %d calls", repo.findCalls)
	}
	if cache.getKeys[0] != "voice:req" {
		t.Fatalf("unexpected cache key %s", cache.getKeys[0])
	}
}

func TestGetResultIgnoresOtherUsersCache(t *testing.T) {
	client, _ := newVoiceClient(t)
	payload, _ := json.Marshal(cachedResult{RequestID: "req", UserID: "mallory"})
	repo := &stubRepository{}
	uc := NewVoiceUseCase(repo, &stubCache{getValues: []string{string(payload)}}, client, zap.NewNop(), Options{})

	if _, err := uc.GetResult(context.Background(), "user", "req"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func TestGetResultPending(t *testing.T) {
	client, _ := newVoiceClient(t)
	uc := NewVoiceUseCase(&stubRepository{}, &stubCache{getValues: []string{processingMarker}}, client, zap.NewNop(), Options{})

	if _, err := uc.GetResult(context.Background(), "user", "req"); !errors.Is(err, ErrResultPending) {
		t.Fatalf("expected ErrResultPending, got %v", err)
	}
}

func TestGetReplayReport(t *testing.T) {
	client, _ := newVoiceClient(t)
	repo := &stubRepository{
		findLog:     &repository.VoiceTransactionLog{RequestID: "req", UserID: "user", SampleSHA1: "abc"},
		hashMatches: []*repository.VoiceTransactionLog{{RequestID: "old"}},
	}
	uc := NewVoiceUseCase(repo, &stubCache{getErrs: []error{redis.Nil}}, client, zap.NewNop(), Options{})

	report, err := uc.GetReplayReport(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(report.Replays) != 1 || report.Replays[0].RequestID != "old" {
		t.Fatalf("unexpected replays: %+v", report.Replays)
	}
	if repo.hashQueries[0] != "abc" {
		t.Fatalf("expected lookup by stored hash, got %v", repo.hashQueries)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	client, _ := newVoiceClient(t)
	repo := &stubRepository{metrics: []repository.KindMetrics{
		{Kind: repository.KindEnrollment, TotalCount: 4, SuccessCount: 3},
		{Kind: repository.KindVerification, TotalCount: 10, SuccessCount: 5, AverageScore: 61.5, AverageLatencyMs: 120},
	}}
	uc := NewVoiceUseCase(repo, &stubCache{}, client, zap.NewNop(), Options{})

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.Enrollment.SuccessRate != 0.75 {
		t.Fatalf("unexpected enrollment success rate %v", summary.Enrollment.SuccessRate)
	}
	if summary.Verification.SuccessRate != 0.5 || summary.Verification.AverageScore != 61.5 {
		t.Fatalf("unexpected verification summary %+v", summary.Verification)
	}
}
