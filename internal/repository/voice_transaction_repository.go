package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/voice-check/internal/retry"
)

// Transaction kinds.
const (
	KindEnrollment   = "enrollment"
	KindVerification = "verification"
)

// VoiceTransactionLog is the persisted outcome of one enrollment or
// verification flow against the voice biometrics service.
type VoiceTransactionLog struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID        string    `gorm:"column:user_id;size:64;index"`
	Kind          string    `gorm:"column:kind;size:16;index"`
	TransactionID string    `gorm:"column:transaction_id;size:128"`
	Success       bool      `gorm:"column:success"`
	Score         float64   `gorm:"column:score"`
	ErrorCode     string    `gorm:"column:error_code;size:16"`
	SampleCount   int       `gorm:"column:sample_count"`
	UsableSeconds float64   `gorm:"column:usable_seconds"`
	SampleSHA1    string    `gorm:"column:sample_sha1;size:40;index"`
	LatencyMs     int64     `gorm:"column:latency_ms"`
	Details       string    `gorm:"column:details;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VoiceTransactionLog) TableName() string {
	return "voice_transaction_logs"
}

// KindMetrics aggregates logs of one kind.
type KindMetrics struct {
	Kind             string
	TotalCount       int64
	SuccessCount     int64
	AverageScore     float64
	AverageLatencyMs float64
}

// VoiceTransactionRepository persists voice transaction logs.
type VoiceTransactionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewVoiceTransactionRepository creates a new repository instance.
func NewVoiceTransactionRepository(db *gorm.DB, logger *zap.Logger) *VoiceTransactionRepository {
	return &VoiceTransactionRepository{
		db:     db,
		logger: logger.Named("voice_transaction_repository"),
		policy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VoiceTransactionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&VoiceTransactionLog{})
	})
}

// SaveLog persists a log entry.
func (r *VoiceTransactionRepository) SaveLog(ctx context.Context, log *VoiceTransactionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves the log matching the request and owner.
func (r *VoiceTransactionRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*VoiceTransactionLog, error) {
	var log VoiceTransactionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindBySampleHash returns the user's earlier verifications that submitted the
// exact same audio, newest first.
func (r *VoiceTransactionRepository) FindBySampleHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*VoiceTransactionLog, error) {
	var logs []*VoiceTransactionLog
	err := r.executeWithRetry(ctx, "repository.find_by_sample_hash", excludeRequestID, func() error {
		query := r.db.WithContext(ctx).
			Where("user_id = ? AND kind = ? AND sample_sha1 = ?", userID, KindVerification, hash)
		if excludeRequestID != "" {
			query = query.Where("request_id <> ?", excludeRequestID)
		}
		return query.Order("created_at DESC").Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics summarises logs per kind.
func (r *VoiceTransactionRepository) AggregateMetrics(ctx context.Context) ([]KindMetrics, error) {
	var rows []KindMetrics
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Model(&VoiceTransactionLog{}).
			Select("kind, COUNT(*) AS total_count, " +
				"SUM(CASE WHEN success THEN 1 ELSE 0 END) AS success_count, " +
				"COALESCE(AVG(score), 0) AS average_score, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Group("kind").
			Order("kind").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *VoiceTransactionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.logger, r.policy, operation, requestID, fn)
}
