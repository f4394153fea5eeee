// Package blobstore archives submitted voice samples.
package blobstore

import (
	"bytes"
	"context"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/example/voice-check/internal/logging"
)

// Archive stores a sample under key.
type Archive interface {
	Put(ctx context.Context, key string, audio []byte) error
}

// Noop discards samples. Used when no bucket is configured.
type Noop struct{}

// Put does nothing.
func (Noop) Put(context.Context, string, []byte) error { return nil }

// S3API is the subset of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes samples to an S3 bucket below prefix.
type S3Archive struct {
	client S3API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Archive creates an archive writing to bucket.
func NewS3Archive(client S3API, bucket, prefix string, logger *zap.Logger) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix, logger: logger.Named("sample_archive")}
}

// Put uploads audio as a WAV object.
func (a *S3Archive) Put(ctx context.Context, key string, audio []byte) error {
	objectKey := path.Join(a.prefix, key)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(audio),
		ContentType: aws.String("audio/wav"),
	})
	if err != nil {
		wrapped := logging.NewOperationError("blobstore.put", key, err)
		a.logger.Error("failed to archive voice sample", zap.Error(wrapped), zap.String("bucket", a.bucket))
		return wrapped
	}
	a.logger.Debug("archived voice sample", zap.String("key", objectKey), zap.Int("bytes", len(audio)))
	return nil
}

// SampleKey names the object for the index-th sample of a request.
func SampleKey(requestID string, index int) string {
	return path.Join("voicesamples", requestID, strconv.Itoa(index)+".wav")
}
