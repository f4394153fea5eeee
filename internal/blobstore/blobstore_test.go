package blobstore

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/example/voice-check/internal/logging"
)

type stubS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (s *stubS3) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.inputs = append(s.inputs, params)
	body, _ := io.ReadAll(params.Body)
	s.bodies = append(s.bodies, body)
	if s.err != nil {
		return nil, s.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3ArchivePut(t *testing.T) {
	stub := &stubS3{}
	archive := NewS3Archive(stub, "samples", "prod", zap.NewNop())

	if err := archive.Put(context.Background(), SampleKey("req-1", 2), []byte("RIFF")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.inputs) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(stub.inputs))
	}
	in := stub.inputs[0]
	if aws.ToString(in.Bucket) != "samples" {
		t.Fatalf("unexpected bucket %q", aws.ToString(in.Bucket))
	}
	if got := aws.ToString(in.Key); got != "prod/voicesamples/req-1/2.wav" {
		t.Fatalf("unexpected key %q", got)
	}
	if string(stub.bodies[0]) != "RIFF" {
		t.Fatalf("unexpected body %q", stub.bodies[0])
	}
}

func TestS3ArchivePutError(t *testing.T) {
	stub := &stubS3{err: errors.New("access denied")}
	archive := NewS3Archive(stub, "samples", "", zap.NewNop())

	err := archive.Put(context.Background(), "k", nil)
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "blobstore.put" {
		t.Fatalf("unexpected operation %q", opErr.Operation)
	}
}

func TestSampleKey(t *testing.T) {
	if got := SampleKey("abc", 10); got != "voicesamples/abc/10.wav" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := SampleKey("abc", 0); got != "voicesamples/abc/0.wav" {
		t.Fatalf("unexpected key %q", got)
	}
}
