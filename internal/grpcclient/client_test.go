package grpcclient

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/voice-check/internal/logging"
)

func startProcessor(t *testing.T, fn ResampleFunc) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterAudioProcessorServer(srv, fn)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func dial(t *testing.T, lis *bufconn.Listener) *grpcAudioProcessor {
	t.Helper()
	client, conn, err := DialAudioProcessor(context.Background(), "bufnet", zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return client.(*grpcAudioProcessor)
}

func TestResampleRoundTrip(t *testing.T) {
	var gotUser string
	var gotRate int
	lis := startProcessor(t, func(_ context.Context, userID string, audio []byte, targetRate int) ([]byte, int, error) {
		gotUser, gotRate = userID, targetRate
		return bytes.ToUpper(audio), targetRate, nil
	})
	client := dial(t, lis)

	result, err := client.Resample(context.Background(), "alice", []byte("pcm-data"), 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.Audio) != "PCM-DATA" {
		t.Fatalf("unexpected audio %q", result.Audio)
	}
	if result.SampleRate != 8000 || gotRate != 8000 {
		t.Fatalf("unexpected rates: result %d, server saw %d", result.SampleRate, gotRate)
	}
	if gotUser != "alice" {
		t.Fatalf("unexpected user %q", gotUser)
	}
}

func TestResampleWrapsServerErrors(t *testing.T) {
	lis := startProcessor(t, func(context.Context, string, []byte, int) ([]byte, int, error) {
		return nil, 0, status.Error(codes.InvalidArgument, "not a wav file")
	})
	client := dial(t, lis)

	_, err := client.Resample(context.Background(), "bob", []byte("x"), 8000)
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "grpcclient.resample" || opErr.RequestID != "bob" {
		t.Fatalf("unexpected metadata: %+v", opErr)
	}
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", status.Code(err))
	}
}

func TestResampleRejectsEmptyAudio(t *testing.T) {
	lis := startProcessor(t, func(context.Context, string, []byte, int) ([]byte, int, error) {
		return nil, 8000, nil
	})
	client := dial(t, lis)

	if _, err := client.Resample(context.Background(), "carol", []byte("x"), 8000); err == nil {
		t.Fatal("expected error for empty processed audio")
	}
}
