package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/voice-check/internal/audioprocessor"
	"github.com/example/voice-check/internal/logging"
)

// Service and method names of the audio processor sidecar. Messages are
// google.protobuf.Struct values so no generated stubs are needed.
const (
	ServiceName    = "voicecheck.audio.v1.AudioProcessor"
	ResampleMethod = "/" + ServiceName + "/Resample"
)

// DialAudioProcessor returns a ready-to-use gRPC client for the audio sidecar.
func DialAudioProcessor(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (audioprocessor.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_audio_processor", "", err)
		logger.Error("failed to dial audio processor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcAudioProcessor{conn: conn, logger: logger.Named("audio_processor")}, conn, nil
}

type grpcAudioProcessor struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcAudioProcessor) Resample(ctx context.Context, userID string, audio []byte, targetRate int) (*audioprocessor.Result, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"user_id":            userID,
		"audio":              base64.StdEncoding.EncodeToString(audio),
		"target_sample_rate": targetRate,
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.resample", userID, err)
	}

	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, ResampleMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.resample", userID, err)
		g.logger.Error("audio processor call failed", zap.Error(wrapped), zap.String("user_id", userID))
		return nil, wrapped
	}

	result, err := decodeResult(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.resample", userID, err)
	}
	return result, nil
}

func decodeResult(resp *structpb.Struct) (*audioprocessor.Result, error) {
	fields := resp.GetFields()
	encoded := fields["audio"].GetStringValue()
	if encoded == "" {
		return nil, errors.New("audio processor returned no audio")
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode processed audio: %w", err)
	}
	return &audioprocessor.Result{
		Audio:      audio,
		SampleRate: int(fields["sample_rate"].GetNumberValue()),
	}, nil
}

// ResampleFunc implements the sidecar's Resample method.
type ResampleFunc func(ctx context.Context, userID string, audio []byte, targetRate int) ([]byte, int, error)

// RegisterAudioProcessorServer serves fn as the sidecar on s. Used by tests
// and by local development setups that run the processor in process.
func RegisterAudioProcessorServer(s *grpc.Server, fn ResampleFunc) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Resample",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				fields := in.GetFields()
				audio, err := base64.StdEncoding.DecodeString(fields["audio"].GetStringValue())
				if err != nil {
					return nil, err
				}
				out, rate, err := fn(ctx, fields["user_id"].GetStringValue(), audio, int(fields["target_sample_rate"].GetNumberValue()))
				if err != nil {
					return nil, err
				}
				return structpb.NewStruct(map[string]interface{}{
					"audio":       base64.StdEncoding.EncodeToString(out),
					"sample_rate": rate,
				})
			},
		}},
		Metadata: "voicecheck/audio/v1/audio_processor.proto",
	}, struct{}{})
}
