package vbg

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/voice-check/internal/config"
	"github.com/example/voice-check/internal/logging"
)

const maxResponseBytes = 1 << 20

// Options configures a Client.
type Options struct {
	Endpoint    string
	Credentials Credentials
	// FormField, when set, names the form field the XML document is posted
	// under. Otherwise the encoded document is the whole body.
	FormField      string
	Timeout        time.Duration
	MaxSampleBytes int64
	// InsecureSkipVerify disables TLS certificate checks. Only meant for test
	// deployments of the service with self-signed certificates.
	InsecureSkipVerify bool
	// HTTPClient overrides the transport; Timeout and InsecureSkipVerify are
	// ignored when it is set.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client performs request/response exchanges with the voice biometrics
// service. It holds only immutable configuration and is safe for concurrent
// use; see Session for the stateful variant.
type Client struct {
	endpoint       string
	creds          Credentials
	formField      string
	maxSampleBytes int64
	httpClient     *http.Client
	logger         *zap.Logger
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("vbg: endpoint not configured")
	}
	if !opts.Credentials.valid() {
		return nil, ErrMissingCredentials
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	maxSample := opts.MaxSampleBytes
	if maxSample == 0 {
		maxSample = DefaultMaxSampleBytes
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		endpoint:       opts.Endpoint,
		creds:          opts.Credentials,
		formField:      opts.FormField,
		maxSampleBytes: maxSample,
		httpClient:     httpClient,
		logger:         logger.Named("vbg_client"),
	}, nil
}

// NewFromConfig builds a Client from the environment configuration.
func NewFromConfig(cfg config.VoiceBiometrics, logger *zap.Logger) (*Client, error) {
	return New(Options{
		Endpoint:           cfg.Endpoint,
		Credentials:        Credentials{Name: cfg.ClientName, Key: cfg.ClientKey},
		FormField:          cfg.FormField,
		Timeout:            cfg.Timeout,
		MaxSampleBytes:     cfg.MaxSampleBytes,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Logger:             logger,
	})
}

// Credentials returns the client credentials attached to typed commands.
func (c *Client) Credentials() Credentials { return c.creds }

// MaxSampleBytes returns the per-sample size limit.
func (c *Client) MaxSampleBytes() int64 { return c.maxSampleBytes }

// Execute builds the request for cmd and sends it.
func (c *Client) Execute(ctx context.Context, cmd Command) (*Response, error) {
	req, err := Build(cmd, c.creds)
	if err != nil {
		return nil, logging.NewOperationError("vbg.build_request", "", err)
	}
	return c.Send(ctx, req)
}

// Send performs one exchange using the configured form field.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	return c.SendField(ctx, req, c.formField)
}

// SendField performs one exchange, posting the XML document under fieldName
// when it is non-empty. A request without a type fails before any network
// access. Non-zero service errorcodes are returned as ordinary responses.
func (c *Client) SendField(ctx context.Context, req Request, fieldName string) (*Response, error) {
	operation := "vbg.send"
	if req.Type != "" {
		operation = "vbg." + string(req.Type)
	}

	doc, err := EncodeRequest(req)
	if err != nil {
		return nil, logging.NewOperationError(operation, "", err)
	}
	body := FormBody(doc, fieldName)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, logging.NewOperationError(operation, "", fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	started := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		wrapped := logging.NewOperationError(operation, "", fmt.Errorf("failed to execute request: %w", err))
		c.logger.Warn("voice biometrics request failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, logging.NewOperationError(operation, "", fmt.Errorf("failed to read response body: %w", err))
	}

	resp, decodeErr := DecodeResponse(bytes.NewReader(raw))
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: httpResp.StatusCode, Body: truncate(string(raw), 512)}
		if decodeErr == nil {
			statusErr.Response = resp
		}
		c.logger.Warn("voice biometrics service returned error status",
			zap.String("operation", string(req.Type)),
			zap.Int("status", httpResp.StatusCode))
		return nil, logging.NewOperationError(operation, "", statusErr)
	}
	if decodeErr != nil {
		return nil, logging.NewOperationError(operation, "", decodeErr)
	}

	c.logger.Debug("voice biometrics exchange",
		zap.String("operation", string(req.Type)),
		zap.String("response_type", resp.Type),
		zap.String("errorcode", resp.ErrorCode()),
		zap.Duration("elapsed", time.Since(started)))
	return resp, nil
}

// StartEnrollment opens an enrollment transaction for userID.
func (c *Client) StartEnrollment(ctx context.Context, userID string, rebuildTemplate bool) (*Response, error) {
	return c.Execute(ctx, StartEnrollment{UserID: userID, RebuildTemplate: rebuildTemplate})
}

// AudioCheck submits the audio file at audioPath under transactionID.
func (c *Client) AudioCheck(ctx context.Context, transactionID, audioPath string) (*Response, error) {
	sample, err := EncodeSampleFile(audioPath, c.maxSampleBytes)
	if err != nil {
		return nil, logging.NewOperationError("vbg.AudioCheck", "", err)
	}
	return c.Execute(ctx, AudioCheck{TransactionID: transactionID, Sample: sample})
}

// AudioCheckSample submits in-memory audio under transactionID.
func (c *Client) AudioCheckSample(ctx context.Context, transactionID string, audio []byte) (*Response, error) {
	if err := c.checkSize(audio); err != nil {
		return nil, logging.NewOperationError("vbg.AudioCheck", "", err)
	}
	return c.Execute(ctx, AudioCheck{TransactionID: transactionID, Sample: EncodeSample(audio)})
}

// EnrollUser finalizes the enrollment template for transactionID.
func (c *Client) EnrollUser(ctx context.Context, transactionID string) (*Response, error) {
	return c.Execute(ctx, EnrollUser{TransactionID: transactionID})
}

// FinishTransaction closes transactionID. Pass a score only when closing a
// verification.
func (c *Client) FinishTransaction(ctx context.Context, transactionID, success string, score ...string) (*Response, error) {
	cmd := FinishTransaction{TransactionID: transactionID, Success: success}
	if len(score) > 0 {
		cmd.Score = &score[0]
	}
	return c.Execute(ctx, cmd)
}

// StartVerification opens a verification transaction for userID.
func (c *Client) StartVerification(ctx context.Context, userID string) (*Response, error) {
	return c.Execute(ctx, StartVerification{UserID: userID})
}

// VerifySample scores the audio file at audioPath under transactionID.
func (c *Client) VerifySample(ctx context.Context, transactionID, audioPath string) (*Response, error) {
	sample, err := EncodeSampleFile(audioPath, c.maxSampleBytes)
	if err != nil {
		return nil, logging.NewOperationError("vbg.VerifySample", "", err)
	}
	return c.Execute(ctx, VerifySample{TransactionID: transactionID, Sample: sample})
}

// VerifySampleBytes scores in-memory audio under transactionID.
func (c *Client) VerifySampleBytes(ctx context.Context, transactionID string, audio []byte) (*Response, error) {
	if err := c.checkSize(audio); err != nil {
		return nil, logging.NewOperationError("vbg.VerifySample", "", err)
	}
	return c.Execute(ctx, VerifySample{TransactionID: transactionID, Sample: EncodeSample(audio)})
}

func (c *Client) checkSize(audio []byte) error {
	if c.maxSampleBytes > 0 && int64(len(audio)) > c.maxSampleBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrSampleTooLarge, len(audio), c.maxSampleBytes)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
