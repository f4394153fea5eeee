package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// VoiceBiometrics holds the settings for the remote voice biometrics service.
type VoiceBiometrics struct {
	Endpoint           string        `env:"ENDPOINT" envDefault:"https://service03.voicebiogroup.com/service/xmlapi"`
	ClientName         string        `env:"CLIENT_NAME"`
	ClientKey          string        `env:"CLIENT_KEY"`
	FormField          string        `env:"FORM_FIELD"`
	Timeout            time.Duration `env:"TIMEOUT" envDefault:"30s"`
	MaxSampleBytes     int64         `env:"MAX_SAMPLE_BYTES" envDefault:"16777216"`
	InsecureSkipVerify bool          `env:"INSECURE_SKIP_VERIFY"`
}

// Validate reports missing credentials.
func (v VoiceBiometrics) Validate() error {
	var errs []error
	if v.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if v.ClientName == "" {
		errs = append(errs, errors.New("client name is required"))
	}
	if v.ClientKey == "" {
		errs = append(errs, errors.New("client key is required"))
	}
	return errors.Join(errs...)
}

// Config is the full service configuration.
type Config struct {
	Voice VoiceBiometrics `envPrefix:"VBG_"`

	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"host=postgres user=postgres password=postgres dbname=voicecheck port=5432 sslmode=disable"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"redis:6379"`

	JWTSecret   string `env:"JWT_SECRET"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	// Empty disables resampling; samples are forwarded untouched.
	AudioProcessorAddr string `env:"AUDIO_PROCESSOR_ADDR"`
	TargetSampleRate   int    `env:"TARGET_SAMPLE_RATE" envDefault:"8000"`

	// Empty disables sample archiving.
	SampleBucket string `env:"SAMPLE_BUCKET"`
	AWSRegion    string `env:"AWS_REGION" envDefault:"us-east-1"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load reads the configuration from VOICE_CHECK_ prefixed environment variables.
func Load() (Config, error) {
	return LoadWithEnvironment(nil)
}

// LoadWithEnvironment parses configuration from the given environment map, or
// from the process environment when environment is nil.
func LoadWithEnvironment(environment map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: "VOICE_CHECK_"}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports missing credentials of the service and of the voice
// biometrics account.
func (c Config) Validate() error {
	var errs []error
	if err := c.Voice.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("voice biometrics config: %w", err))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	return errors.Join(errs...)
}

// LoadVoice reads only the voice biometrics settings. Used by the CLI, which
// has no database or cache.
func LoadVoice() (VoiceBiometrics, error) {
	var v VoiceBiometrics
	if err := env.ParseWithOptions(&v, env.Options{Prefix: "VOICE_CHECK_VBG_"}); err != nil {
		return VoiceBiometrics{}, fmt.Errorf("parse env: %w", err)
	}
	return v, nil
}
