package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/example/voice-check/internal/config"
	"github.com/example/voice-check/internal/logging"
	"github.com/example/voice-check/internal/vbg"
)

// clientFactory builds the client the commands talk through. formField
// overrides the configured form field when non-empty.
type clientFactory func(formField string, logger *zap.Logger) (*vbg.Client, error)

func clientFromEnv(formField string, logger *zap.Logger) (*vbg.Client, error) {
	cfg, err := config.LoadVoice()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("voice biometrics config: %w", err)
	}
	if formField != "" {
		cfg.FormField = formField
	}
	return vbg.NewFromConfig(cfg, logger)
}

type rootOptions struct {
	output    string
	logLevel  string
	formField string
	factory   clientFactory
}

// errRejected is returned when the service answers with a non-zero errorcode.
var errRejected = errors.New("voice service rejected the request")

func newRootCmd(factory clientFactory) *cobra.Command {
	opts := &rootOptions{factory: factory}

	root := &cobra.Command{
		Use:          "vbgctl",
		Short:        "Drive the voice biometrics XML API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "text", "yaml":
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want text or yaml)", opts.output)
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or yaml")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")
	root.PersistentFlags().StringVar(&opts.formField, "form-field", "", "post the document under this form field")

	root.AddCommand(newEnrollCmd(opts), newVerifyCmd(opts), newSendCmd(opts))
	return root
}

func (o *rootOptions) client() (*vbg.Client, *zap.Logger, error) {
	logger, err := logging.NewLogger(o.logLevel)
	if err != nil {
		return nil, nil, err
	}
	client, err := o.factory(o.formField, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, logger, nil
}

func (o *rootOptions) session() (*vbg.Session, *zap.Logger, error) {
	client, logger, err := o.client()
	if err != nil {
		return nil, nil, err
	}
	return client.NewSession(), logger, nil
}

func newEnrollCmd(opts *rootOptions) *cobra.Command {
	var (
		userID  string
		rebuild bool
	)
	cmd := &cobra.Command{
		Use:   "enroll --user ID sample.wav...",
		Short: "Enroll a user from one or more voice samples",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, logger, err := opts.session()
			if err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout(), opts.output)
			ctx := cmd.Context()

			if err := step(out, session, session.StartEnrollment(ctx, userID, rebuild)); err != nil {
				return err
			}
			txID := session.ResponseValue(vbg.FieldTransactionID)
			logger = logging.WithTransaction(logger, txID)

			for _, path := range args {
				if err := step(out, session, session.AudioCheck(ctx, txID, path)); err != nil {
					abort(ctx, session, logger, txID)
					return err
				}
			}
			if err := step(out, session, session.EnrollUser(ctx, txID)); err != nil {
				abort(ctx, session, logger, txID)
				return err
			}
			success := session.ResponseValue(vbg.FieldSuccess)
			if success == "" {
				success = "false"
			}
			return step(out, session, session.FinishTransaction(ctx, txID, success))
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to enroll")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "rebuild the voice template from scratch")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "verify --user ID sample.wav",
		Short: "Verify a voice sample against a user's template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, logger, err := opts.session()
			if err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout(), opts.output)
			ctx := cmd.Context()

			if err := step(out, session, session.StartVerification(ctx, userID)); err != nil {
				return err
			}
			txID := session.ResponseValue(vbg.FieldTransactionID)
			logger = logging.WithTransaction(logger, txID)

			if err := step(out, session, session.VerifySample(ctx, txID, args[0])); err != nil {
				abort(ctx, session, logger, txID)
				return err
			}
			success := session.ResponseValue(vbg.FieldSuccess)
			if success == "" {
				success = "false"
			}
			var score []string
			if s := session.ResponseValue(vbg.FieldScore); s != "" {
				score = append(score, s)
			}
			return step(out, session, session.FinishTransaction(ctx, txID, success, score...))
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to verify")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		requestType string
		fields      []string
	)
	cmd := &cobra.Command{
		Use:   "send --type T [--field name=value]...",
		Short: "Send a raw request and print the reply",
		Long: `Sends an arbitrary request type with the given fields plus the configured
credentials. Types the service does not know are answered with UknownMethod.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseFields(fields)
			if err != nil {
				return err
			}
			client, _, err := opts.client()
			if err != nil {
				return err
			}
			session := client.NewSession()
			creds := client.Credentials()
			values[vbg.FieldClientName] = creds.Name
			values[vbg.FieldClientKey] = creds.Key

			out := newPrinter(cmd.OutOrStdout(), opts.output)
			if err := session.Send(cmd.Context(), vbg.NewRawRequest(vbg.Operation(requestType), values)); err != nil {
				return err
			}
			return out.print(session.Response())
		},
	}
	cmd.Flags().StringVar(&requestType, "type", "", "request type, e.g. StartEnrollment")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "request field as name=value (repeatable)")
	return cmd
}

func parseFields(pairs []string) (map[string]string, error) {
	values := make(map[string]string, len(pairs)+2)
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q (want name=value)", pair)
		}
		values[name] = value
	}
	return values, nil
}

// step prints the reply of one call and turns a non-zero errorcode into an
// error so the command stops.
func step(out *printer, session *vbg.Session, err error) error {
	if err != nil {
		return err
	}
	resp := session.Response()
	if err := out.print(resp); err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s errorcode %s", errRejected, resp.Type, resp.ErrorCode())
	}
	return nil
}

const abortTimeout = 10 * time.Second

// abort closes txID with success=false, also after ctx was cancelled.
func abort(ctx context.Context, session *vbg.Session, logger *zap.Logger, txID string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	if err := session.FinishTransaction(abortCtx, txID, "false"); err != nil {
		logger.Warn("failed to close transaction", zap.Error(err))
	}
}

type printer struct {
	w    io.Writer
	yaml *yaml.Encoder
}

type yamlReply struct {
	Type   string            `yaml:"type"`
	Values map[string]string `yaml:"values"`
}

func newPrinter(w io.Writer, format string) *printer {
	p := &printer{w: w}
	if format == "yaml" {
		p.yaml = yaml.NewEncoder(w)
		p.yaml.SetIndent(2)
	}
	return p
}

func (p *printer) print(resp *vbg.Response) error {
	if p.yaml != nil {
		return p.yaml.Encode(yamlReply{Type: resp.Type, Values: resp.Values})
	}

	names := make([]string, 0, len(resp.Values))
	for name := range resp.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	if _, err := fmt.Fprintf(p.w, "type=%s\n", resp.Type); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := fmt.Fprintf(p.w, "%s=%s\n", name, resp.Values[name]); err != nil {
			return err
		}
	}
	return nil
}
