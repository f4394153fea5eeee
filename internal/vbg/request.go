package vbg

import (
	"maps"
	"strconv"
)

// Request is one outbound call: an operation plus its string fields. Requests
// are built fresh per call and never mutated after construction.
type Request struct {
	Type   Operation
	Fields map[string]string
}

// NewRawRequest builds a request for an arbitrary operation name. It is the
// escape hatch for methods this package has no typed command for.
func NewRawRequest(op Operation, fields map[string]string) Request {
	return Request{Type: op, Fields: maps.Clone(fields)}
}

// Credentials identify the calling client. They are attached to every request.
type Credentials struct {
	Name string
	Key  string
}

func (c Credentials) valid() bool {
	return c.Name != "" && c.Key != ""
}

// Command is a typed service call. Each implementation carries exactly the
// fields its operation requires.
type Command interface {
	Operation() Operation
	Validate() error
	fields() map[string]string
}

// Build validates cmd and returns the request to send for it.
func Build(cmd Command, creds Credentials) (Request, error) {
	if err := cmd.Validate(); err != nil {
		return Request{}, err
	}
	fields := cmd.fields()
	fields[FieldClientName] = creds.Name
	fields[FieldClientKey] = creds.Key
	return Request{Type: cmd.Operation(), Fields: fields}, nil
}

// StartEnrollment opens an enrollment transaction for UserID.
type StartEnrollment struct {
	UserID string
	// RebuildTemplate asks the service to discard the stored voice template
	// instead of updating it.
	RebuildTemplate bool
}

func (StartEnrollment) Operation() Operation { return OpStartEnrollment }

func (c StartEnrollment) Validate() error {
	if c.UserID == "" {
		return missingField(OpStartEnrollment, FieldUserID)
	}
	return nil
}

func (c StartEnrollment) fields() map[string]string {
	return map[string]string{
		FieldUserID:          c.UserID,
		FieldRebuildTemplate: strconv.FormatBool(c.RebuildTemplate),
	}
}

// AudioCheck submits one base64 encoded sample for quality scoring.
type AudioCheck struct {
	TransactionID string
	Sample        string
}

func (AudioCheck) Operation() Operation { return OpAudioCheck }

func (c AudioCheck) Validate() error {
	return requireTransactionAndSample(OpAudioCheck, c.TransactionID, c.Sample)
}

func (c AudioCheck) fields() map[string]string {
	return map[string]string{
		FieldTransactionID: c.TransactionID,
		FieldVoiceSample:   c.Sample,
	}
}

// EnrollUser computes the template from the samples accumulated so far.
type EnrollUser struct {
	TransactionID string
}

func (EnrollUser) Operation() Operation { return OpEnrollUser }

func (c EnrollUser) Validate() error {
	if c.TransactionID == "" {
		return missingField(OpEnrollUser, FieldTransactionID)
	}
	return nil
}

func (c EnrollUser) fields() map[string]string {
	return map[string]string{FieldTransactionID: c.TransactionID}
}

// FinishTransaction closes an enrollment or verification transaction. Score is
// only sent when set, which is the verification case.
type FinishTransaction struct {
	TransactionID string
	Success       string
	Score         *string
}

func (FinishTransaction) Operation() Operation { return OpFinishTransaction }

func (c FinishTransaction) Validate() error {
	if c.TransactionID == "" {
		return missingField(OpFinishTransaction, FieldTransactionID)
	}
	if c.Success == "" {
		return missingField(OpFinishTransaction, FieldSuccess)
	}
	return nil
}

func (c FinishTransaction) fields() map[string]string {
	f := map[string]string{
		FieldTransactionID: c.TransactionID,
		FieldSuccess:       c.Success,
	}
	if c.Score != nil {
		f[FieldScore] = *c.Score
	}
	return f
}

// StartVerification opens a verification transaction for UserID.
type StartVerification struct {
	UserID string
}

func (StartVerification) Operation() Operation { return OpStartVerification }

func (c StartVerification) Validate() error {
	if c.UserID == "" {
		return missingField(OpStartVerification, FieldUserID)
	}
	return nil
}

func (c StartVerification) fields() map[string]string {
	return map[string]string{FieldUserID: c.UserID}
}

// VerifySample scores one base64 encoded sample against the enrolled template.
type VerifySample struct {
	TransactionID string
	Sample        string
}

func (VerifySample) Operation() Operation { return OpVerifySample }

func (c VerifySample) Validate() error {
	return requireTransactionAndSample(OpVerifySample, c.TransactionID, c.Sample)
}

func (c VerifySample) fields() map[string]string {
	return map[string]string{
		FieldTransactionID: c.TransactionID,
		FieldVoiceSample:   c.Sample,
	}
}

func requireTransactionAndSample(op Operation, transactionID, sample string) error {
	if transactionID == "" {
		return missingField(op, FieldTransactionID)
	}
	if sample == "" {
		return missingField(op, FieldVoiceSample)
	}
	return nil
}
