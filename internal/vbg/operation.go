// Package vbg is a client for the voice biometrics XML API.
//
// Each exchange is one form-encoded POST carrying an XML document whose root
// element names the operation and whose children are the request fields. The
// reply is a flat XML document read back into a string map. The client keeps
// no transaction state; callers thread the service-issued transaction id
// through the calls of an enrollment or verification.
package vbg

// Operation names a service method. It is used both as the XML root tag of a
// request and as the service's dispatch key.
type Operation string

const (
	OpStartEnrollment   Operation = "StartEnrollment"
	OpAudioCheck        Operation = "AudioCheck"
	OpEnrollUser        Operation = "EnrollUser"
	OpFinishTransaction Operation = "FinishTransaction"
	OpStartVerification Operation = "StartVerification"
	OpVerifySample      Operation = "VerifySample"
)

// UnknownMethod is the response type the service answers with when the
// request root tag is not a method it knows. The spelling is the service's.
const UnknownMethod = "UknownMethod"

// Known reports whether op is one of the operations this client issues.
func (op Operation) Known() bool {
	switch op {
	case OpStartEnrollment, OpAudioCheck, OpEnrollUser, OpFinishTransaction, OpStartVerification, OpVerifySample:
		return true
	}
	return false
}

func (op Operation) String() string { return string(op) }

// Request field names.
const (
	FieldClientName      = "clientname"
	FieldClientKey       = "clientkey"
	FieldUserID          = "userid"
	FieldTransactionID   = "transactionid"
	FieldVoiceSample     = "voicesample"
	FieldRebuildTemplate = "rebuildtemplate"
	FieldSuccess         = "success"
	FieldScore           = "score"
)

// Response field names observed from the service.
const (
	FieldErrorCode  = "errorcode"
	FieldPrompt     = "prompt"
	FieldUsableTime = "usabletime"
)

// ErrorCodeOK is the errorcode value of a successful call.
const ErrorCodeOK = "0"
