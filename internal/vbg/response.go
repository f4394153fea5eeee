package vbg

import "strconv"

// Response is a decoded service reply. Type is the root element name and
// Values holds one entry per direct child element.
type Response struct {
	Type   string
	Values map[string]string
}

// Value returns the named field and whether the service sent it.
func (r *Response) Value(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	v, ok := r.Values[name]
	return v, ok
}

func (r *Response) get(name string) string {
	v, _ := r.Value(name)
	return v
}

// ErrorCode returns the service errorcode, empty when absent.
func (r *Response) ErrorCode() string { return r.get(FieldErrorCode) }

// OK reports whether the service answered with errorcode 0. The client never
// turns a non-zero errorcode into a Go error; that is the caller's call.
func (r *Response) OK() bool { return r.ErrorCode() == ErrorCodeOK }

// TransactionID returns the service-issued transaction id.
func (r *Response) TransactionID() string { return r.get(FieldTransactionID) }

// Prompt returns the phrase a verifying user is asked to speak.
func (r *Response) Prompt() string { return r.get(FieldPrompt) }

// Score returns the raw score string. It is passed back verbatim to
// FinishTransaction.
func (r *Response) Score() string { return r.get(FieldScore) }

// Success returns the raw success flag.
func (r *Response) Success() string { return r.get(FieldSuccess) }

// Succeeded parses the success flag.
func (r *Response) Succeeded() bool {
	ok, err := strconv.ParseBool(r.Success())
	return err == nil && ok
}

// UsableTime returns the seconds of usable speech reported by AudioCheck.
func (r *Response) UsableTime() (float64, bool) {
	raw, ok := r.Value(FieldUsableTime)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ScoreValue parses the score field.
func (r *Response) ScoreValue() (float64, bool) {
	raw, ok := r.Value(FieldScore)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
