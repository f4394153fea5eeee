package vbg

import (
	"context"
	"errors"
)

// Session remembers the last reply of a Client, in the style of a
// conversation with the service: each call clears the previous response and,
// on success, replaces it wholesale. A Session is meant for one logical
// transaction at a time and must not be shared between goroutines.
type Session struct {
	client *Client
	last   *Response
}

// NewSession returns a Session with an empty response.
func (c *Client) NewSession() *Session {
	return &Session{client: c}
}

// ClearResponse resets the response type and values to empty.
func (s *Session) ClearResponse() {
	s.last = nil
}

// Response returns the last reply, or nil.
func (s *Session) Response() *Response { return s.last }

// ResponseType returns the root tag of the last reply, empty after ClearResponse.
func (s *Session) ResponseType() string {
	if s.last == nil {
		return ""
	}
	return s.last.Type
}

// ResponseValue returns a field of the last reply, empty when absent.
func (s *Session) ResponseValue(name string) string {
	v, _ := s.last.Value(name)
	return v
}

// ResponseValues returns a copy of the last reply's fields.
func (s *Session) ResponseValues() map[string]string {
	out := make(map[string]string)
	if s.last == nil {
		return out
	}
	for k, v := range s.last.Values {
		out[k] = v
	}
	return out
}

func (s *Session) record(resp *Response, err error) error {
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Response != nil {
			s.last = statusErr.Response
		}
		return err
	}
	s.last = resp
	return nil
}

// Send performs a raw exchange.
func (s *Session) Send(ctx context.Context, req Request) error {
	s.ClearResponse()
	return s.record(s.client.Send(ctx, req))
}

// StartEnrollment opens an enrollment transaction.
func (s *Session) StartEnrollment(ctx context.Context, userID string, rebuildTemplate bool) error {
	s.ClearResponse()
	return s.record(s.client.StartEnrollment(ctx, userID, rebuildTemplate))
}

// AudioCheck submits the audio file at audioPath.
func (s *Session) AudioCheck(ctx context.Context, transactionID, audioPath string) error {
	s.ClearResponse()
	return s.record(s.client.AudioCheck(ctx, transactionID, audioPath))
}

// EnrollUser finalizes enrollment.
func (s *Session) EnrollUser(ctx context.Context, transactionID string) error {
	s.ClearResponse()
	return s.record(s.client.EnrollUser(ctx, transactionID))
}

// FinishTransaction closes a transaction.
func (s *Session) FinishTransaction(ctx context.Context, transactionID, success string, score ...string) error {
	s.ClearResponse()
	return s.record(s.client.FinishTransaction(ctx, transactionID, success, score...))
}

// StartVerification opens a verification transaction.
func (s *Session) StartVerification(ctx context.Context, userID string) error {
	s.ClearResponse()
	return s.record(s.client.StartVerification(ctx, userID))
}

// VerifySample scores the audio file at audioPath.
func (s *Session) VerifySample(ctx context.Context, transactionID, audioPath string) error {
	s.ClearResponse()
	return s.record(s.client.VerifySample(ctx, transactionID, audioPath))
}
