// Package vbgtest provides an in-process fake of the voice biometrics service.
package vbgtest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/example/voice-check/internal/vbg"
)

const (
	ClientName = "test-client"
	ClientKey  = "test-key"
)

// Call is one request as received by the fake.
type Call struct {
	Type   string
	Fields map[string]string
}

// Server fakes the enrollment and verification methods. Transaction ids are
// issued sequentially. Verification succeeds unless the sample is the one set
// with SetRejectSample. Requests with the wrong credentials get errorcode 20.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	formField    string
	rejectSample string
	status       int
	override     map[string]string
	calls        []Call
	next         int
}

// NewServer starts a fake and registers its shutdown with t.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{override: map[string]string{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Calls returns the requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// SetFormField makes the fake expect the document under the named form field.
func (s *Server) SetFormField(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formField = name
}

// SetRejectSample makes VerifySample report success=false for this audio.
func (s *Server) SetRejectSample(audio string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSample = audio
}

// SetStatus makes the fake answer with the given HTTP status. Zero means 200.
func (s *Server) SetStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

// SetReply replaces the reply body for the named operation.
func (s *Server) SetReply(operation, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override[operation] = body
}

// Options returns client options pointing at the fake.
func (s *Server) Options() vbg.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vbg.Options{
		Endpoint:    s.URL,
		Credentials: vbg.Credentials{Name: ClientName, Key: ClientKey},
		FormField:   s.formField,
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	formField, status := s.formField, s.status
	s.mu.Unlock()

	body := string(raw)
	if formField != "" {
		prefix := url.QueryEscape(formField) + "="
		if !strings.HasPrefix(body, prefix) {
			http.Error(w, "missing form field", http.StatusBadRequest)
			return
		}
		body = strings.TrimPrefix(body, prefix)
	}
	doc, err := url.QueryUnescape(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := vbg.DecodeResponse(strings.NewReader(doc))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Type: req.Type, Fields: req.Values})
	reply := s.reply(req)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/xml")
	if status != 0 {
		w.WriteHeader(status)
	}
	_, _ = io.WriteString(w, reply)
}

func (s *Server) reply(req *vbg.Response) string {
	if override, ok := s.override[req.Type]; ok {
		return override
	}
	if req.Values[vbg.FieldClientName] != ClientName || req.Values[vbg.FieldClientKey] != ClientKey {
		return envelope(req.Type, "errorcode", "20")
	}

	switch vbg.Operation(req.Type) {
	case vbg.OpStartEnrollment:
		s.next++
		return envelope(req.Type, "errorcode", "0", "transactionid", fmt.Sprintf("tx-%d", s.next))
	case vbg.OpAudioCheck:
		return envelope(req.Type, "errorcode", "0", "usabletime", "4.5")
	case vbg.OpEnrollUser:
		return envelope(req.Type, "errorcode", "0", "success", "true")
	case vbg.OpFinishTransaction:
		return envelope(req.Type, "errorcode", "0")
	case vbg.OpStartVerification:
		s.next++
		return envelope(req.Type, "errorcode", "0", "transactionid", fmt.Sprintf("tx-%d", s.next), "prompt", "one two three four")
	case vbg.OpVerifySample:
		if s.rejectSample != "" && req.Values[vbg.FieldVoiceSample] == vbg.EncodeSample([]byte(s.rejectSample)) {
			return envelope(req.Type, "errorcode", "0", "success", "false", "score", "12.5")
		}
		return envelope(req.Type, "errorcode", "0", "success", "true", "score", "87.25")
	default:
		return envelope(vbg.UnknownMethod, "errorcode", "10")
	}
}

func envelope(root string, kv ...string) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<" + root + ">\n")
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, "  <%s>%s</%s>\n", kv[i], kv[i+1], kv[i])
	}
	b.WriteString("</" + root + ">\n")
	return b.String()
}
