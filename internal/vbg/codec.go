package vbg

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html/charset"
)

// EncodeRequest renders req as the service's XML document: a root element
// named after the operation with one child per field. Fields are written in
// name order; the service accepts any order.
func EncodeRequest(req Request) ([]byte, error) {
	if req.Type == "" {
		return nil, ErrMissingRequestType
	}
	if !validName(string(req.Type)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, req.Type)
	}

	names := make([]string, 0, len(req.Fields))
	for name := range req.Fields {
		if !validName(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	root := xml.StartElement{Name: xml.Name{Local: string(req.Type)}}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}
	if err := enc.EncodeToken(xml.CharData("\n")); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := enc.EncodeElement(req.Fields[name], xml.StartElement{Name: xml.Name{Local: name}}); err != nil {
			return nil, fmt.Errorf("encode field %s: %w", name, err)
		}
		if err := enc.EncodeToken(xml.CharData("\n")); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// FormBody percent-encodes the XML document with form rules. When fieldName is
// set the document becomes the value of that form field.
func FormBody(doc []byte, fieldName string) string {
	escaped := url.QueryEscape(string(doc))
	if fieldName == "" {
		return escaped
	}
	return url.QueryEscape(fieldName) + "=" + escaped
}

// DecodeResponse parses a service reply. The root tag becomes the response
// type; every direct child element contributes its text content, with later
// duplicates replacing earlier ones. Anything that is not an element directly
// under the root is ignored. Replies may declare any encoding known to the
// WHATWG encoding registry.
func DecodeResponse(r io.Reader) (*Response, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	dec.CharsetReader = charset.NewReaderLabel

	var (
		resp  *Response
		depth int
		field string
		text  strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 1:
				if resp != nil {
					return nil, fmt.Errorf("%w: multiple root elements", ErrMalformedResponse)
				}
				resp = &Response{Type: t.Name.Local, Values: make(map[string]string)}
			case 2:
				field = t.Name.Local
				text.Reset()
			}
		case xml.EndElement:
			if depth == 2 {
				resp.Values[field] = text.String()
			}
			depth--
		case xml.CharData:
			switch {
			case depth >= 2:
				text.Write(t)
			case depth == 0 && len(bytes.TrimSpace(t)) > 0:
				return nil, fmt.Errorf("%w: text outside the root element", ErrMalformedResponse)
			}
		}
	}

	if resp == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedResponse)
	}
	return resp, nil
}

// validName accepts the subset of XML names the service vocabulary uses.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z'):
		case i > 0 && (r == '-' || r == '.' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return !strings.HasPrefix(strings.ToLower(name), "xml")
}
