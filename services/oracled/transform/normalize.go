// Package transform turns raw responses from external price APIs into a
// deterministic form so that every replica fetching the same quote agrees on
// the exact bytes it processes.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	oerrors "evmoracle/services/oracled/errors"
)

// DefaultMaxBodyBytes bounds how much of an upstream body is read.
const DefaultMaxBodyBytes int64 = 1 << 20

// Header is a single response header.
type Header struct {
	Name  string
	Value string
}

// Response is a transport-agnostic HTTP response.
type Response struct {
	Status  int
	Headers []Header
	Body    []byte
}

// ReadResponse drains resp into a Response, refusing bodies larger than
// maxBytes. A non-positive maxBytes selects DefaultMaxBodyBytes.
func ReadResponse(resp *http.Response, maxBytes int64) (Response, error) {
	if resp == nil {
		return Response{}, oerrors.InvalidArgument("nil response")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	var body []byte
	if resp.Body != nil {
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
		if err != nil {
			return Response{}, fmt.Errorf("transform: read body: %w", err)
		}
		if int64(len(data)) > maxBytes {
			return Response{}, oerrors.InvalidArgument("response body exceeds %d bytes", maxBytes)
		}
		body = data
	}
	out := Response{Status: resp.StatusCode, Body: body}
	for name, values := range resp.Header {
		for _, value := range values {
			out.Headers = append(out.Headers, Header{Name: name, Value: value})
		}
	}
	return out, nil
}

// Normalize strips every header and rewrites the body as canonical JSON:
// object keys sorted, numbers kept verbatim, no insignificant whitespace.
// Non-2xx responses, non-JSON content and malformed documents are rejected.
func Normalize(in Response) (Response, error) {
	if in.Status < 200 || in.Status > 299 {
		return Response{}, oerrors.InvalidArgument("upstream returned status %d", in.Status)
	}
	if ct := contentType(in.Headers); ct != "" && !isJSON(ct) {
		return Response{}, oerrors.InvalidArgument("unsupported content type %q", ct)
	}
	body, err := Canonicalize(in.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: in.Status, Headers: nil, Body: body}, nil
}

// Canonicalize re-encodes a single JSON document deterministically.
func Canonicalize(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, oerrors.InvalidArgument("empty response body")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, oerrors.InvalidArgument("malformed JSON body: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, oerrors.InvalidArgument("trailing data after JSON body")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order and json.Number verbatim.
	if err := enc.Encode(doc); err != nil {
		return nil, oerrors.Internal("encode canonical body: %v", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func contentType(headers []Header) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Type") {
			return h.Value
		}
	}
	return ""
}

func isJSON(value string) bool {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
