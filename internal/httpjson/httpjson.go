package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-storefront-session/apimodel"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
)

const (
	maxBodyBytes    = 8 << 20 // 8MiB
	snippetLength   = 160
	ContentTypeJSON = "application/json"
)

// Result is one completed round trip whose body is valid JSON.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
}

// OK reports a 2xx status.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorBody decodes the {message, expired} fields of the body.
func (r *Result) ErrorBody() apimodel.ErrorResponse {
	var body apimodel.ErrorResponse
	if len(r.Body) > 0 {
		_ = json.Unmarshal(r.Body, &body)
	}
	return body
}

// Expired reports the backend's expiry signal: HTTP 401 together with
// {"expired": true}. A 401 alone is a plain denial.
func (r *Result) Expired() bool {
	return r.StatusCode == http.StatusUnauthorized && r.ErrorBody().Expired
}

// Decode unmarshals the body into v.
func (r *Result) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%w: empty body", serrors.ErrMalformedResponse)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %w", serrors.ErrMalformedResponse, err)
	}
	return nil
}

// NewRequest builds a request with a replayable body.
func NewRequest(ctx context.Context, method, url string, body []byte, contentType string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("[httpjson.NewRequest] %w", err)
	}
	if body != nil {
		if contentType == "" {
			contentType = ContentTypeJSON
		}
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", ContentTypeJSON)
	return req, nil
}

// Do sends req and reads the whole body. Transport failures are ErrNetwork;
// a body that is not JSON is ErrMalformedResponse. A 204 with no body is a
// valid empty result.
func Do(client *http.Client, req *http.Request) (*Result, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", serrors.ErrNetwork, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", serrors.ErrNetwork, req.URL.Path, err)
	}

	result := &Result{StatusCode: resp.StatusCode, Header: resp.Header}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 && resp.StatusCode == http.StatusNoContent {
		return result, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: %s returned %d: %q", serrors.ErrMalformedResponse, req.URL.Path, resp.StatusCode, snippet(trimmed))
	}
	result.Body = json.RawMessage(trimmed)
	return result, nil
}

// MarshalBody encodes v as JSON; nil stays nil.
func MarshalBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("[httpjson.MarshalBody] %w", err)
	}
	return body, nil
}

// JoinURL resolves endpoint against base. Absolute endpoints are kept as is.
func JoinURL(base, endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

func snippet(body []byte) string {
	if len(body) > snippetLength {
		return string(body[:snippetLength])
	}
	return string(body)
}
