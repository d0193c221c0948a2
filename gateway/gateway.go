// Package gateway sends authenticated requests to the storefront backend. It
// attaches the session's bearer token, renews the token once when the backend
// signals expiry, and classifies every failure.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-storefront-session/credentials"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/jrsteele09/go-storefront-session/internal/httpjson"
	"github.com/jrsteele09/go-storefront-session/internal/metrics"
	"github.com/jrsteele09/go-storefront-session/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RequestIDHeader carries a fresh id on every attempt.
const RequestIDHeader = "X-Request-ID"

// Session is what the gateway needs from the session controller.
type Session interface {
	AwaitCredential(ctx context.Context) (*credentials.Credential, error)
	RenewAfterExpiry(ctx context.Context, staleAccessToken string) (*credentials.Credential, error)
}

var _ Session = (*session.Controller)(nil)

// Options describes one call. Body is encoded as JSON unless RawBody is set.
type Options struct {
	Method      string
	Body        any
	RawBody     []byte
	ContentType string
	Header      http.Header
	Query       url.Values
}

// Response is a successful call. Body is nil for an empty 204.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%w: empty body", serrors.ErrMalformedResponse)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %w", serrors.ErrMalformedResponse, err)
	}
	return nil
}

// Gateway is the request layer every business call goes through.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	session    Session
	metrics    *metrics.Metrics
}

// Option configures a Gateway
type Option func(*Gateway)

// WithHTTPClient sets the http client (primarily for testing)
func WithHTTPClient(httpClient *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = httpClient
	}
}

// WithMetrics records calls and retries on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New creates a gateway resolving relative endpoints against baseURL.
func New(baseURL string, sess Session, options ...Option) (*Gateway, error) {
	if baseURL == "" {
		return nil, errors.New("[gateway.New] baseURL is required")
	}
	if sess == nil {
		return nil, errors.New("[gateway.New] session is required")
	}

	g := &Gateway{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		session:    sess,
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

// Call sends a request to endpoint. When the backend reports the access token
// as expired the token is renewed and the request is sent once more with the
// same body. Errors:
//   - ErrNetwork: the request could not be completed
//   - ErrMalformedResponse: the body is not JSON
//   - ErrRefreshFailure: renewal failed and the session was signed out
//   - ErrUnauthorized: the retry was rejected as well
//   - *errors.APIError: any other non-2xx response
func (g *Gateway) Call(ctx context.Context, endpoint string, opts Options) (*Response, error) {
	started := time.Now()
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	res, err := g.call(ctx, method, endpoint, opts)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
		log.Err(err).Str("method", method).Str("endpoint", endpoint).Msg("gateway call failed")
	}
	g.metrics.Request(method, outcome, started)
	return res, err
}

func (g *Gateway) call(ctx context.Context, method, endpoint string, opts Options) (*Response, error) {
	body, contentType, err := encodeBody(opts)
	if err != nil {
		return nil, err
	}
	target, err := g.resolve(endpoint, opts.Query)
	if err != nil {
		return nil, err
	}

	cred, err := g.session.AwaitCredential(ctx)
	if err != nil {
		return nil, err
	}
	res, err := g.send(ctx, method, target, body, contentType, opts.Header, cred)
	if err != nil {
		return nil, err
	}

	if res.Expired() {
		if cred == nil {
			return nil, unauthorized(res)
		}
		renewed, err := g.session.RenewAfterExpiry(ctx, cred.AccessToken)
		if err != nil {
			return nil, err
		}
		g.metrics.Retry()
		log.Debug().Str("endpoint", endpoint).Msg("retrying after token renewal")

		res, err = g.send(ctx, method, target, body, contentType, opts.Header, renewed)
		if err != nil {
			return nil, err
		}
		if res.StatusCode == http.StatusUnauthorized {
			return nil, unauthorized(res)
		}
	}

	if !res.OK() {
		return nil, &serrors.APIError{Status: res.StatusCode, Message: res.ErrorBody().Message}
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: res.Body}, nil
}

func (g *Gateway) send(ctx context.Context, method, target string, body []byte, contentType string, header http.Header, cred *credentials.Credential) (*httpjson.Result, error) {
	req, err := httpjson.NewRequest(ctx, method, target, body, contentType)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if cred != nil {
		cred.Token().SetAuthHeader(req)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)

	res, err := httpjson.Do(g.httpClient, req)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("method", method).
		Str("url", target).
		Str("request_id", requestID).
		Int("status", res.StatusCode).
		Msg("gateway attempt")
	return res, nil
}

func (g *Gateway) resolve(endpoint string, query url.Values) (string, error) {
	u, err := url.Parse(httpjson.JoinURL(g.baseURL, endpoint))
	if err != nil {
		return "", errors.Wrap(err, "[Gateway.resolve]")
	}
	if len(query) > 0 {
		q := u.Query()
		for key, values := range query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func encodeBody(opts Options) ([]byte, string, error) {
	if opts.RawBody != nil {
		return opts.RawBody, opts.ContentType, nil
	}
	body, err := httpjson.MarshalBody(opts.Body)
	if err != nil {
		return nil, "", err
	}
	return body, httpjson.ContentTypeJSON, nil
}

func unauthorized(res *httpjson.Result) error {
	apiErr := &serrors.APIError{
		Status:  res.StatusCode,
		Message: res.ErrorBody().Message,
	}
	if res.Expired() {
		return fmt.Errorf("%w: %w: %w", serrors.ErrUnauthorized, serrors.ErrTokenExpired, apiErr)
	}
	return fmt.Errorf("%w: %w", serrors.ErrUnauthorized, apiErr)
}

// CallJSON calls endpoint and decodes the response body into T. An empty 204
// yields the zero value.
func CallJSON[T any](ctx context.Context, g *Gateway, endpoint string, opts Options) (T, error) {
	var out T
	res, err := g.Call(ctx, endpoint, opts)
	if err != nil {
		return out, err
	}
	if len(res.Body) == 0 {
		return out, nil
	}
	if err := res.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
