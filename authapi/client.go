package authapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jrsteele09/go-storefront-session/apimodel"
	"github.com/jrsteele09/go-storefront-session/credentials"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/jrsteele09/go-storefront-session/internal/httpjson"
	"github.com/rs/zerolog/log"
)

// Client calls the unauthenticated auth endpoints of the storefront backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the http client (primarily for testing)
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates an auth API client rooted at baseURL (e.g. "https://shop/api")
func New(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Login exchanges email and password for a credential.
func (c *Client) Login(ctx context.Context, email, password string) (*credentials.Credential, error) {
	res, err := c.post(ctx, apimodel.LoginPath, apimodel.LoginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}

	var body apimodel.LoginResponse
	if len(res.Body) > 0 {
		if err := res.Decode(&body); err != nil {
			return nil, err
		}
	}

	switch {
	case res.OK() && body.Complete():
		return body.Credential(), nil
	case res.OK(), res.StatusCode >= 400 && res.StatusCode < 500:
		return nil, fmt.Errorf("%w: %s", serrors.ErrInvalidCredentials, messageOr(body.Message, "login failed"))
	default:
		return nil, &serrors.APIError{Status: res.StatusCode, Message: body.Message}
	}
}

// Register creates an account and returns the backend's message.
func (c *Client) Register(ctx context.Context, request apimodel.RegisterRequest) (string, error) {
	res, err := c.post(ctx, apimodel.RegisterPath, request)
	if err != nil {
		return "", err
	}

	var body apimodel.MessageResponse
	if len(res.Body) > 0 {
		if err := res.Decode(&body); err != nil {
			return "", err
		}
	}
	if !res.OK() {
		return "", fmt.Errorf("%w: %w", serrors.ErrRegistrationFailed, &serrors.APIError{Status: res.StatusCode, Message: body.Message})
	}
	return body.Message, nil
}

// RefreshToken asks the backend for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*apimodel.RefreshResponse, error) {
	res, err := c.post(ctx, apimodel.RefreshTokenPath, apimodel.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}

	var body apimodel.RefreshResponse
	if err := res.Decode(&body); err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, &serrors.APIError{Status: res.StatusCode, Message: messageOr(body.Message, "token refresh rejected")}
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh response has no accessToken", serrors.ErrMalformedResponse)
	}
	return &body, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*httpjson.Result, error) {
	body, err := httpjson.MarshalBody(payload)
	if err != nil {
		return nil, err
	}
	req, err := httpjson.NewRequest(ctx, http.MethodPost, httpjson.JoinURL(c.baseURL, path), body, httpjson.ContentTypeJSON)
	if err != nil {
		return nil, err
	}
	res, err := httpjson.Do(c.httpClient, req)
	if err != nil {
		log.Err(err).Str("endpoint", path).Msg("auth request failed")
		return nil, err
	}
	log.Debug().Str("endpoint", path).Int("status", res.StatusCode).Msg("auth request")
	return res, nil
}

func messageOr(message, fallback string) string {
	if message == "" {
		return fallback
	}
	return message
}
