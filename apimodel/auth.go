package apimodel

import "github.com/jrsteele09/go-storefront-session/credentials"

// Endpoint paths, relative to the API base URL.
const (
	LoginPath         = "/auth/login"
	RegisterPath      = "/auth/register"
	RefreshTokenPath  = "/auth/refresh-token"
	ProfilePath       = "/auth/profile"
	UpdateProfilePath = "/users/profile"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned from /auth/login.
// On failure only Message is set.
type LoginResponse struct {
	// AccessToken authorizes API calls.
	// Usage: "Authorization: Bearer <accessToken>"
	// Lifespan: short-lived; renewed through /auth/refresh-token
	AccessToken string `json:"accessToken,omitempty"`

	// RefreshToken is used solely to obtain a new access token.
	RefreshToken string `json:"refreshToken,omitempty"`

	// User is the profile of the signed-in user.
	User *credentials.User `json:"user,omitempty"`

	// Message explains a failed login ("Sai mật khẩu", "invalid credentials", ...).
	Message string `json:"message,omitempty"`
}

// Complete reports whether the response carries a full credential.
func (r *LoginResponse) Complete() bool {
	return r != nil && r.AccessToken != "" && r.RefreshToken != "" && r.User != nil && r.User.ID != ""
}

// Credential converts a complete response into a Credential.
func (r *LoginResponse) Credential() *credentials.Credential {
	if !r.Complete() {
		return nil
	}
	return &credentials.Credential{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		User:         *r.User,
	}
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	FullName string               `json:"full_name"`
	Email    string               `json:"email"`
	Password string               `json:"password"`
	Role     credentials.RoleType `json:"role"`
}

// RefreshRequest is the body of POST /auth/refresh-token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse is returned from /auth/refresh-token.
type RefreshResponse struct {
	// AccessToken is the renewed access token.
	AccessToken string `json:"accessToken,omitempty"`

	// RefreshToken is only present when the backend rotates refresh tokens;
	// when empty the current refresh token stays valid.
	RefreshToken string `json:"refreshToken,omitempty"`

	// Message explains a rejected renewal ("invalid refresh token").
	Message string `json:"message,omitempty"`
}

// MessageResponse is the generic {message} body of the backend.
type MessageResponse struct {
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the body of a non-success response from any endpoint.
// Expired is set together with HTTP 401 when the access token has expired;
// a 401 without it is a plain authorization denial.
type ErrorResponse struct {
	Message string `json:"message,omitempty"`
	Expired bool   `json:"expired,omitempty"`
}
