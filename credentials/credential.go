package credentials

import (
	"bytes"
	"encoding/json"
	"strings"

	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// RoleType is the storefront role a user signed in as
type RoleType string

const (
	RoleBuyer  RoleType = "buyer"
	RoleSeller RoleType = "seller"
	RoleAdmin  RoleType = "admin"
)

// UserID is the backend user identifier. The backend sends it either as a
// JSON number or as a string; it is always kept as a string.
type UserID string

func (id *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "user id must be a string or a number")
	}
	*id = UserID(n.String())
	return nil
}

func (id UserID) String() string {
	return string(id)
}

// User is the profile record returned with a credential.
type User struct {
	ID          UserID   `json:"id"`                     // Backend user id
	Email       string   `json:"email,omitempty"`        // Login email
	Role        RoleType `json:"role,omitempty"`         // buyer, seller or admin
	FullName    string   `json:"full_name,omitempty"`    // Display name
	PhoneNumber string   `json:"phone_number,omitempty"` // Optional contact number
	AvatarURL   string   `json:"avatar_url,omitempty"`   // Optional avatar
}

// Credential is the complete authenticated identity of the client. It is
// either fully present or absent; a partial credential is never valid.
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
}

// Validate rejects partial credentials.
func (c *Credential) Validate() error {
	switch {
	case c == nil:
		return errors.Wrap(serrors.ErrPartialCredential, "credential is nil")
	case strings.TrimSpace(c.AccessToken) == "":
		return errors.Wrap(serrors.ErrPartialCredential, "access token missing")
	case strings.TrimSpace(c.RefreshToken) == "":
		return errors.Wrap(serrors.ErrPartialCredential, "refresh token missing")
	case c.User.ID == "":
		return errors.Wrap(serrors.ErrPartialCredential, "user id missing")
	}
	return nil
}

// Clone returns a copy that can be handed out without sharing state.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// WithAccessToken returns the renewed credential. An empty refreshToken keeps
// the current one (servers that do not rotate refresh tokens).
func (c *Credential) WithAccessToken(accessToken, refreshToken string) *Credential {
	renewed := c.Clone()
	renewed.AccessToken = accessToken
	if refreshToken != "" {
		renewed.RefreshToken = refreshToken
	}
	return renewed
}

// WithUser returns a copy of the credential carrying user.
func (c *Credential) WithUser(user User) *Credential {
	updated := c.Clone()
	updated.User = user
	return updated
}

// Token returns the access token as a bearer oauth2 token. Expiry is read
// from the token's exp claim when it is a JWT and is only a hint: the server's
// expiry signal stays authoritative.
func (c *Credential) Token() *oauth2.Token {
	if c == nil {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       AccessTokenExpiry(c.AccessToken),
	}
}
