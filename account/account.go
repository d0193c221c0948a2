// Package account reads and updates the signed-in user's profile and keeps
// the user record stored with the credential current.
package account

import (
	"context"
	"net/http"

	"github.com/jrsteele09/go-storefront-session/apimodel"
	"github.com/jrsteele09/go-storefront-session/credentials"
	"github.com/jrsteele09/go-storefront-session/gateway"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/jrsteele09/go-storefront-session/internal/utils"
	"github.com/jrsteele09/go-storefront-session/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Session is what the account service needs from the session controller.
type Session interface {
	CurrentCredential() *credentials.Credential
	UpdateUser(user credentials.User) error
}

var _ Session = (*session.Controller)(nil)

// ProfilePatch lists the editable profile fields. Nil fields are left as they
// are.
type ProfilePatch struct {
	FullName    *string `json:"full_name,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// Apply returns user with the patch applied.
func (p ProfilePatch) Apply(user credentials.User) credentials.User {
	user.FullName = valueOr(p.FullName, user.FullName)
	user.PhoneNumber = valueOr(p.PhoneNumber, user.PhoneNumber)
	user.AvatarURL = valueOr(p.AvatarURL, user.AvatarURL)
	return user
}

// valueOr is the patched value when set, otherwise current.
func valueOr(patched *string, current string) string {
	if patched == nil {
		return current
	}
	return utils.Value(patched)
}

// Service is the profile API of the signed-in user.
type Service struct {
	gateway *gateway.Gateway
	session Session
}

// New creates an account service.
func New(gw *gateway.Gateway, sess Session) (*Service, error) {
	if gw == nil {
		return nil, errors.New("[account.New] gateway is required")
	}
	if sess == nil {
		return nil, errors.New("[account.New] session is required")
	}
	return &Service{gateway: gw, session: sess}, nil
}

// Profile fetches the profile and refreshes the stored user record with it.
func (s *Service) Profile(ctx context.Context) (credentials.User, error) {
	if s.session.CurrentCredential() == nil {
		return credentials.User{}, errors.Wrap(serrors.ErrNotSignedIn, "[Service.Profile]")
	}
	user, err := gateway.CallJSON[credentials.User](ctx, s.gateway, apimodel.ProfilePath, gateway.Options{})
	if err != nil {
		return credentials.User{}, errors.Wrap(err, "[Service.Profile]")
	}
	if err := s.session.UpdateUser(user); err != nil {
		// the session may have ended while the call was in flight
		log.Warn().Err(err).Msg("profile fetched but not stored")
	}
	return user, nil
}

// UpdateProfile sends patch to the backend and merges it into the stored user
// record once the backend accepts it.
func (s *Service) UpdateProfile(ctx context.Context, patch ProfilePatch) (credentials.User, error) {
	if s.session.CurrentCredential() == nil {
		return credentials.User{}, errors.Wrap(serrors.ErrNotSignedIn, "[Service.UpdateProfile]")
	}
	if _, err := s.gateway.Call(ctx, apimodel.UpdateProfilePath, gateway.Options{
		Method: http.MethodPut,
		Body:   patch,
	}); err != nil {
		return credentials.User{}, errors.Wrap(err, "[Service.UpdateProfile]")
	}

	// read the credential again: a renewal may have replaced it meanwhile
	current := s.session.CurrentCredential()
	if current == nil {
		return credentials.User{}, errors.Wrap(serrors.ErrNotSignedIn, "[Service.UpdateProfile]")
	}
	updated := patch.Apply(current.User)
	if err := s.session.UpdateUser(updated); err != nil {
		return credentials.User{}, errors.Wrap(err, "[Service.UpdateProfile]")
	}
	log.Info().Str("user_id", updated.ID.String()).Msg("profile updated")
	return updated, nil
}
