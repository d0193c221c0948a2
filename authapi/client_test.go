package authapi_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/jrsteele09/go-storefront-session/apimodel"
	"github.com/jrsteele09/go-storefront-session/authapi"
	"github.com/jrsteele09/go-storefront-session/credentials"
	"github.com/jrsteele09/go-storefront-session/internal/config"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/jrsteele09/go-storefront-session/internal/fakebackend"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*fakebackend.Backend, *authapi.Client) {
	t.Helper()
	backend := fakebackend.New(t)
	backend.AddUser("admin@example.com", "secret", credentials.RoleAdmin)
	return backend, authapi.New(backend.APIURL(), authapi.WithHTTPClient(backend.HTTPClient()))
}

func TestLogin(t *testing.T) {
	_, client := setup(t)

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{name: "valid", email: "admin@example.com", password: "secret"},
		{name: "wrong password", email: "admin@example.com", password: "nope", wantErr: serrors.ErrInvalidCredentials},
		{name: "unknown email", email: "ghost@example.com", password: "secret", wantErr: serrors.ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := client.Login(context.Background(), tt.email, tt.password)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Nil(t, cred)
				return
			}
			require.NoError(t, err)
			require.NoError(t, cred.Validate())
			require.Equal(t, credentials.RoleAdmin, cred.User.Role)
		})
	}
}

func TestLoginIncompleteResponse(t *testing.T) {
	backend := fakebackend.New(t)
	backend.Handle("POST /api/custom/auth/login", func(w http.ResponseWriter, r *http.Request) {
		fakebackend.WriteJSON(w, http.StatusOK, apimodel.LoginResponse{AccessToken: "A1"})
	})
	client := authapi.New(backend.APIURL()+"/custom", authapi.WithHTTPClient(backend.HTTPClient()))

	_, err := client.Login(context.Background(), "a@b.c", "x")
	require.ErrorIs(t, err, serrors.ErrInvalidCredentials)
}

func TestLoginServerError(t *testing.T) {
	backend := fakebackend.New(t)
	backend.Handle("POST /api/custom/auth/login", func(w http.ResponseWriter, r *http.Request) {
		fakebackend.WriteJSON(w, http.StatusInternalServerError, apimodel.MessageResponse{Message: "db down"})
	})
	client := authapi.New(backend.APIURL()+"/custom", authapi.WithHTTPClient(backend.HTTPClient()))

	_, err := client.Login(context.Background(), "a@b.c", "x")
	var apiErr *serrors.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	require.Equal(t, "db down", apiErr.Message)
}

func TestRegister(t *testing.T) {
	_, client := setup(t)

	message, err := client.Register(context.Background(), apimodel.RegisterRequest{
		FullName: "Pham Thi D",
		Email:    "d@example.com",
		Password: "pw",
		Role:     credentials.RoleBuyer,
	})
	require.NoError(t, err)
	require.Equal(t, config.RegistrationSentinel, message)

	_, err = client.Register(context.Background(), apimodel.RegisterRequest{Email: "d@example.com", Password: "pw"})
	require.ErrorIs(t, err, serrors.ErrRegistrationFailed)
}

func TestRefreshToken(t *testing.T) {
	backend, client := setup(t)
	cred := backend.Issue("admin@example.com")

	resp, err := client.RefreshToken(context.Background(), cred.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.Empty(t, resp.RefreshToken)

	backend.RotateRefreshTokens()
	resp, err = client.RefreshToken(context.Background(), cred.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, resp.RefreshToken)

	// the rotated refresh token is no longer accepted
	_, err = client.RefreshToken(context.Background(), cred.RefreshToken)
	var apiErr *serrors.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestNetworkError(t *testing.T) {
	client := authapi.New("http://127.0.0.1:1/api")
	_, err := client.Login(context.Background(), "a@b.c", "x")
	require.ErrorIs(t, err, serrors.ErrNetwork)
}
