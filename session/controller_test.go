package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-storefront-session/apimodel"
	"github.com/jrsteele09/go-storefront-session/authapi"
	"github.com/jrsteele09/go-storefront-session/credentials"
	"github.com/jrsteele09/go-storefront-session/credentials/memstore"
	"github.com/jrsteele09/go-storefront-session/internal/config"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/jrsteele09/go-storefront-session/internal/fakebackend"
	"github.com/jrsteele09/go-storefront-session/session"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "buyer@example.com"
	testPassword = "password123"
)

// testFixture holds a controller wired to the fake backend
type testFixture struct {
	backend    *fakebackend.Backend
	store      *memstore.InMemoryStore
	controller *session.Controller
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	backend := fakebackend.New(t)
	backend.AddUser(testEmail, testPassword, credentials.RoleBuyer)
	store := memstore.New()
	auth := authapi.New(backend.APIURL(), authapi.WithHTTPClient(backend.HTTPClient()))

	controller, err := session.New(session.Deps{Store: store, Auth: auth})
	require.NoError(t, err)

	return &testFixture{backend: backend, store: store, controller: controller}
}

// stubAuth lets tests hold a renewal open
type stubAuth struct {
	started      chan struct{}
	release      chan struct{}
	refreshCalls atomic.Int32
	refreshErr   error
}

func newStubAuth() *stubAuth {
	return &stubAuth{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (s *stubAuth) Login(_ context.Context, email, _ string) (*credentials.Credential, error) {
	return testCredential("A1", "R1"), nil
}

func (s *stubAuth) Register(context.Context, apimodel.RegisterRequest) (string, error) {
	return config.RegistrationSentinel, nil
}

func (s *stubAuth) RefreshToken(_ context.Context, _ string) (*apimodel.RefreshResponse, error) {
	n := s.refreshCalls.Add(1)
	s.started <- struct{}{}
	<-s.release
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return &apimodel.RefreshResponse{AccessToken: "A" + string(rune('1'+n))}, nil
}

func testCredential(access, refresh string) *credentials.Credential {
	return &credentials.Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         credentials.User{ID: "7", Email: testEmail, Role: credentials.RoleBuyer},
	}
}

func TestNew(t *testing.T) {
	t.Run("missing dependencies", func(t *testing.T) {
		_, err := session.New(session.Deps{Auth: newStubAuth()})
		require.Error(t, err)
		_, err = session.New(session.Deps{Store: memstore.New()})
		require.Error(t, err)
	})

	t.Run("restores stored credential", func(t *testing.T) {
		store := memstore.New()
		require.NoError(t, store.Save(testCredential("A1", "R1")))

		c, err := session.New(session.Deps{Store: store, Auth: newStubAuth()})
		require.NoError(t, err)
		st := c.State()
		require.Equal(t, session.Active, st.Phase)
		require.Equal(t, "A1", st.AccessToken())
		require.Equal(t, "7", st.UserID())
	})

	t.Run("empty store starts signed out", func(t *testing.T) {
		c, err := session.New(session.Deps{Store: memstore.New(), Auth: newStubAuth()})
		require.NoError(t, err)
		require.Equal(t, session.SignedOut, c.State().Phase)
		require.Nil(t, c.CurrentCredential())
	})

	t.Run("partial record is cleared", func(t *testing.T) {
		store := memstore.New()
		store.Put(credentials.KeyToken, "A1")

		c, err := session.New(session.Deps{Store: store, Auth: newStubAuth()})
		require.NoError(t, err)
		require.Equal(t, session.SignedOut, c.State().Phase)

		loaded, err := store.Load()
		require.NoError(t, err)
		require.Nil(t, loaded)
	})
}

func TestLogin(t *testing.T) {
	f := setupTestFixture(t)
	sub := f.controller.Subscribe()
	defer sub.Close()
	require.Equal(t, session.SignedOut, (<-sub.C).Phase)

	cred, err := f.controller.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, cred.AccessToken)
	require.Equal(t, testEmail, cred.User.Email)

	stored, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, cred, stored)

	st := <-sub.C
	require.Equal(t, session.Active, st.Phase)
	require.Equal(t, cred.AccessToken, st.AccessToken())
	require.Equal(t, f.controller.State().Version, st.Version)
}

func TestLoginFailureLeavesSessionUnchanged(t *testing.T) {
	f := setupTestFixture(t)
	before := f.controller.State()

	_, err := f.controller.Login(context.Background(), testEmail, "wrong")
	require.ErrorIs(t, err, serrors.ErrInvalidCredentials)

	after := f.controller.State()
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, session.SignedOut, after.Phase)
	loaded, err := f.store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestRegister(t *testing.T) {
	t.Run("signs in on success", func(t *testing.T) {
		f := setupTestFixture(t)
		cred, err := f.controller.Register(context.Background(), apimodel.RegisterRequest{
			FullName: "Nguyen Van A",
			Email:    "new@example.com",
			Password: "secret",
			Role:     credentials.RoleSeller,
		})
		require.NoError(t, err)
		require.Equal(t, "new@example.com", cred.User.Email)
		require.Equal(t, credentials.RoleSeller, cred.User.Role)
		require.Equal(t, session.Active, f.controller.State().Phase)
		require.EqualValues(t, 1, f.backend.LoginCalls.Load())
	})

	t.Run("duplicate email", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.controller.Register(context.Background(), apimodel.RegisterRequest{Email: testEmail, Password: "x"})
		require.ErrorIs(t, err, serrors.ErrRegistrationFailed)
		require.Equal(t, "Email đã tồn tại", serrors.Message(err))
		require.Equal(t, session.SignedOut, f.controller.State().Phase)
	})

	t.Run("unexpected message", func(t *testing.T) {
		store := memstore.New()
		c, err := session.New(session.Deps{Store: store, Auth: newStubAuth()}, session.WithRegistrationSentinel("ok"))
		require.NoError(t, err)

		_, err = c.Register(context.Background(), apimodel.RegisterRequest{Email: "a@b.c", Password: "x"})
		require.ErrorIs(t, err, serrors.ErrRegistrationFailed)
		require.Equal(t, session.SignedOut, c.State().Phase)
	})
}

func TestAdoptCredential(t *testing.T) {
	f := setupTestFixture(t)

	require.ErrorIs(t, f.controller.AdoptCredential(testCredential("A1", "")), serrors.ErrPartialCredential)
	require.Equal(t, session.SignedOut, f.controller.State().Phase)

	require.NoError(t, f.controller.AdoptCredential(testCredential("A1", "R1")))
	require.Equal(t, "A1", f.controller.CurrentCredential().AccessToken)
	require.EqualValues(t, 0, f.backend.LoginCalls.Load())
}

func TestUpdateUser(t *testing.T) {
	f := setupTestFixture(t)
	require.ErrorIs(t, f.controller.UpdateUser(credentials.User{FullName: "x"}), serrors.ErrNotSignedIn)

	require.NoError(t, f.controller.AdoptCredential(testCredential("A1", "R1")))
	require.NoError(t, f.controller.UpdateUser(credentials.User{Email: testEmail, FullName: "Tran Thi B"}))

	cred := f.controller.CurrentCredential()
	require.Equal(t, "Tran Thi B", cred.User.FullName)
	require.Equal(t, credentials.UserID("7"), cred.User.ID)
	require.Equal(t, "A1", cred.AccessToken)

	stored, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, cred, stored)
}

func TestLogout(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.controller.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	require.NoError(t, f.controller.Logout(context.Background()))
	version := f.controller.State().Version
	require.Equal(t, session.SignedOut, f.controller.State().Phase)

	// a second logout is a no-op
	require.NoError(t, f.controller.Logout(context.Background()))
	require.Equal(t, version, f.controller.State().Version)

	loaded, err := f.store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestReturnedCredentialIsACopy(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.controller.AdoptCredential(testCredential("A1", "R1")))

	cred := f.controller.CurrentCredential()
	cred.AccessToken = "tampered"
	require.Equal(t, "A1", f.controller.CurrentCredential().AccessToken)
}

func TestSubscription(t *testing.T) {
	f := setupTestFixture(t)
	sub := f.controller.Subscribe()

	first := <-sub.C
	require.Equal(t, session.SignedOut, first.Phase)

	// a reader that falls behind only sees the newest snapshot
	require.NoError(t, f.controller.AdoptCredential(testCredential("A1", "R1")))
	require.NoError(t, f.controller.AdoptCredential(testCredential("A2", "R2")))
	latest := <-sub.C
	require.Equal(t, "A2", latest.AccessToken())
	require.Greater(t, latest.Version, first.Version)

	sub.Close()
	sub.Close()
	_, open := <-sub.C
	require.False(t, open)

	// closed subscriptions no longer receive
	require.NoError(t, f.controller.Logout(context.Background()))
}

func TestSubscribersMayCallBack(t *testing.T) {
	f := setupTestFixture(t)
	sub := f.controller.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for st := range sub.C {
			_ = f.controller.State()
			if st.Phase == session.Active {
				_ = f.controller.Logout(context.Background())
				return
			}
		}
	}()

	require.NoError(t, f.controller.AdoptCredential(testCredential("A1", "R1")))
	wg.Wait()
	require.Eventually(t, func() bool {
		return f.controller.State().Phase == session.SignedOut
	}, time.Second, 10*time.Millisecond)
}
