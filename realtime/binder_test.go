package realtime_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-storefront-session/authapi"
	"github.com/jrsteele09/go-storefront-session/credentials"
	"github.com/jrsteele09/go-storefront-session/credentials/memstore"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/jrsteele09/go-storefront-session/internal/fakebackend"
	"github.com/jrsteele09/go-storefront-session/realtime"
	"github.com/jrsteele09/go-storefront-session/session"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "seller@example.com"
	testPassword = "password123"
	waitFor      = 3 * time.Second
	tick         = 10 * time.Millisecond
)

// testFixture holds a running binder over the fake backend
type testFixture struct {
	backend    *fakebackend.Backend
	controller *session.Controller
	binder     *realtime.Binder
	runErr     chan error
}

func setupTestFixture(t *testing.T, options ...realtime.Option) *testFixture {
	t.Helper()
	return setupTestFixtureWithDialer(t, nil, options...)
}

// setupTestFixtureWithDialer lets wrap intercept the websocket dialer.
func setupTestFixtureWithDialer(t *testing.T, wrap func(realtime.Dialer) realtime.Dialer, options ...realtime.Option) *testFixture {
	t.Helper()

	backend := fakebackend.New(t)
	backend.AddUser(testEmail, testPassword, credentials.RoleSeller)
	auth := authapi.New(backend.APIURL(), authapi.WithHTTPClient(backend.HTTPClient()))
	controller, err := session.New(session.Deps{Store: memstore.New(), Auth: auth})
	require.NoError(t, err)

	options = append([]realtime.Option{realtime.WithReconnect(2*time.Second, 20*time.Millisecond)}, options...)
	var dialer realtime.Dialer = realtime.NewWebsocketDialer(backend.RealtimeURL())
	if wrap != nil {
		dialer = wrap(dialer)
	}
	binder, err := realtime.New(dialer, controller, options...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f := &testFixture{backend: backend, controller: controller, binder: binder, runErr: make(chan error, 1)}
	go func() {
		f.runErr <- binder.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-f.runErr
	})
	return f
}

func (f *testFixture) login(t *testing.T) *credentials.Credential {
	t.Helper()
	cred, err := f.controller.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	return cred
}

func (f *testFixture) waitForJoins(t *testing.T, n int) []fakebackend.SocketJoin {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.backend.Joins()) >= n
	}, waitFor, tick)
	return f.backend.Joins()
}

func TestNew(t *testing.T) {
	_, err := realtime.New(nil, nil)
	require.Error(t, err)
	_, err = realtime.New(realtime.NewWebsocketDialer("ws://localhost/ws"), nil)
	require.Error(t, err)
}

func TestJoinsOnSignIn(t *testing.T) {
	f := setupTestFixture(t)
	require.False(t, f.binder.Connected())

	cred := f.login(t)
	joins := f.waitForJoins(t, 1)
	require.Equal(t, cred.User.ID.String(), joins[0].UserID)
	require.Equal(t, cred.User.ID.String(), joins[0].Room)
	require.Equal(t, cred.AccessToken, joins[0].Token)
	require.Eventually(t, f.binder.Connected, waitFor, tick)
}

func TestDispatchesEvents(t *testing.T) {
	f := setupTestFixture(t)
	received := make(chan realtime.Event, 1)
	f.binder.On(realtime.EventNewOrder, func(_ context.Context, ev realtime.Event) {
		received <- ev
	})

	cred := f.login(t)
	f.waitForJoins(t, 1)
	require.Equal(t, 1, f.backend.Push(cred.User.ID.String(), realtime.EventNewOrder, map[string]int{"orderId": 5}))

	select {
	case ev := <-received:
		var payload struct {
			OrderID int `json:"orderId"`
		}
		require.NoError(t, ev.Decode(&payload))
		require.Equal(t, 5, payload.OrderID)
	case <-time.After(waitFor):
		t.Fatal("event was not dispatched")
	}
}

func TestRebindsOnNewCredential(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.waitForJoins(t, 1)

	adopted := f.backend.Issue(testEmail)
	require.NoError(t, f.controller.AdoptCredential(adopted))

	joins := f.waitForJoins(t, 2)
	require.Equal(t, adopted.AccessToken, joins[1].Token)
	require.Eventually(t, func() bool {
		tokens := f.backend.OpenSocketTokens()
		return len(tokens) == 1 && tokens[0] == adopted.AccessToken
	}, waitFor, tick)
}

func TestClosesOnLogout(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.waitForJoins(t, 1)

	require.NoError(t, f.controller.Logout(context.Background()))
	require.Eventually(t, func() bool {
		return f.backend.OpenSockets() == 0 && !f.binder.Connected()
	}, waitFor, tick)

	err := f.binder.Emit(context.Background(), "ping", nil)
	require.ErrorIs(t, err, serrors.ErrNotConnected)
}

func TestEmit(t *testing.T) {
	f := setupTestFixture(t)
	require.ErrorIs(t, f.binder.Emit(context.Background(), "ping", nil), serrors.ErrNotConnected)

	f.login(t)
	require.Eventually(t, f.binder.Connected, waitFor, tick)
	require.NoError(t, f.binder.Emit(context.Background(), "ping", map[string]string{"from": "test"}))
}

func TestReconnectsAfterDrop(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.waitForJoins(t, 1)

	f.backend.DropSockets()
	f.waitForJoins(t, 2)
	require.Eventually(t, func() bool {
		return f.backend.OpenSockets() == 1
	}, waitFor, tick)
	require.Equal(t, session.Active, f.controller.State().Phase)
}

func TestKeepsChannelWhileRefreshing(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.waitForJoins(t, 1)
	f.backend.SetRefreshDelay(200 * time.Millisecond)

	renewed := make(chan *credentials.Credential, 1)
	go func() {
		cred, err := f.controller.EnsureFreshToken(context.Background())
		if err != nil {
			close(renewed)
			return
		}
		renewed <- cred
	}()
	require.Eventually(t, func() bool {
		return f.controller.State().Phase == session.Refreshing
	}, waitFor, 2*time.Millisecond)
	require.Equal(t, 1, f.backend.Handshakes())
	require.Equal(t, 1, f.backend.OpenSockets())

	cred := <-renewed
	require.NotNil(t, cred)
	joins := f.waitForJoins(t, 2)
	require.Equal(t, cred.AccessToken, joins[1].Token)
}

func TestRepeatedRejectionSignsOut(t *testing.T) {
	f := setupTestFixture(t, realtime.WithMaxAuthRejections(3))
	f.backend.RejectSockets(3)

	f.login(t)
	require.Eventually(t, func() bool {
		return f.controller.State().Phase == session.SignedOut
	}, waitFor, tick)
	require.Equal(t, 3, f.backend.Handshakes())
	require.Empty(t, f.backend.Joins())
}

func TestRejectionBelowLimitRecovers(t *testing.T) {
	f := setupTestFixture(t, realtime.WithMaxAuthRejections(3))
	f.backend.RejectSockets(2)

	f.login(t)
	f.waitForJoins(t, 1)
	require.Equal(t, 3, f.backend.Handshakes())
	require.Equal(t, session.Active, f.controller.State().Phase)
}

// outageDialer fails every dial with a network error while down is set.
type outageDialer struct {
	next     realtime.Dialer
	down     atomic.Bool
	attempts atomic.Int32
}

func (d *outageDialer) Dial(ctx context.Context, hs realtime.Handshake) (realtime.Conn, error) {
	d.attempts.Add(1)
	if d.down.Load() {
		return nil, serrors.ErrNetwork
	}
	return d.next.Dial(ctx, hs)
}

func TestReconnectsAfterOutageLongerThanRetryRound(t *testing.T) {
	outage := &outageDialer{}
	outage.down.Store(true)
	f := setupTestFixtureWithDialer(t, func(next realtime.Dialer) realtime.Dialer {
		outage.next = next
		return outage
	}, realtime.WithReconnect(150*time.Millisecond, 20*time.Millisecond))

	f.login(t)
	// outlast several retry rounds
	time.Sleep(500 * time.Millisecond)
	require.False(t, f.binder.Connected())
	require.Greater(t, outage.attempts.Load(), int32(1))

	outage.down.Store(false)
	f.waitForJoins(t, 1)
	require.Eventually(t, f.binder.Connected, waitFor, tick)
	require.Equal(t, session.Active, f.controller.State().Phase)
}

func TestSecondRunIsRejected(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.waitForJoins(t, 1)

	err := f.binder.Run(context.Background())
	require.ErrorIs(t, err, realtime.ErrAlreadyRunning)
	require.Equal(t, 1, f.backend.Handshakes())
}
