package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/go-storefront-session/apimodel"
	"github.com/jrsteele09/go-storefront-session/authapi"
	"github.com/jrsteele09/go-storefront-session/credentials"
	"github.com/jrsteele09/go-storefront-session/internal/config"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/jrsteele09/go-storefront-session/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const defaultRefreshTimeout = 10 * time.Second

// AuthAPI is the part of the backend the controller talks to.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*credentials.Credential, error)
	Register(ctx context.Context, request apimodel.RegisterRequest) (string, error)
	RefreshToken(ctx context.Context, refreshToken string) (*apimodel.RefreshResponse, error)
}

var _ AuthAPI = (*authapi.Client)(nil)

// Deps holds the required dependencies of a Controller.
type Deps struct {
	Store credentials.Store // Durable credential record
	Auth  AuthAPI           // Login, register and renewal endpoints
}

// Controller owns the session state. It is the only writer of the credential
// store and the only place the session phase changes.
type Controller struct {
	store          credentials.Store
	auth           AuthAPI
	metrics        *metrics.Metrics
	sentinel       string
	refreshTimeout time.Duration

	// commitMu serializes commits: store write, state swap and notification.
	commitMu sync.Mutex
	subs     map[*Subscription]struct{}

	// mu guards the fields below for readers outside commitMu.
	mu          sync.RWMutex
	state       State
	generation  uint64        // bumped by login, adopt and logout
	renewalDone chan struct{} // closed when the phase leaves Refreshing

	flight singleflight.Group
}

// Option configures a Controller
type Option func(*Controller)

// WithMetrics records transitions and renewals on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithRegistrationSentinel sets the message that marks a successful registration
func WithRegistrationSentinel(sentinel string) Option {
	return func(c *Controller) {
		c.sentinel = sentinel
	}
}

// WithRefreshTimeout bounds a single renewal call
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		if timeout > 0 {
			c.refreshTimeout = timeout
		}
	}
}

// New creates a controller and restores the session from the store. A partial
// record is cleared and the session starts signed out.
func New(deps Deps, options ...Option) (*Controller, error) {
	if deps.Store == nil {
		return nil, errors.New("[session.New] Store is required")
	}
	if deps.Auth == nil {
		return nil, errors.New("[session.New] Auth is required")
	}

	c := &Controller{
		store:          deps.Store,
		auth:           deps.Auth,
		sentinel:       config.RegistrationSentinel,
		refreshTimeout: defaultRefreshTimeout,
		subs:           make(map[*Subscription]struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	cred, err := c.store.Load()
	switch {
	case serrors.Is(err, serrors.ErrPartialCredential):
		log.Warn().Err(err).Msg("discarding partial credential record")
		if clearErr := c.store.Clear(); clearErr != nil {
			return nil, errors.Wrap(clearErr, "[session.New] clearing partial credential")
		}
	case err != nil:
		return nil, errors.Wrap(err, "[session.New] loading credential")
	case cred != nil:
		c.state = State{Phase: Active, Credential: cred}
		log.Info().Str("user_id", cred.User.ID.String()).Msg("session restored")
	}
	return c, nil
}

// State returns the current snapshot.
func (c *Controller) State() State {
	return c.snapshot()
}

// CurrentCredential returns a copy of the current credential, or nil when
// signed out.
func (c *Controller) CurrentCredential() *credentials.Credential {
	return c.snapshot().Credential
}

// AwaitCredential returns the credential to send with a request. While a
// renewal is outstanding it waits for the renewal to settle. It returns nil
// when signed out.
func (c *Controller) AwaitCredential(ctx context.Context) (*credentials.Credential, error) {
	for {
		c.mu.RLock()
		st, done := c.state, c.renewalDone
		c.mu.RUnlock()

		if st.Phase != Refreshing || done == nil {
			return st.Credential.Clone(), nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "[Controller.AwaitCredential]")
		case <-done:
		}
	}
}

// Login exchanges email and password for a credential and starts the session.
// On failure the session is unchanged.
func (c *Controller) Login(ctx context.Context, email, password string) (*credentials.Credential, error) {
	cred, err := c.auth.Login(ctx, email, password)
	if err != nil {
		log.Err(err).Str("email", email).Msg("login failed")
		return nil, errors.Wrap(err, "[Controller.Login]")
	}
	if err := c.start(cred); err != nil {
		return nil, errors.Wrap(err, "[Controller.Login]")
	}
	log.Info().Str("user_id", cred.User.ID.String()).Msg("signed in")
	return cred.Clone(), nil
}

// Register creates an account and, when the backend confirms it, signs in with
// the same email and password.
func (c *Controller) Register(ctx context.Context, request apimodel.RegisterRequest) (*credentials.Credential, error) {
	message, err := c.auth.Register(ctx, request)
	if err != nil {
		log.Err(err).Str("email", request.Email).Msg("registration failed")
		return nil, errors.Wrap(err, "[Controller.Register]")
	}
	if message != c.sentinel {
		return nil, fmt.Errorf("[Controller.Register] %w: %s", serrors.ErrRegistrationFailed, message)
	}
	return c.Login(ctx, request.Email, request.Password)
}

// AdoptCredential starts a session from a credential obtained elsewhere,
// without contacting the backend.
func (c *Controller) AdoptCredential(cred *credentials.Credential) error {
	if err := c.start(cred.Clone()); err != nil {
		return errors.Wrap(err, "[Controller.AdoptCredential]")
	}
	log.Info().Str("user_id", cred.User.ID.String()).Msg("credential adopted")
	return nil
}

// UpdateUser replaces the user record of the current credential. The phase is
// kept, so an outstanding renewal is not disturbed.
func (c *Controller) UpdateUser(user credentials.User) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	current := c.state
	if current.Phase == SignedOut {
		return errors.Wrap(serrors.ErrNotSignedIn, "[Controller.UpdateUser]")
	}
	if user.ID == "" {
		user.ID = current.Credential.User.ID
	}
	updated := current.Credential.WithUser(user)
	if err := c.store.Save(updated); err != nil {
		return errors.Wrap(err, "[Controller.UpdateUser]")
	}
	c.commitLocked(State{Phase: current.Phase, Credential: updated}, false)
	return nil
}

// Logout clears the store and signs the session out. It is idempotent and does
// not wait for an outstanding renewal, whose result is then discarded. A store
// failure is returned but the session is signed out regardless.
func (c *Controller) Logout(_ context.Context) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	return c.logoutLocked()
}

func (c *Controller) logoutLocked() error {
	err := c.store.Clear()
	if err != nil {
		log.Err(err).Msg("clearing credential store")
	}
	if c.state.Phase != SignedOut {
		userID := c.state.UserID()
		c.commitLocked(State{Phase: SignedOut}, true)
		log.Info().Str("user_id", userID).Msg("signed out")
	}
	return errors.Wrap(err, "[Controller.Logout]")
}

// start persists cred and makes it the active session.
func (c *Controller) start(cred *credentials.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if err := c.store.Save(cred); err != nil {
		return err
	}
	c.commitLocked(State{Phase: Active, Credential: cred}, true)
	return nil
}

// commitLocked swaps the state and notifies subscribers. Callers hold
// commitMu. A new session generation is started when the identity of the
// session changed from outside a renewal.
func (c *Controller) commitLocked(next State, newGeneration bool) {
	c.mu.Lock()
	prev := c.state.Phase
	next.Version = c.state.Version + 1
	c.state = next
	if newGeneration {
		c.generation++
	}
	switch {
	case next.Phase == Refreshing && prev != Refreshing:
		c.renewalDone = make(chan struct{})
	case next.Phase != Refreshing && c.renewalDone != nil:
		close(c.renewalDone)
		c.renewalDone = nil
	}
	c.mu.Unlock()

	c.metrics.Transition(next.Phase.String())
	for sub := range c.subs {
		sub.deliver(next.clone())
	}
}

func (c *Controller) snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}
