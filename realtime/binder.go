// Package realtime keeps a server-push channel bound to the active session:
// opened when the session becomes active, reopened when its identity changes
// and closed on logout.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/jrsteele09/go-storefront-session/internal/metrics"
	"github.com/jrsteele09/go-storefront-session/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/siderolabs/go-retry/retry"
)

// ErrAlreadyRunning is returned by Run when another Run owns the binder.
var ErrAlreadyRunning = errors.New("binder is already running")

const (
	defaultReconnectTimeout  = 2 * time.Minute
	defaultReconnectInterval = 500 * time.Millisecond
	defaultMaxAuthRejections = 3
)

// Session is what the binder needs from the session controller.
type Session interface {
	Subscribe() *session.Subscription
	Logout(ctx context.Context) error
}

var _ Session = (*session.Controller)(nil)

// Binder follows the session and owns at most one channel at a time.
type Binder struct {
	dialer            Dialer
	session           Session
	metrics           *metrics.Metrics
	reconnectTimeout  time.Duration
	reconnectInterval time.Duration
	maxAuthRejections int

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	connMu sync.RWMutex
	conn   Conn

	running atomic.Bool
	// bound is only touched by the Run goroutine.
	bound *binding
}

type binding struct {
	handshake Handshake
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Binder
type Option func(*Binder)

// WithMetrics records connection attempts on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Binder) {
		b.metrics = m
	}
}

// WithReconnect sets how long one round of network retries lasts and the base
// interval of its exponential backoff. A binding keeps starting new rounds
// until it is closed.
func WithReconnect(timeout, interval time.Duration) Option {
	return func(b *Binder) {
		if timeout > 0 {
			b.reconnectTimeout = timeout
		}
		if interval > 0 {
			b.reconnectInterval = interval
		}
	}
}

// WithMaxAuthRejections sets how many consecutive credential rejections end
// the session.
func WithMaxAuthRejections(n int) Option {
	return func(b *Binder) {
		if n > 0 {
			b.maxAuthRejections = n
		}
	}
}

// New creates a binder. Nothing is opened until Run is called.
func New(dialer Dialer, sess Session, options ...Option) (*Binder, error) {
	if dialer == nil {
		return nil, errors.New("[realtime.New] dialer is required")
	}
	if sess == nil {
		return nil, errors.New("[realtime.New] session is required")
	}

	b := &Binder{
		dialer:            dialer,
		session:           sess,
		reconnectTimeout:  defaultReconnectTimeout,
		reconnectInterval: defaultReconnectInterval,
		maxAuthRejections: defaultMaxAuthRejections,
		handlers:          make(map[string][]Handler),
	}
	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

// On registers handler for events named event.
func (b *Binder) On(event string, handler Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Connected reports whether a channel is open.
func (b *Binder) Connected() bool {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.conn != nil
}

// Emit sends a named event on the open channel.
func (b *Binder) Emit(ctx context.Context, event string, data any) error {
	ev, err := NewEvent(event, data)
	if err != nil {
		return err
	}

	b.connMu.RLock()
	conn := b.conn
	b.connMu.RUnlock()
	if conn == nil {
		return errors.Wrapf(serrors.ErrNotConnected, "[Binder.Emit] %s", event)
	}
	return conn.Write(ctx, ev)
}

// Run follows the session until ctx is done. The channel is closed before Run
// returns. Only one Run may be active per binder; a concurrent call returns
// ErrAlreadyRunning.
func (b *Binder) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.Wrap(ErrAlreadyRunning, "[Binder.Run]")
	}
	defer b.running.Store(false)

	sub := b.session.Subscribe()
	defer sub.Close()
	defer b.unbind()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-sub.C:
			if !ok {
				return nil
			}
			b.apply(ctx, st)
		}
	}
}

func (b *Binder) apply(ctx context.Context, st session.State) {
	switch st.Phase {
	case session.SignedOut:
		b.unbind()
	case session.Refreshing:
		// the current channel stays open until the renewal settles
	case session.Active:
		hs := Handshake{Token: st.AccessToken(), UserID: st.UserID()}
		if b.bound != nil && b.bound.handshake == hs {
			return
		}
		b.unbind()
		b.bind(ctx, hs)
	}
}

func (b *Binder) bind(ctx context.Context, hs Handshake) {
	bctx, cancel := context.WithCancel(ctx)
	bd := &binding{handshake: hs, cancel: cancel, done: make(chan struct{})}
	b.bound = bd

	go func() {
		defer close(bd.done)
		b.runBinding(bctx, hs)
	}()
}

// unbind closes the current binding and waits for it to exit.
func (b *Binder) unbind() {
	if b.bound == nil {
		return
	}
	b.bound.cancel()
	<-b.bound.done
	b.bound = nil
}

func (b *Binder) runBinding(ctx context.Context, hs Handshake) {
	logger := log.With().Str("user_id", hs.UserID).Logger()
	rejections := 0

	for {
		conn, err := b.connect(ctx, hs)
		if err == nil {
			err = b.serve(ctx, conn, hs)
			if err == nil || errors.Is(err, serrors.ErrChannelClosed) {
				rejections = 0
			}
		}
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, serrors.ErrAuthRejected):
			rejections++
			b.metrics.RealtimeConnect(metrics.OutcomeRejected)
			logger.Warn().Err(err).Int("rejections", rejections).Msg("realtime channel rejected credentials")
			if rejections >= b.maxAuthRejections {
				logger.Error().Msg("realtime channel keeps rejecting credentials, signing out")
				if err := b.session.Logout(context.Background()); err != nil {
					logger.Err(err).Msg("logout after channel rejection")
				}
				return
			}
			if !sleep(ctx, b.reconnectInterval) {
				return
			}
		case errors.Is(err, serrors.ErrChannelClosed), err == nil:
			logger.Info().Msg("realtime channel dropped, reconnecting")
		default:
			logger.Warn().Err(err).Msg("realtime channel still unreachable, starting a new reconnect round")
			if !sleep(ctx, b.reconnectInterval) {
				return
			}
		}
	}
}

// connect dials until it succeeds, the credentials are rejected or the
// reconnect timeout passes. Network errors are retried with exponential
// backoff; runBinding starts a new round when the timeout passes.
func (b *Binder) connect(ctx context.Context, hs Handshake) (Conn, error) {
	var (
		conn     Conn
		rejected error
	)
	err := retry.Exponential(b.reconnectTimeout, retry.WithUnits(b.reconnectInterval)).
		RetryWithContext(ctx, func(ctx context.Context) error {
			c, dialErr := b.dialer.Dial(ctx, hs)
			switch {
			case dialErr == nil:
				conn = c
				return nil
			case errors.Is(dialErr, serrors.ErrAuthRejected):
				rejected = dialErr
				return dialErr
			default:
				b.metrics.RealtimeConnect(metrics.OutcomeFailure)
				log.Debug().Err(dialErr).Str("user_id", hs.UserID).Msg("realtime dial failed")
				return retry.ExpectedError(dialErr)
			}
		})
	if rejected != nil {
		return nil, rejected
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Binder.connect]")
	}
	return conn, nil
}

// serve joins the user's room and dispatches events until the channel fails.
func (b *Binder) serve(ctx context.Context, conn Conn, hs Handshake) error {
	defer func() {
		_ = conn.Close()
	}()

	join, err := NewEvent(EventJoin, hs.UserID)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, join); err != nil {
		return err
	}

	b.setConn(conn)
	defer b.setConn(nil)
	b.metrics.RealtimeConnect(metrics.OutcomeSuccess)
	log.Info().Str("user_id", hs.UserID).Msg("realtime channel joined")

	for {
		ev, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		b.dispatch(ctx, ev)
	}
}

func (b *Binder) dispatch(ctx context.Context, ev Event) {
	b.handlersMu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Name]...)
	b.handlersMu.RUnlock()

	if len(handlers) == 0 {
		log.Debug().Str("event", ev.Name).Msg("no handler for realtime event")
		return
	}
	for _, h := range handlers {
		h(ctx, ev)
	}
}

func (b *Binder) setConn(conn Conn) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	b.conn = conn
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
