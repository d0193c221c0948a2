package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jrsteele09/go-storefront-session/credentials"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/jrsteele09/go-storefront-session/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnsureFreshToken renews the access token. Concurrent callers share one
// renewal. When the renewal fails the session is logged out and
// ErrRefreshFailure is returned to every caller.
func (c *Controller) EnsureFreshToken(ctx context.Context) (*credentials.Credential, error) {
	return c.renew(ctx, "")
}

// RenewAfterExpiry is called after the backend reported staleAccessToken as
// expired. It joins an outstanding renewal. When none is outstanding and the
// session already holds a different access token, that token is returned
// without contacting the backend.
func (c *Controller) RenewAfterExpiry(ctx context.Context, staleAccessToken string) (*credentials.Credential, error) {
	return c.renew(ctx, staleAccessToken)
}

func (c *Controller) renew(ctx context.Context, stale string) (*credentials.Credential, error) {
	c.mu.RLock()
	key := "renew:" + strconv.FormatUint(c.generation, 10)
	c.mu.RUnlock()

	ch := c.flight.DoChan(key, func() (any, error) {
		return c.runRenewal(stale)
	})
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "[Controller.renew]")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*credentials.Credential).Clone(), nil
	}
}

// runRenewal is the body of the single flight. It runs on its own context so a
// caller giving up does not cancel the renewal for the others.
func (c *Controller) runRenewal(stale string) (*credentials.Credential, error) {
	c.commitMu.Lock()
	current := c.state
	generation := c.generation

	if current.Phase == SignedOut {
		c.commitMu.Unlock()
		c.metrics.Refresh(metrics.OutcomeFailure)
		return nil, fmt.Errorf("%w: %w", serrors.ErrRefreshFailure, serrors.ErrNotSignedIn)
	}
	if stale != "" && current.Credential.AccessToken != stale {
		c.commitMu.Unlock()
		return current.Credential, nil
	}
	refreshToken := current.Credential.RefreshToken
	if refreshToken == "" {
		_ = c.logoutLocked()
		c.commitMu.Unlock()
		c.metrics.Refresh(metrics.OutcomeFailure)
		return nil, fmt.Errorf("%w: %w", serrors.ErrRefreshFailure, serrors.ErrPartialCredential)
	}
	c.commitLocked(State{Phase: Refreshing, Credential: current.Credential}, false)
	c.commitMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()
	resp, err := c.auth.RefreshToken(ctx, refreshToken)

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if c.generation != generation {
		log.Info().Msg("discarding renewal result: session changed")
		c.metrics.Refresh(metrics.OutcomeDiscarded)
		return nil, fmt.Errorf("%w: %w", serrors.ErrRefreshFailure, serrors.ErrSessionEnded)
	}
	if err != nil {
		log.Err(err).Str("user_id", c.state.UserID()).Msg("token renewal failed, signing out")
		c.metrics.Refresh(metrics.OutcomeFailure)
		_ = c.logoutLocked()
		return nil, fmt.Errorf("%w: %w", serrors.ErrRefreshFailure, err)
	}

	renewed := c.state.Credential.WithAccessToken(resp.AccessToken, resp.RefreshToken)
	if err := c.store.Save(renewed); err != nil {
		log.Err(err).Msg("persisting renewed credential failed, signing out")
		c.metrics.Refresh(metrics.OutcomeFailure)
		_ = c.logoutLocked()
		return nil, fmt.Errorf("%w: %w", serrors.ErrRefreshFailure, err)
	}
	c.commitLocked(State{Phase: Active, Credential: renewed}, false)
	c.metrics.Refresh(metrics.OutcomeSuccess)
	log.Debug().Str("user_id", renewed.User.ID.String()).Msg("access token renewed")
	return renewed, nil
}
