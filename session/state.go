package session

import (
	"github.com/jrsteele09/go-storefront-session/credentials"
)

// Phase is the lifecycle position of the session.
type Phase int

const (
	SignedOut  Phase = iota // no credential
	Active                  // credential usable
	Refreshing              // credential present, renewal outstanding
)

func (p Phase) String() string {
	switch p {
	case SignedOut:
		return "signed_out"
	case Active:
		return "active"
	case Refreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// State is an immutable snapshot of the session. Version increases on every
// committed transition.
type State struct {
	Phase      Phase
	Credential *credentials.Credential
	Version    uint64
}

// AccessToken returns the access token of the snapshot, or "".
func (s State) AccessToken() string {
	if s.Credential == nil {
		return ""
	}
	return s.Credential.AccessToken
}

// UserID returns the user id of the snapshot, or "".
func (s State) UserID() string {
	if s.Credential == nil {
		return ""
	}
	return s.Credential.User.ID.String()
}

func (s State) clone() State {
	s.Credential = s.Credential.Clone()
	return s
}
