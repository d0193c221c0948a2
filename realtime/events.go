package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
)

// Event names used by the storefront backend.
const (
	EventJoin                  = "join"
	EventNewOrder              = "newOrder"
	EventOrderStatusUpdated    = "orderStatusUpdated"
	EventNewNotification       = "newNotification"
	EventProductRemovedByAdmin = "productRemovedByAdmin"
	EventUnauthorized          = "unauthorized"
)

// Event is one frame on the channel.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data as the payload of a named event.
func NewEvent(name string, data any) (Event, error) {
	ev := Event{Name: name}
	if data == nil {
		return ev, nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("[realtime.NewEvent] %s: %w", name, err)
	}
	ev.Data = payload
	return ev, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: event %s: %w", serrors.ErrMalformedResponse, e.Name, err)
	}
	return nil
}

// Handler receives dispatched events. Handlers run on the channel's read
// goroutine and should return quickly.
type Handler func(ctx context.Context, ev Event)

// Handshake identifies the session a channel is opened for.
type Handshake struct {
	Token  string
	UserID string
}

// Conn is one open channel.
type Conn interface {
	Read(ctx context.Context) (Event, error)
	Write(ctx context.Context, ev Event) error
	Close() error
}

// Dialer opens channels. Dial returns ErrAuthRejected when the backend refuses
// the handshake credentials and ErrNetwork for anything worth retrying.
type Dialer interface {
	Dial(ctx context.Context, hs Handshake) (Conn, error)
}
