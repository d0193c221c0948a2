package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
)

const maxReadBytes = 1 << 20 // 1MiB

var _ Dialer = (*WebsocketDialer)(nil)

// WebsocketDialer opens the channel over a websocket. The user id travels in
// the query string and the access token in the Authorization header.
type WebsocketDialer struct {
	url        string
	httpClient *http.Client
}

// DialerOption configures a WebsocketDialer
type DialerOption func(*WebsocketDialer)

// WithDialHTTPClient sets the client used for the handshake
func WithDialHTTPClient(httpClient *http.Client) DialerOption {
	return func(d *WebsocketDialer) {
		d.httpClient = httpClient
	}
}

// NewWebsocketDialer creates a dialer for rawURL (ws:// or wss://).
func NewWebsocketDialer(rawURL string, options ...DialerOption) *WebsocketDialer {
	d := &WebsocketDialer{url: rawURL}
	for _, opt := range options {
		opt(d)
	}
	return d
}

func (d *WebsocketDialer) Dial(ctx context.Context, hs Handshake) (Conn, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("[WebsocketDialer.Dial] %w", err)
	}
	q := u.Query()
	q.Set("userId", hs.UserID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+hs.Token)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", serrors.ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", serrors.ErrNetwork, u.Host, err)
	}
	conn.SetReadLimit(maxReadBytes)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (Event, error) {
	var ev Event
	if err := wsjson.Read(ctx, c.conn, &ev); err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		if status := websocket.CloseStatus(err); status == websocket.StatusPolicyViolation {
			return Event{}, fmt.Errorf("%w: %w", serrors.ErrAuthRejected, err)
		}
		return Event{}, fmt.Errorf("%w: %w", serrors.ErrChannelClosed, err)
	}
	if ev.Name == EventUnauthorized {
		return Event{}, fmt.Errorf("%w: server sent %s", serrors.ErrAuthRejected, ev.Name)
	}
	return ev, nil
}

func (c *wsConn) Write(ctx context.Context, ev Event) error {
	if err := wsjson.Write(ctx, c.conn, ev); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", serrors.ErrChannelClosed, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
