package fakebackend

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jrsteele09/go-storefront-session/apimodel"
)

type socketEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SocketJoin records a join event received on the channel.
type SocketJoin struct {
	UserID string
	Room   string
	Token  string
}

type socketConn struct {
	conn   *websocket.Conn
	userID string
	token  string
	room   string
}

type socketHub struct {
	mu              sync.Mutex
	conns           map[*socketConn]struct{}
	joins           []SocketJoin
	handshakes      int
	rejectRemaining int
}

func newSocketHub() *socketHub {
	return &socketHub{conns: make(map[*socketConn]struct{})}
}

func (b *Backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	hub := b.sockets
	hub.mu.Lock()
	hub.handshakes++
	reject := hub.rejectRemaining > 0
	if reject {
		hub.rejectRemaining--
	}
	hub.mu.Unlock()

	token, ok := bearer(r)
	b.mu.Lock()
	userID, known := b.accessTokens[token]
	expired := b.expired[token]
	b.mu.Unlock()

	if reject || !ok || !known || expired {
		WriteJSON(w, http.StatusUnauthorized, apimodel.ErrorResponse{Message: "Xác thực socket thất bại"})
		return
	}
	if r.URL.Query().Get("userId") != userID {
		WriteJSON(w, http.StatusForbidden, apimodel.ErrorResponse{Message: "userId không khớp"})
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sc := &socketConn{conn: c, userID: userID, token: token}
	hub.add(sc)
	defer hub.remove(sc)

	ctx := r.Context()
	for {
		var ev socketEvent
		if err := wsjson.Read(ctx, c, &ev); err != nil {
			return
		}
		if ev.Event == "join" {
			var room string
			if err := json.Unmarshal(ev.Data, &room); err != nil {
				continue
			}
			hub.join(sc, room)
		}
	}
}

func (h *socketHub) add(sc *socketConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[sc] = struct{}{}
}

func (h *socketHub) remove(sc *socketConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, sc)
	_ = sc.conn.CloseNow()
}

func (h *socketHub) join(sc *socketConn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sc.room = room
	h.joins = append(h.joins, SocketJoin{UserID: sc.userID, Room: room, Token: sc.token})
}

func (h *socketHub) closeAll() {
	h.mu.Lock()
	conns := make([]*socketConn, 0, len(h.conns))
	for sc := range h.conns {
		conns = append(conns, sc)
	}
	h.mu.Unlock()
	for _, sc := range conns {
		_ = sc.conn.Close(websocket.StatusGoingAway, "server closing")
	}
}

// Push sends a named event to every connection that joined room.
// It returns the number of connections the event was written to.
func (b *Backend) Push(room, event string, data any) int {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0
	}

	hub := b.sockets
	hub.mu.Lock()
	targets := make([]*socketConn, 0)
	for sc := range hub.conns {
		if sc.room == room {
			targets = append(targets, sc)
		}
	}
	hub.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sent := 0
	for _, sc := range targets {
		if err := wsjson.Write(ctx, sc.conn, socketEvent{Event: event, Data: payload}); err == nil {
			sent++
		}
	}
	return sent
}

// OpenSockets returns the number of open connections.
func (b *Backend) OpenSockets() int {
	b.sockets.mu.Lock()
	defer b.sockets.mu.Unlock()
	return len(b.sockets.conns)
}

// OpenSocketTokens returns the access tokens of the open connections.
func (b *Backend) OpenSocketTokens() []string {
	b.sockets.mu.Lock()
	defer b.sockets.mu.Unlock()
	tokens := make([]string, 0, len(b.sockets.conns))
	for sc := range b.sockets.conns {
		tokens = append(tokens, sc.token)
	}
	return tokens
}

// Joins returns every join received so far.
func (b *Backend) Joins() []SocketJoin {
	b.sockets.mu.Lock()
	defer b.sockets.mu.Unlock()
	return append([]SocketJoin(nil), b.sockets.joins...)
}

// Handshakes returns how many websocket handshakes were attempted.
func (b *Backend) Handshakes() int {
	b.sockets.mu.Lock()
	defer b.sockets.mu.Unlock()
	return b.sockets.handshakes
}

// RejectSockets answers the next n handshakes with 401.
func (b *Backend) RejectSockets(n int) {
	b.sockets.mu.Lock()
	defer b.sockets.mu.Unlock()
	b.sockets.rejectRemaining = n
}

// DropSockets closes every open connection as a network drop would.
func (b *Backend) DropSockets() {
	b.sockets.closeAll()
}
