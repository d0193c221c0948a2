// Package fakebackend is an httptest storefront backend speaking the auth
// API, a few protected endpoints and the realtime websocket channel.
package fakebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-storefront-session/apimodel"
	"github.com/jrsteele09/go-storefront-session/credentials"
	"github.com/jrsteele09/go-storefront-session/internal/config"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// ContextKeyUserID stores the authenticated user ID
const ContextKeyUserID ContextKey = "user_id"

var signingKey = []byte("fakebackend-signing-key")

type account struct {
	password string
	user     credentials.User
}

type rawResponse struct {
	status      int
	contentType string
	body        string
}

// Backend is a running fake storefront backend.
type Backend struct {
	server *httptest.Server
	mux    *http.ServeMux

	mu            sync.Mutex
	accounts      map[string]*account // email -> account
	accessTokens  map[string]string   // access token -> user id
	refreshTokens map[string]string   // refresh token -> user id
	expired       map[string]bool     // access tokens reported as expired
	nextUserID    int

	refreshDelay    time.Duration
	refreshFailure  string
	refreshRaw      *rawResponse
	rotateRefresh   bool
	expireRefreshed bool

	RefreshCalls atomic.Int64
	LoginCalls   atomic.Int64

	sockets *socketHub
}

// New starts a backend. It is closed when the test ends.
func New(t interface{ Cleanup(func()) }) *Backend {
	b := &Backend{
		mux:           http.NewServeMux(),
		accounts:      make(map[string]*account),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
		expired:       make(map[string]bool),
		nextUserID:    1,
		sockets:       newSocketHub(),
	}
	b.initRoutes()
	b.server = httptest.NewServer(b.mux)
	t.Cleanup(b.Close)
	return b
}

// Close shuts the server down
func (b *Backend) Close() {
	b.sockets.closeAll()
	b.server.Close()
}

// APIURL is the base URL endpoints are joined to
func (b *Backend) APIURL() string {
	return b.server.URL + "/api"
}

// RealtimeURL is the websocket endpoint
func (b *Backend) RealtimeURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

// HTTPClient returns a client for the test server
func (b *Backend) HTTPClient() *http.Client {
	return b.server.Client()
}

func (b *Backend) initRoutes() {
	b.Handle("POST /api/auth/login", b.handleLogin)
	b.Handle("POST /api/auth/register", b.handleRegister)
	b.Handle("POST /api/auth/refresh-token", b.handleRefresh)
	b.HandleProtected("GET /api/auth/profile", b.handleProfile)
	b.HandleProtected("PUT /api/users/profile", b.handleUpdateProfile)
	b.Handle("GET /api/broken", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>502 Bad Gateway</body></html>"))
	})
	b.Handle("GET /ws", b.handleSocket)
}

// HandleProtected registers a handler behind the bearer middleware.
func (b *Backend) HandleProtected(pattern string, handler http.HandlerFunc) {
	b.mux.HandleFunc(pattern, ChainMiddleware(handler, append(StdMiddleware(), b.RequireAuth())...))
}

// Handle registers a public handler.
func (b *Backend) Handle(pattern string, handler http.HandlerFunc) {
	b.mux.HandleFunc(pattern, ChainMiddleware(handler, StdMiddleware()...))
}

// RequireAuth validates the Bearer access token. Expired tokens get
// 401 {"expired": true}; unknown tokens get a plain 401.
func (b *Backend) RequireAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r)
			if !ok {
				WriteJSON(w, http.StatusUnauthorized, apimodel.ErrorResponse{Message: "Không có token"})
				return
			}

			b.mu.Lock()
			userID, known := b.accessTokens[token]
			expired := b.expired[token]
			b.mu.Unlock()

			switch {
			case !known:
				WriteJSON(w, http.StatusUnauthorized, apimodel.ErrorResponse{Message: "Token không hợp lệ"})
				return
			case expired:
				WriteJSON(w, http.StatusUnauthorized, apimodel.ErrorResponse{Message: "Token đã hết hạn", Expired: true})
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyUserID, userID)
			next(w, r.WithContext(ctx))
		}
	}
}

// UserID returns the authenticated user of a protected request
func UserID(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyUserID).(string)
	return id
}

// AddUser creates an account and returns its user record
func (b *Backend) AddUser(email, password string, role credentials.RoleType) credentials.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addUserLocked(email, password, role, "")
}

func (b *Backend) addUserLocked(email, password string, role credentials.RoleType, fullName string) credentials.User {
	user := credentials.User{
		ID:       credentials.UserID(strconv.Itoa(b.nextUserID)),
		Email:    email,
		Role:     role,
		FullName: fullName,
	}
	b.nextUserID++
	b.accounts[email] = &account{password: password, user: user}
	return user
}

// Issue mints a credential for an existing account without a login call.
func (b *Backend) Issue(email string) *credentials.Credential {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.accounts[email]
	return &credentials.Credential{
		AccessToken:  b.mintAccessLocked(string(acc.user.ID)),
		RefreshToken: b.mintRefreshLocked(string(acc.user.ID)),
		User:         acc.user,
	}
}

// ExpireAll makes every access token issued so far report expiry.
func (b *Backend) ExpireAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for token := range b.accessTokens {
		b.expired[token] = true
	}
}

// ExpireRefreshed makes access tokens minted by future renewals report expiry too.
func (b *Backend) ExpireRefreshed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireRefreshed = true
}

// SetRefreshDelay holds every renewal response for d.
func (b *Backend) SetRefreshDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshDelay = d
}

// FailRefresh makes renewals answer 401 {message}.
func (b *Backend) FailRefresh(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshFailure = message
}

// RefreshRawResponse makes renewals answer with body verbatim.
func (b *Backend) RefreshRawResponse(status int, contentType, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshRaw = &rawResponse{status: status, contentType: contentType, body: body}
}

// RotateRefreshTokens makes renewals return a new refresh token.
func (b *Backend) RotateRefreshTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotateRefresh = true
}

// AccessTokenValid reports whether token is known and not expired.
func (b *Backend) AccessTokenValid(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.accessTokens[token]
	return ok && !b.expired[token]
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	b.LoginCalls.Add(1)
	var req apimodel.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, apimodel.MessageResponse{Message: "Dữ liệu không hợp lệ"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[req.Email]
	if !ok || acc.password != req.Password {
		WriteJSON(w, http.StatusUnauthorized, apimodel.MessageResponse{Message: "Email hoặc mật khẩu không đúng"})
		return
	}
	user := acc.user
	WriteJSON(w, http.StatusOK, apimodel.LoginResponse{
		AccessToken:  b.mintAccessLocked(string(user.ID)),
		RefreshToken: b.mintRefreshLocked(string(user.ID)),
		User:         &user,
	})
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req apimodel.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, apimodel.MessageResponse{Message: "Dữ liệu không hợp lệ"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.accounts[req.Email]; exists {
		WriteJSON(w, http.StatusBadRequest, apimodel.MessageResponse{Message: "Email đã tồn tại"})
		return
	}
	b.addUserLocked(req.Email, req.Password, req.Role, req.FullName)
	WriteJSON(w, http.StatusCreated, apimodel.MessageResponse{Message: config.RegistrationSentinel})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.RefreshCalls.Add(1)

	b.mu.Lock()
	delay := b.refreshDelay
	raw := b.refreshRaw
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if raw != nil {
		w.Header().Set("Content-Type", raw.contentType)
		w.WriteHeader(raw.status)
		_, _ = w.Write([]byte(raw.body))
		return
	}

	var req apimodel.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, apimodel.MessageResponse{Message: "Dữ liệu không hợp lệ"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	userID, ok := b.refreshTokens[req.RefreshToken]
	if b.refreshFailure != "" || !ok {
		message := b.refreshFailure
		if message == "" {
			message = "invalid refresh token"
		}
		WriteJSON(w, http.StatusUnauthorized, apimodel.RefreshResponse{Message: message})
		return
	}

	resp := apimodel.RefreshResponse{AccessToken: b.mintAccessLocked(userID)}
	if b.expireRefreshed {
		b.expired[resp.AccessToken] = true
	}
	if b.rotateRefresh {
		delete(b.refreshTokens, req.RefreshToken)
		resp.RefreshToken = b.mintRefreshLocked(userID)
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (b *Backend) handleProfile(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, acc := range b.accounts {
		if string(acc.user.ID) == UserID(r) {
			WriteJSON(w, http.StatusOK, acc.user)
			return
		}
	}
	WriteJSON(w, http.StatusNotFound, apimodel.MessageResponse{Message: "Không tìm thấy người dùng"})
}

func (b *Backend) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var patch map[string]string
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteJSON(w, http.StatusBadRequest, apimodel.MessageResponse{Message: "Dữ liệu không hợp lệ"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, acc := range b.accounts {
		if string(acc.user.ID) != UserID(r) {
			continue
		}
		if v, ok := patch["full_name"]; ok {
			acc.user.FullName = v
		}
		if v, ok := patch["phone_number"]; ok {
			acc.user.PhoneNumber = v
		}
		if v, ok := patch["avatar_url"]; ok {
			acc.user.AvatarURL = v
		}
		WriteJSON(w, http.StatusOK, apimodel.MessageResponse{Message: "Cập nhật thành công"})
		return
	}
	WriteJSON(w, http.StatusNotFound, apimodel.MessageResponse{Message: "Không tìm thấy người dùng"})
}

func (b *Backend) mintAccessLocked(userID string) string {
	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(15 * time.Minute).Unix(),
		"jti": uuid.New().String(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(fmt.Sprintf("fakebackend: signing access token: %v", err))
	}
	b.accessTokens[signed] = userID
	return signed
}

func (b *Backend) mintRefreshLocked(userID string) string {
	token := uuid.New().String()
	b.refreshTokens[token] = userID
	return token
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
