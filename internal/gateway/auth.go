package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	tokenCookie = "CountBot_token"
	tokenTTL    = 7 * 24 * time.Hour
)

// proxyHeaders mark a request as having passed through a reverse proxy;
// such requests are never granted the loopback trust shortcut.
var proxyHeaders = []string{
	"x-forwarded-for",
	"x-real-ip",
	"x-forwarded-host",
	"x-forwarded-proto",
	"forwarded",
	"via",
	"x-forwarded-server",
	"x-cluster-client-ip",
	"cf-connecting-ip",
	"true-client-ip",
}

// openPrefixes are always reachable without a token.
var openPrefixes = []string{"/api/auth/", "/api/health", "/login", "/assets/"}

// tokenStore holds session tokens issued by the login endpoint.
type tokenStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time // token → expiry
}

func newTokenStore() *tokenStore {
	return &tokenStore{tokens: make(map[string]time.Time)}
}

func (t *tokenStore) issue() string {
	token := uuid.NewString()
	t.mu.Lock()
	t.tokens[token] = time.Now().Add(tokenTTL)
	t.mu.Unlock()
	return token
}

func (t *tokenStore) valid(token string) bool {
	if token == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(t.tokens, token)
		return false
	}
	return true
}

// hashPassword returns SHA-256(salt + password) as lowercase hex.
func hashPassword(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

// isLoopback reports whether the request came directly from localhost:
// loopback remote address and no proxy headers at all.
func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return false
	}
	for _, h := range proxyHeaders {
		if r.Header.Get(h) != "" {
			return false
		}
	}
	return true
}

// requestToken extracts the session token from the cookie or the
// Authorization header.
func requestToken(r *http.Request) string {
	if c, err := r.Cookie(tokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// withAuth guards /api/ and /ws paths. Loopback requests without proxy
// headers are trusted; everything else needs a valid session token. When
// no password is configured, remote access is allowed with a warning.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		guarded := strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/ws")
		if !guarded {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range openPrefixes {
			if strings.HasPrefix(path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		if isLoopback(r) {
			next.ServeHTTP(w, r)
			return
		}

		snap := s.cfg.Snapshot()
		if snap.Gateway.PasswordHash == "" {
			s.warnNoPassword()
			next.ServeHTTP(w, r)
			return
		}

		if s.tokens.valid(requestToken(r)) {
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Authentication required",
			"code":   "AUTH_REQUIRED",
		})
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

// handleLogin verifies the password and issues a session token, returned
// both in the body and as a cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	snap := s.cfg.Snapshot()
	if snap.Gateway.PasswordHash == "" {
		writeDetail(w, http.StatusBadRequest, "未设置访问密码")
		return
	}
	if hashPassword(snap.Gateway.PasswordSalt, req.Password) != snap.Gateway.PasswordHash {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "密码错误",
			"code":   "AUTH_FAILED",
		})
		return
	}

	token := s.tokens.issue()
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(tokenTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
	})
}

// handleAuthStatus lets the UI decide whether to show the login page.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"password_set":  snap.Gateway.PasswordHash != "",
		"authenticated": isLoopback(r) || s.tokens.valid(requestToken(r)),
	})
}
