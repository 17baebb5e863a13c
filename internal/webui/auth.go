package webui

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidSession = errors.New("invalid session token")

type sessionClaims struct {
	jwt.RegisteredClaims
}

// tokenMatches compares an operator-supplied token against the configured one
// in constant time. Hashing first keeps the comparison length-independent.
func (s *Server) tokenMatches(candidate string) bool {
	want := sha256.Sum256([]byte(s.config.AuthToken))
	got := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// issueSession signs a short-lived session JWT with the auth token as secret.
func (s *Server) issueSession() (string, error) {
	now := s.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.AuthToken))
}

func (s *Server) validateSession(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.config.AuthToken), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return errInvalidSession
	}
	return nil
}

// authenticated checks, in order: session cookie, bearer header, ?token=
// query. The raw auth token is accepted on the latter two for bootstrap links.
func (s *Server) authenticated(r *http.Request) bool {
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		if s.validateSession(cookie.Value) == nil {
			return true
		}
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		token := strings.TrimSpace(header[7:])
		if s.tokenMatches(token) || s.validateSession(token) == nil {
			return true
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		if s.tokenMatches(token) || s.validateSession(token) == nil {
			return true
		}
	}
	return false
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticated(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, "invalid request body")
		return
	}
	if !s.tokenMatches(body.Token) {
		s.logger.Warn("login rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	session, err := s.issueSession()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session issue failed")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session,
		Path:     "/",
		Expires:  s.now().Add(sessionExpiry),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeData(w, http.StatusOK, map[string]any{"authenticated": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeData(w, http.StatusOK, map[string]any{"authenticated": false})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"authenticated": s.authenticated(r)})
}
