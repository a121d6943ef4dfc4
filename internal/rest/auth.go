package rest

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/KilimcininKorOglu/dirmgr/internal/session"
)

// Auth errors.
var (
	ErrInvalidToken = errors.New("rest: invalid token")
	ErrTokenExpired = errors.New("rest: token expired")
)

// Claims are the JWT claims of an admin API token. The subject is the
// login name; SessionID binds the token to a live session, so logging out
// or an idle sweep revokes it.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates bearer tokens for sessions.
type Authenticator struct {
	sessions  *session.Registry
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
	mu        sync.RWMutex
}

// NewAuthenticator creates a new authenticator. An empty secret is
// replaced by a random one, which invalidates every token at restart.
func NewAuthenticator(sessions *session.Registry, jwtSecret string, tokenTTL time.Duration) *Authenticator {
	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		rand.Read(secret)
	}
	return &Authenticator{
		sessions:  sessions,
		jwtSecret: secret,
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

// SetTokenTTL updates the token TTL at runtime.
func (a *Authenticator) SetTokenTTL(ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokenTTL = ttl
}

// GetTokenTTL returns the current token TTL.
func (a *Authenticator) GetTokenTTL() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tokenTTL
}

// Login checks the credentials, opens a session and returns a token
// for it.
func (a *Authenticator) Login(username, password string) (*session.Session, string, time.Time, error) {
	s, err := a.sessions.Login(username, password)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	token, exp, err := a.generateToken(username, s.ID)
	if err != nil {
		a.sessions.Logout(s.ID)
		return nil, "", time.Time{}, err
	}
	return s, token, exp, nil
}

// generateToken creates an HS256 token for the given session.
func (a *Authenticator) generateToken(username, sessionID string) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.GetTokenTTL())
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// ValidateToken validates a token and returns the claims.
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, ErrInvalidToken
	case claims.SessionID == "":
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Resolve validates token and returns its live session.
func (a *Authenticator) Resolve(token string) (*session.Session, error) {
	claims, err := a.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	s, err := a.sessions.Get(claims.SessionID)
	if err != nil || s.Name() != claims.Subject {
		return nil, ErrInvalidToken
	}
	return s, nil
}
