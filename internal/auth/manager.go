// Package auth authenticates API callers with HS256 bearer tokens or
// bcrypt-hashed static API keys.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/jordanhubbard/converge/pkg/config"
)

const (
	issuer          = "converge"
	defaultTokenTTL = 24 * time.Hour
)

var (
	// ErrUnauthenticated means the request carried no usable credentials.
	ErrUnauthenticated = errors.New("missing credentials")
	// ErrInvalidCredentials means the token or key was rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Claims are the JWT claims converge issues
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager validates credentials
type Manager struct {
	jwtSecret    []byte
	apiKeyHashes [][]byte
}

// NewManager creates an auth manager. An empty JWT secret is replaced by a
// random one, which invalidates issued tokens on restart.
func NewManager(cfg config.SecurityConfig) *Manager {
	secret := cfg.JWTSecret
	if secret == "" {
		secret = generateRandomSecret(32)
		log.Printf("[Auth] Generated random JWT secret for this process (not persistent)")
	}
	m := &Manager{jwtSecret: []byte(secret)}
	for _, h := range cfg.APIKeyHashes {
		if h = strings.TrimSpace(h); h != "" {
			m.apiKeyHashes = append(m.apiKeyHashes, []byte(h))
		}
	}
	return m
}

// GenerateToken signs a token for subject. ttl <= 0 uses the default of 24h.
func (m *Manager) GenerateToken(subject, role string, ttl time.Duration) (string, error) {
	return SignToken(m.jwtSecret, subject, role, ttlOrDefault(ttl))
}

// SignToken signs an HS256 token with secret. The CLI uses it to mint tokens
// offline with the server's secret.
func SignToken(secret []byte, subject, role string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("token subject cannot be empty")
	}
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttlOrDefault(ttl))),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken verifies a token's signature, issuer and expiry.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return claims, nil
}

// ValidateAPIKey checks key against the configured bcrypt hashes.
func (m *Manager) ValidateAPIKey(key string) error {
	if key == "" {
		return ErrUnauthenticated
	}
	for _, h := range m.apiKeyHashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return nil
		}
	}
	return ErrInvalidCredentials
}

// HashAPIKey returns the bcrypt hash to put in security.api_key_hashes.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Authenticate checks the request's bearer token or X-API-Key header.
func (m *Manager) Authenticate(r *http.Request) (*Claims, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return nil, fmt.Errorf("%w: unsupported authorization scheme", ErrInvalidCredentials)
		}
		return m.ValidateToken(strings.TrimSpace(token))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		if err := m.ValidateAPIKey(key); err != nil {
			return nil, err
		}
		return &Claims{Role: "service", RegisteredClaims: jwt.RegisteredClaims{Subject: "api-key"}}, nil
	}
	return nil, ErrUnauthenticated
}

type contextKey struct{}

// WithClaims returns ctx carrying the caller's claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// ClaimsFromContext returns the claims stored by the middleware, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// GetSubjectFromRequest returns the authenticated subject or "".
func GetSubjectFromRequest(r *http.Request) string {
	if c, ok := ClaimsFromContext(r.Context()); ok {
		return c.Subject
	}
	return ""
}

// Middleware rejects unauthenticated requests with 401. Paths in public
// pass through untouched.
func (m *Manager) Middleware(public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := m.Authenticate(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="converge"`)
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTokenTTL
	}
	return ttl
}

// generateRandomSecret generates a random hex secret
func generateRandomSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", bytes)
}
