package service

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/config"
	"github.com/lapso-labs/lapso-coordinator/internal/crypto"
)

// AnonymousOwner is reported by Validate when authentication is off.
const AnonymousOwner = "anonymous"

// AuthService handles admin authentication and JWT issuance. The
// authenticated username is the owner identity used for every admin
// operation.
type AuthService struct {
	enabled bool
	users   map[string]string
	secret  []byte
	ttl     time.Duration
	clock   clock.Clock
}

// Claims represents JWT payload.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewAuthService builds AuthService from config. Without configured users
// a single admin/admin123 account is created; without a secret a random
// one is generated, which invalidates tokens on restart.
func NewAuthService(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*AuthService, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	authCfg := cfg.Auth

	users := make(map[string]string, len(authCfg.Users))
	for name, password := range authCfg.Users {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		users[name] = strings.TrimSpace(password)
	}
	if len(users) == 0 {
		users["admin"] = "admin123"
		if authCfg.Enabled {
			logger.Warn("no auth users configured, using default admin account")
		}
	}

	secret := strings.TrimSpace(authCfg.JWTSecret)
	if secret == "" {
		generated, err := crypto.GenerateString(32)
		if err != nil {
			return nil, err
		}
		secret = generated
		if authCfg.Enabled {
			logger.Warn("auth.jwt_secret not set, generated an ephemeral secret")
		}
	}
	ttl := authCfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthService{
		enabled: authCfg.Enabled,
		users:   users,
		secret:  []byte(secret),
		ttl:     ttl,
		clock:   clk,
	}, nil
}

// Enabled reports whether authentication is enforced.
func (a *AuthService) Enabled() bool {
	return a != nil && a.enabled
}

// Authenticate validates user credentials and returns a JWT token.
func (a *AuthService) Authenticate(username, password string) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	name := strings.ToLower(strings.TrimSpace(username))
	stored, ok := a.users[name]
	if !ok || !matchPassword(stored, password) {
		return "", ErrUnauthorized
	}
	now := a.clock.Now()
	claims := Claims{
		Username: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Validate parses a token and returns its claims if valid.
func (a *AuthService) Validate(token string) (*Claims, error) {
	if !a.Enabled() {
		return &Claims{Username: AnonymousOwner}, nil
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	if claims, ok := parsed.Claims.(*Claims); ok && parsed.Valid && claims.Username != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func matchPassword(stored, input string) bool {
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(input), []byte(stored)) == 1
}
