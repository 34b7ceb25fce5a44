package service

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/config"
)

func newAuthConfig(users map[string]string) *config.Config {
	cfg := &config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Auth.Users = users
	return cfg
}

func TestAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	auth, err := NewAuthService(newAuthConfig(map[string]string{
		"alice@example.com": "plain-pass",
		"Bob@Example.com":   string(hash),
	}), clock.Fake(epoch), discardLogger())
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}

	tests := []struct {
		name      string
		user, pwd string
		wantOwner string
		wantErr   bool
	}{
		{"plain password", "alice@example.com", "plain-pass", "alice@example.com", false},
		{"bcrypt password", "bob@example.com", "s3cret", "bob@example.com", false},
		{"username case folded", " ALICE@example.com ", "plain-pass", "alice@example.com", false},
		{"wrong password", "alice@example.com", "nope", "", true},
		{"unknown user", "admin", "admin123", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := auth.Authenticate(tt.user, tt.pwd)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("err: got %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			claims, err := auth.Validate(token)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if claims.Username != tt.wantOwner {
				t.Errorf("owner: got %q, want %q", claims.Username, tt.wantOwner)
			}
		})
	}
}

func TestAuthDefaultsToAdminAccount(t *testing.T) {
	auth, err := NewAuthService(newAuthConfig(nil), nil, discardLogger())
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	if _, err := auth.Authenticate("admin", "admin123"); err != nil {
		t.Errorf("default admin: %v", err)
	}
}

func TestValidateRejectsExpiredAndForeignTokens(t *testing.T) {
	clk := clock.Fake(epoch)
	auth, _ := NewAuthService(newAuthConfig(map[string]string{"alice": "pw"}), clk, discardLogger())
	token, err := auth.Authenticate("alice", "pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	other := newAuthConfig(map[string]string{"alice": "pw"})
	other.Auth.JWTSecret = "different-secret"
	foreign, _ := NewAuthService(other, clk, discardLogger())
	if _, err := foreign.Validate(token); err == nil {
		t.Error("token accepted under a different secret")
	}

	clk.Advance(2 * time.Hour)
	if _, err := auth.Validate(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestAuthDisabled(t *testing.T) {
	cfg := newAuthConfig(nil)
	cfg.Auth.Enabled = false
	auth, _ := NewAuthService(cfg, nil, discardLogger())
	if auth.Enabled() {
		t.Fatal("enabled: got true")
	}
	claims, err := auth.Validate("")
	if err != nil || claims.Username != AnonymousOwner {
		t.Errorf("Validate: got %+v, %v", claims, err)
	}
}
