// Package auth decides whether a request may use admin endpoints. It does
// not issue sessions; callers present an ID token from the configured
// issuer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-oidc/v3/oidc"
)

// TokenCookie is checked when no Authorization header is present.
const TokenCookie = "atlas_id_token"

type Gate interface {
	Allow(r *http.Request) bool
}

// Deny rejects every request. It is the gate used when no issuer is
// configured.
type Deny struct{}

func (Deny) Allow(*http.Request) bool { return false }

type OIDCConfig struct {
	Issuer      string   `yaml:"issuer"`
	ClientID    string   `yaml:"client_id"`
	AdminEmails []string `yaml:"admin_emails"`
}

func (c OIDCConfig) Enabled() bool {
	return strings.TrimSpace(c.Issuer) != ""
}

func (c OIDCConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Issuer) == "":
		return errors.New("oidc issuer is required")
	case strings.TrimSpace(c.ClientID) == "":
		return errors.New("oidc client_id is required")
	case len(c.AdminEmails) == 0:
		return errors.New("oidc admin_emails must list at least one address")
	}
	return nil
}

// OIDCGate admits requests carrying a valid ID token whose verified email
// is on the allowlist.
type OIDCGate struct {
	verifier *oidc.IDTokenVerifier
	admins   map[string]struct{}
	logger   *log.Logger
}

func NewOIDCGate(ctx context.Context, cfg OIDCConfig, logger *log.Logger) (*OIDCGate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return newOIDCGate(provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), cfg.AdminEmails, logger), nil
}

func newOIDCGate(verifier *oidc.IDTokenVerifier, emails []string, logger *log.Logger) *OIDCGate {
	if logger == nil {
		logger = log.Default()
	}
	admins := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		if e = normalizeEmail(e); e != "" {
			admins[e] = struct{}{}
		}
	}
	return &OIDCGate{verifier: verifier, admins: admins, logger: logger}
}

type emailClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
}

func (g *OIDCGate) Allow(r *http.Request) bool {
	raw := tokenFromRequest(r)
	if raw == "" {
		return false
	}
	token, err := g.verifier.Verify(r.Context(), raw)
	if err != nil {
		g.logger.Debug("id token rejected", "error", err)
		return false
	}
	var claims emailClaims
	if err := token.Claims(&claims); err != nil {
		g.logger.Debug("id token claims unreadable", "error", err)
		return false
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return false
	}
	_, ok := g.admins[normalizeEmail(claims.Email)]
	if !ok {
		g.logger.Info("admin access denied", "subject", token.Subject, "email", claims.Email)
	}
	return ok
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// Require wraps next so that requests the gate rejects get a 403.
func Require(g Gate, next http.Handler) http.Handler {
	if g == nil {
		g = Deny{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"Forbidden"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
