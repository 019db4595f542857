package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"migration-flows/backend/internal/config"
	"migration-flows/backend/internal/tenant"
	"migration-flows/backend/pkg/models"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"
)

// Headers carrying the tenant when auth is bypassed in DEV.
const (
	HeaderClientAccountID = "X-Client-Account-ID"
	HeaderEngagementID    = "X-Engagement-ID"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// tenantClaims are the token claims naming the caller's tenant.
type tenantClaims struct {
	Subject         string `json:"sub"`
	ClientAccountID string `json:"client_account_id"`
	EngagementID    string `json:"engagement_id"`
}

// Auth performs OpenID Connect authentication and resolves the tenant of
// every API request.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	logger       Logger
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. Outside of bypass mode it contacts the issuer to discover
// its endpoints and keys.
func New(ctx context.Context, cfg *config.Config, logger Logger) (*Auth, error) {
	bypass := cfg.IsDev() && cfg.Auth.DevBypass

	a := &Auth{logger: logger, authBypass: bypass}
	if bypass {
		return a, nil
	}

	if cfg.Auth.Issuer == "" || cfg.Auth.ClientID == "" ||
		cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}

	a.oauth2Config = &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       AllScopes,
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	// Access tokens carry an API audience, not the client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// LoginHandler initiates the OAuth2 authorization code flow. A random state
// value is stored in a cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler verifies the state parameter, exchanges the code and
// stores the raw ID token in a session cookie.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that authenticates the caller and stores the
// resolved tenant in the request context. A missing or malformed tenant is
// rejected; no default tenant is ever assumed.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var claims tenantClaims

		if a.authBypass {
			claims.Subject = "dev"
			claims.ClientAccountID = r.Header.Get(HeaderClientAccountID)
			claims.EngagementID = r.Header.Get(HeaderEngagementID)
		} else {
			token, status, err := a.verify(r)
			if err != nil {
				if status == http.StatusSeeOther {
					http.Redirect(w, r, "/login", http.StatusSeeOther)
					return
				}
				http.Error(w, "invalid token: "+err.Error(), status)
				return
			}
			if err := token.Claims(&claims); err != nil {
				http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
				return
			}
		}

		scope, err := tenant.Resolve(claims.ClientAccountID, claims.EngagementID)
		if err != nil {
			a.warn("rejecting request without a valid tenant", "subject", claims.Subject, "error", err)
			http.Error(w, "invalid tenant scope: "+err.Error(), http.StatusForbidden)
			return
		}

		ctx := tenant.WithTenant(r.Context(), scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// verify checks the bearer token, falling back to the session cookie. The
// returned status is SeeOther when the caller should be sent to login.
func (a *Auth) verify(r *http.Request) (*oidc.IDToken, int, error) {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token, err := a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			return nil, http.StatusUnauthorized, err
		}
		return token, http.StatusOK, nil
	}

	cookie, err := r.Cookie("id_token")
	if err != nil {
		return nil, http.StatusSeeOther, err
	}
	token, err := a.verifier.Verify(r.Context(), cookie.Value)
	if err != nil {
		return nil, http.StatusUnauthorized, err
	}
	return token, http.StatusOK, nil
}

func (a *Auth) warn(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}

// TenantFromRequest returns the tenant stored by RequireAuth.
func TenantFromRequest(r *http.Request) (models.Tenant, bool) {
	return tenant.FromContext(r.Context())
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
