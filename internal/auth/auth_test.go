package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"migration-flows/backend/internal/config"
	"migration-flows/backend/internal/logging"
	"migration-flows/backend/internal/tenant"
	"migration-flows/backend/pkg/models"

	"github.com/coreos/go-oidc"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://test-issuer.com"
	testClientID = "test-client"
)

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct{}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

func fakeToken(t *testing.T, extra map[string]interface{}) string {
	t.Helper()
	claims := map[string]interface{}{
		"iss": testIssuer,
		"aud": testClientID,
		"sub": "test-user",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Add(-1 * time.Minute).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	headerBytes, err := json.Marshal(map[string]interface{}{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(headerBytes) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func bearerAuth() *Auth {
	verifier := oidc.NewVerifier(testIssuer, &MockKeySet{}, &oidc.Config{
		ClientID:          testClientID,
		SkipClientIDCheck: true,
	})
	return &Auth{apiVerifier: verifier, logger: logging.NewNop()}
}

func captureTenant(t *testing.T, got *models.Tenant) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, ok := tenant.FromContext(r.Context())
		assert.True(t, ok, "tenant should be in context")
		*got = scope
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth_BearerToken_ExtractsTenant(t *testing.T) {
	client, engagement := uuid.New(), uuid.New()
	token := fakeToken(t, map[string]interface{}{
		"client_account_id": strings.ToUpper(client.String()),
		"engagement_id":     engagement.String(),
	})

	req := httptest.NewRequest("GET", "/api/v1/flows", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	var got models.Tenant
	bearerAuth().RequireAuth(captureTenant(t, &got)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Logf("Response Body: %s", rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.Tenant{ClientAccountID: client.String(), EngagementID: engagement.String()}, got)
}

func TestRequireAuth_RejectsInvalidTenantClaims(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing claims":    {},
		"None engagement":   {"client_account_id": uuid.New().String(), "engagement_id": "None"},
		"malformed account": {"client_account_id": "acme", "engagement_id": uuid.New().String()},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/flows", nil)
			req.Header.Set("Authorization", "Bearer "+fakeToken(t, claims))
			rec := httptest.NewRecorder()

			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not run without a tenant")
			})
			bearerAuth().RequireAuth(next).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
}

func TestRequireAuth_InvalidBearer(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/flows", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()

	bearerAuth().RequireAuth(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_NoCredentialsRedirects(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/flows", nil)
	rec := httptest.NewRecorder()

	bearerAuth().RequireAuth(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestRequireAuth_BypassMode(t *testing.T) {
	cfg := &config.Config{Environment: "DEV"}
	cfg.Auth.DevBypass = true
	a, err := New(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)

	client, engagement := uuid.New().String(), uuid.New().String()
	req := httptest.NewRequest("GET", "/api/v1/flows", nil)
	req.Header.Set(HeaderClientAccountID, client)
	req.Header.Set(HeaderEngagementID, engagement)
	rec := httptest.NewRecorder()

	var got models.Tenant
	a.RequireAuth(captureTenant(t, &got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.Tenant{ClientAccountID: client, EngagementID: engagement}, got)
}

func TestRequireAuth_BypassModeNeverFallsBack(t *testing.T) {
	cfg := &config.Config{Environment: "DEV"}
	cfg.Auth.DevBypass = true
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/flows", nil)
	rec := httptest.NewRecorder()
	a.RequireAuth(http.NotFoundHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNew_BypassIgnoredOutsideDev(t *testing.T) {
	cfg := &config.Config{Environment: "prod"}
	cfg.Auth.DevBypass = true

	_, err := New(context.Background(), cfg, nil)
	assert.EqualError(t, err, "auth configuration is incomplete")
}
