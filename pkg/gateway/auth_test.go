package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/control"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
)

func TestParseRole(t *testing.T) {
	for _, role := range []Role{RoleFullControl, RoleRestrictedWorker, RoleReadOnly} {
		parsed, err := ParseRole(string(role))
		require.NoError(t, err)
		assert.Equal(t, role, parsed)
	}
	_, err := ParseRole("admin")
	assert.True(t, errors.IsValidationError(err))
}

func TestIssueToken_Validation(t *testing.T) {
	_, err := IssueToken(testSecret, "", "", RoleReadOnly, time.Hour)
	assert.True(t, errors.IsValidationError(err))

	_, err = IssueToken(testSecret, "", "ops", Role("root"), time.Hour)
	assert.True(t, errors.IsValidationError(err))
}

func TestAuthenticator_Bearer(t *testing.T) {
	authn := NewAuthenticator("", testSecret, "supervisor")
	token, err := IssueToken(testSecret, "supervisor", "deploy-bot", RoleRestrictedWorker, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	principal, err := authn.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, Principal{Identity: "deploy-bot", Role: RoleRestrictedWorker, Method: "jwt"}, principal)
}

func TestAuthenticator_RejectsOtherSigningMethods(t *testing.T) {
	authn := NewAuthenticator("", testSecret, "")

	claims := &Claims{Role: string(RoleFullControl), RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for _, token := range []string{unsigned, hs512} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, err := authn.Authenticate(req)
		assert.True(t, errors.IsUnauthorizedError(err))
	}
}

func TestAuthenticator_TokenNeedsRoleAndSubject(t *testing.T) {
	authn := NewAuthenticator("", testSecret, "")

	tests := []*Claims{
		{RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}},
		{Role: "superuser", RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}},
		{Role: string(RoleReadOnly)},
	}
	for _, claims := range tests {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, err = authn.Authenticate(req)
		assert.True(t, errors.IsUnauthorizedError(err))
	}
}

func TestAuthenticator_SharedKey(t *testing.T) {
	authn := NewAuthenticator(testKey, "", "")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(control.KeyHeader, testKey)
	principal, err := authn.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, RoleFullControl, principal.Role)
	assert.Equal(t, "key", principal.Method)

	// Tokens are refused when no secret is configured
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	_, err = authn.Authenticate(req)
	assert.True(t, errors.IsUnauthorizedError(err))
}

func TestAuthenticator_QueryCredentialsOnlyForWebsocket(t *testing.T) {
	authn := NewAuthenticator(testKey, "", "")

	req := httptest.NewRequest(http.MethodGet, "/_supervisor/subscribe?key="+testKey, nil)
	_, err := authn.Authenticate(req)
	assert.True(t, errors.IsUnauthorizedError(err))

	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	principal, err := authn.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "gateway-key", principal.Identity)
}
