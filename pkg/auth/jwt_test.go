package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidegate/pkg/config"
)

func testManager() *Manager {
	return NewManager(config.AuthConfig{JWTSecret: "shiver-me-timbers", AccessTokenTTL: time.Minute})
}

func TestIssueAndValidateTokenRoundTrips(t *testing.T) {
	m := testManager()

	token, err := m.IssueToken("helm-operator")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "helm-operator", claims.Operator)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	m := testManager()
	token, err := m.IssueToken("helm-operator")
	require.NoError(t, err)

	other := NewManager(config.AuthConfig{JWTSecret: "different-secret", AccessTokenTTL: time.Minute})
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	m := NewManager(config.AuthConfig{JWTSecret: "shiver-me-timbers", AccessTokenTTL: -time.Minute})
	token, err := m.IssueToken("helm-operator")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	m := testManager()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/plugins", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := m.Middleware()(func(c echo.Context) error { return nil })(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func TestMiddlewarePassesValidToken(t *testing.T) {
	m := testManager()
	token, err := m.IssueToken("helm-operator")
	require.NoError(t, err)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/plugins", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	err = m.Middleware()(func(c echo.Context) error {
		called = true
		claims, ok := c.Get("operator").(*Claims)
		require.True(t, ok)
		assert.Equal(t, "helm-operator", claims.Operator)
		return nil
	})(c)

	require.NoError(t, err)
	assert.True(t, called)
}
