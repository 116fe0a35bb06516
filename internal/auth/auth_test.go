package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(DefaultJWTConfig("test-secret"))
	require.NoError(t, err)
	return m
}

func TestJWTManager_RoundTrip(t *testing.T) {
	m := newManager(t)

	token, err := m.GenerateToken("client-42", "dashboard")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "client-42", claims.Subject)
	assert.Equal(t, "dashboard", claims.ClientName)
	assert.Equal(t, "flashrag", claims.Issuer)
}

func TestJWTManager_Expired(t *testing.T) {
	m := newManager(t)
	m.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }

	token, err := m.GenerateTokenWithExpiry("client-42", "", time.Hour)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTManager_WrongSecret(t *testing.T) {
	other, err := NewJWTManager(DefaultJWTConfig("another-secret"))
	require.NoError(t, err)
	token, err := other.GenerateToken("client-42", "")
	require.NoError(t, err)

	_, err = newManager(t).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_Validation(t *testing.T) {
	_, err := NewJWTManager(DefaultJWTConfig(""))
	assert.Error(t, err)

	_, err = newManager(t).GenerateToken("", "")
	assert.Error(t, err)
}

func TestClientKeyMiddleware(t *testing.T) {
	m := newManager(t)
	token, err := m.GenerateToken("jwt-client", "")
	require.NoError(t, err)

	var got Client
	h := ClientKeyMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClientFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
		want       Client
	}{
		{
			name:       "bearer token wins over api key",
			headers:    map[string]string{"Authorization": "Bearer " + token, APIKeyHeader: "k1"},
			wantStatus: http.StatusNoContent,
			want:       Client{Key: "jwt-client", Source: "jwt"},
		},
		{
			name:       "api key",
			headers:    map[string]string{APIKeyHeader: " k1 "},
			wantStatus: http.StatusNoContent,
			want:       Client{Key: "k1", Source: "api_key"},
		},
		{
			name:       "remote address",
			wantStatus: http.StatusNoContent,
			want:       Client{Key: "192.0.2.1", Source: "ip"},
		},
		{
			name:       "bad token",
			headers:    map[string]string{"Authorization": "Bearer nope", APIKeyHeader: "k1"},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = Client{}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequireJWT(t *testing.T) {
	m := newManager(t)
	token, err := m.GenerateToken("admin", "")
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		jwt        *JWTManager
		headers    map[string]string
		wantStatus int
	}{
		{"verified token", m, map[string]string{"Authorization": "Bearer " + token}, http.StatusNoContent},
		{"api key is not enough", m, map[string]string{APIKeyHeader: "k1"}, http.StatusUnauthorized},
		{"anonymous", m, nil, http.StatusUnauthorized},
		{"no jwt configured", nil, nil, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := ClientKeyMiddleware(tt.jwt)(RequireJWT(tt.jwt)(ok))
			req := httptest.NewRequest(http.MethodDelete, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestClientKeyFromContext_Anonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "anonymous", ClientKeyFromContext(req.Context()))
}
