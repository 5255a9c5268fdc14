package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthenticatorStaticAndJWT(t *testing.T) {
	var rejected []string
	auth, err := NewAuthenticator(AuthConfig{
		Secret:      "shared-secret",
		AllowStatic: true,
		Audience:    "mintd",
		OnReject:    func(reason string) { rejected = append(rejected, reason) },
	}, nil)
	require.NoError(t, err)

	var claimsSeen bool
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claimsSeen = ClaimsFromContext(r.Context()) != nil
		w.WriteHeader(http.StatusAccepted)
	}))

	token, err := SignToken("shared-secret", "", "mintd", map[string]interface{}{"ref": "abc"}, time.Minute, time.Now())
	require.NoError(t, err)
	wrongAud, err := SignToken("shared-secret", "", "other", nil, time.Minute, time.Now())
	require.NoError(t, err)
	expired, err := SignToken("shared-secret", "", "mintd", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		want   int
		claims bool
	}{
		{"missing", "", http.StatusUnauthorized, false},
		{"wrong static", "Bearer nope", http.StatusUnauthorized, false},
		{"static", "Bearer shared-secret", http.StatusAccepted, false},
		{"jwt", "Bearer " + token, http.StatusAccepted, true},
		{"jwt wrong audience", "Bearer " + wrongAud, http.StatusUnauthorized, false},
		{"jwt expired", "Bearer " + expired, http.StatusUnauthorized, false},
	}

	for _, tc := range cases {
		claimsSeen = false
		req := httptest.NewRequest(http.MethodPost, "/mint", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, tc.want, rec.Code, tc.name)
		require.Equal(t, tc.claims, claimsSeen, tc.name)
	}
	require.Len(t, rejected, 4)
}

func TestAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{}, nil)
	require.Error(t, err)
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://shop.example"}})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/pay", nil)
	req.Header.Set("Origin", "https://shop.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/pay", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
