package middleware

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/service"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// ---------------------------------------------------------------------------
// RequestID
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	id := rr.Header().Get("X-Request-ID")
	assert.Len(t, id, 36)
	assert.Equal(t, id, seen)
}

func TestRequestIDPreservesClientID(t *testing.T) {
	h := RequestID(okHandler())
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "trace-123", rr.Header().Get("X-Request-ID"))
}

func TestRequestIDReplacesOversizedID(t *testing.T) {
	h := RequestID(okHandler())
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", string(bytes.Repeat([]byte("a"), maxRequestIDLen+1)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Len(t, rr.Header().Get("X-Request-ID"), 36)
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
}

// ---------------------------------------------------------------------------
// Authenticate / RequireAdmin
// ---------------------------------------------------------------------------

func TestAuthenticate(t *testing.T) {
	auth := service.NewAuthService("middleware-secret")
	token, err := auth.IssueJWT(context.Background(), "owner-1", false, time.Hour)
	require.NoError(t, err)

	var got *service.Principal
	h := Authenticate(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrincipal(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, got)
	assert.Equal(t, "owner-1", got.OwnerID)

	for _, header := range []string{"", "Bearer ", "Bearer nope", "Basic abc"} {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", header)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "header %q", header)

		var body model.ErrorResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, http.StatusUnauthorized, body.Error.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin()(okHandler())

	cases := map[string]struct {
		principal *service.Principal
		want      int
	}{
		"admin":           {&service.Principal{OwnerID: "ops", Admin: true}, http.StatusOK},
		"owner":           {&service.Principal{OwnerID: "owner-1"}, http.StatusForbidden},
		"unauthenticated": {nil, http.StatusForbidden},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin", nil)
			if tc.principal != nil {
				req = req.WithContext(context.WithValue(req.Context(), AuthPrincipalKey, tc.principal))
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestGetPrincipalWithoutValue(t *testing.T) {
	assert.Nil(t, GetPrincipal(context.Background()))
}

// ---------------------------------------------------------------------------
// RequireAPIKey / RequireScope
// ---------------------------------------------------------------------------

type stubVerifier struct {
	verdict service.Verdict
	err     error
	info    service.RequestInfo
	raw     string
}

func (s *stubVerifier) Verify(_ context.Context, raw string, info service.RequestInfo) (service.Verdict, error) {
	s.raw, s.info = raw, info
	return s.verdict, s.err
}

func TestRequireAPIKey(t *testing.T) {
	v := &stubVerifier{verdict: service.Verdict{Valid: true, KeyID: "k1", OwnerID: "o1", Scopes: []string{"read"}}}

	var id *KeyIdentity
	h := RealIP(NewClientIPExtractor([]string{"10.0.0.0/8"}))(RequireAPIKey(v, "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id = GetKeyIdentity(r.Context())
	})))

	req := httptest.NewRequest("POST", "/orders", bytes.NewBufferString("{}"))
	req.Header.Set("X-API-Key", "ak_secret")
	req.RemoteAddr = "10.0.0.5:51000"
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, id)
	assert.Equal(t, "o1", id.OwnerID)
	assert.True(t, id.HasScope("read"))
	assert.Equal(t, "ak_secret", v.raw)
	assert.Equal(t, "10.0.0.5", v.info.ClientIP)
	assert.Equal(t, "/orders", v.info.Endpoint)
	assert.Equal(t, int64(2), v.info.RequestSize)
	assert.True(t, v.info.IsHTTPS)
}

func TestRequireAPIKeyRejects(t *testing.T) {
	cases := map[string]struct {
		v    *stubVerifier
		want int
	}{
		"invalid":     {&stubVerifier{verdict: service.Verdict{Reason: service.ReasonRevoked}}, http.StatusUnauthorized},
		"unavailable": {&stubVerifier{verdict: service.Verdict{Reason: service.ReasonUnavailable}, err: errors.New("redis down")}, http.StatusServiceUnavailable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := RequireAPIKey(tc.v, "X-Key")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("inner handler must not run")
			}))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
			assert.Equal(t, tc.want, rr.Code)
			assert.NotContains(t, rr.Body.String(), "revoked")
		})
	}
}

func TestRequireScope(t *testing.T) {
	h := RequireScope("write")(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), KeyIdentityKey, &KeyIdentity{Scopes: []string{"read"}}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = req.WithContext(context.WithValue(req.Context(), KeyIdentityKey, &KeyIdentity{Scopes: []string{"write"}}))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestClientIPAndHTTPS(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req))
	req.RemoteAddr = "192.0.2.9"
	assert.Equal(t, "192.0.2.9", ClientIP(req))

	assert.False(t, IsHTTPS(req))
	req.TLS = &tls.ConnectionState{}
	assert.True(t, IsHTTPS(req))
}

func TestClientIPIgnoresHeadersWithoutRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	req.Header.Set("X-Real-IP", "10.0.0.5")
	req.Header.Set("X-Forwarded-For", "10.0.0.5")
	req.Header.Set("X-Forwarded-Proto", "https")

	assert.Equal(t, "203.0.113.9", ClientIP(req))
	assert.False(t, IsHTTPS(req))
}

func TestClientIPExtractor(t *testing.T) {
	e := NewClientIPExtractor([]string{"10.1.0.0/16", " 192.0.2.1 ", ""})

	cases := map[string]struct {
		remote  string
		headers map[string]string
		wantIP  string
		https   bool
	}{
		"untrusted peer spoofing x-real-ip": {
			remote:  "203.0.113.9:1234",
			headers: map[string]string{"X-Real-IP": "10.0.0.5", "X-Forwarded-Proto": "https"},
			wantIP:  "203.0.113.9",
		},
		"untrusted peer spoofing x-forwarded-for": {
			remote:  "203.0.113.9:1234",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.5"},
			wantIP:  "203.0.113.9",
		},
		"trusted proxy with x-real-ip": {
			remote:  "192.0.2.1:8443",
			headers: map[string]string{"X-Real-IP": "198.51.100.4", "X-Forwarded-Proto": "https"},
			wantIP:  "198.51.100.4",
			https:   true,
		},
		"trusted chain returns first untrusted hop from the right": {
			remote:  "10.1.2.3:8080",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.5, 198.51.100.4, 10.1.9.9", "X-Real-IP": "10.0.0.7"},
			wantIP:  "198.51.100.4",
		},
		"every forwarded hop trusted": {
			remote:  "10.1.2.3:8080",
			headers: map[string]string{"X-Forwarded-For": "10.1.0.8, 192.0.2.1"},
			wantIP:  "10.1.2.3",
		},
		"trusted proxy without headers": {
			remote: "192.0.2.1:8443",
			wantIP: "192.0.2.1",
		},
		"forwarded proto list uses the first value": {
			remote:  "192.0.2.1:8443",
			headers: map[string]string{"X-Forwarded-Proto": "HTTPS, http"},
			wantIP:  "192.0.2.1",
			https:   true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.wantIP, e.Extract(req))
			assert.Equal(t, tc.https, e.IsHTTPS(req))

			var gotIP string
			var gotHTTPS bool
			RealIP(e)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotIP, gotHTTPS = ClientIP(r), IsHTTPS(r)
			})).ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tc.wantIP, gotIP)
			assert.Equal(t, tc.https, gotHTTPS)
		})
	}
}

func TestRealIPWithoutTrustedProxies(t *testing.T) {
	var got string
	h := RealIP(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIP(r)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	req.Header.Set("X-Real-IP", "10.0.0.5")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "203.0.113.9", got)
}

// ---------------------------------------------------------------------------
// Logger / RateLimit
// ---------------------------------------------------------------------------

func TestLoggerWritesAccessLine(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := RequestID(Logger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing", nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, zap.WarnLevel, e.Level)
	fields := e.ContextMap()
	assert.Equal(t, "/missing", fields["path"])
	assert.EqualValues(t, http.StatusNotFound, fields["status"])
	assert.EqualValues(t, 4, fields["bytes"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestRateLimitByIP(t *testing.T) {
	h := RateLimit(2)(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/v1/verify", nil)
		req.RemoteAddr = "198.51.100.7:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)

	other := httptest.NewRequest("POST", "/api/v1/verify", nil)
	other.RemoteAddr = "198.51.100.8:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, other)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimitIgnoresSpoofedForwardingHeaders(t *testing.T) {
	h := RealIP(NewClientIPExtractor(nil))(RateLimit(1)(okHandler()))

	codes := make([]int, 0, 2)
	for _, spoofed := range []string{"10.0.0.5", "10.0.0.6"} {
		req := httptest.NewRequest("POST", "/api/v1/verify", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		req.Header.Set("X-Real-IP", spoofed)
		req.Header.Set("X-Forwarded-For", spoofed)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{200, http.StatusTooManyRequests}, codes)
}
