package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apikeyd/apikeyd/internal/counter"
	"github.com/apikeyd/apikeyd/internal/keycache"
	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/ratelimit"
	"github.com/apikeyd/apikeyd/internal/server/middleware"
	"github.com/apikeyd/apikeyd/internal/service"
	"github.com/apikeyd/apikeyd/internal/store"
)

// testAPI mounts the handlers on a chi router. Requests carry the principal
// in an X-Test-Owner header ("admin" for an administrator) in place of a JWT.
type testAPI struct {
	mgr    *service.Manager
	pipe   *service.Pipeline
	router chi.Router
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st, err := store.NewSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	counters := counter.NewMemoryStore(time.Minute)
	t.Cleanup(func() { counters.Close() })

	cache := keycache.New(st, 100, time.Second)
	limiter := ratelimit.NewLimiter(counters, time.Now)
	quota := ratelimit.NewQuotaTracker(counters, time.Now)
	mgr := service.NewManager(service.ManagerConfig{Store: st, Cache: cache, Limiter: limiter, Quota: quota})
	pipe := service.NewPipeline(service.PipelineConfig{Keys: cache, Limiter: limiter, Quota: quota})

	for _, id := range []string{"alice", "bob"} {
		_, err := mgr.CreateOwner(context.Background(), model.CreateOwnerRequest{ID: id, Name: id})
		require.NoError(t, err)
	}

	keys := NewKeyHandler(mgr, nil)
	owners := NewOwnerHandler(mgr, nil)
	verify := NewVerifyHandler(pipe, "", nil)

	r := chi.NewRouter()
	r.Post("/api/v1/verify", verify.Verify)
	r.Group(func(r chi.Router) {
		r.Use(testPrincipal)
		r.Get("/api/v1/keys", keys.List)
		r.Post("/api/v1/keys", keys.Create)
		r.Get("/api/v1/keys/{keyId}", keys.Get)
		r.Patch("/api/v1/keys/{keyId}", keys.Update)
		r.Delete("/api/v1/keys/{keyId}", keys.Delete)
		r.Post("/api/v1/keys/{keyId}/revoke", keys.Revoke)
		r.Post("/api/v1/keys/{keyId}/rotate", keys.Rotate)
		r.Get("/api/v1/keys/{keyId}/usage", keys.Usage)
		r.Post("/api/v1/admin/keys/{keyId}/reset", keys.ResetCounters)
		r.Get("/api/v1/admin/owners", owners.List)
		r.Post("/api/v1/admin/owners", owners.Create)
		r.Patch("/api/v1/admin/owners/{ownerId}", owners.Update)
	})
	return &testAPI{mgr: mgr, pipe: pipe, router: r}
}

func testPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Test-Owner")
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		p := &service.Principal{OwnerID: id, Admin: id == "admin"}
		ctx := context.WithValue(r.Context(), middleware.AuthPrincipalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *testAPI) do(t *testing.T, owner, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set("X-Test-Owner", owner)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// ---------------------------------------------------------------------------
// helper tests
// ---------------------------------------------------------------------------

func TestQueryInt(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		defaultVal int
		want       int
	}{
		{"missing", "/test", 25, 25},
		{"integer", "/test?limit=100", 25, 100},
		{"non-integer", "/test?limit=abc", 25, 25},
		{"zero", "/test?limit=0", 10, 0},
		{"negative", "/test?limit=-5", 0, -5},
		{"empty", "/test?limit=", 25, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			assert.Equal(t, tt.want, queryInt(r, "limit", tt.defaultVal))
		})
	}
}

func TestClampInt(t *testing.T) {
	assert.Equal(t, 1, clampInt(0, 1, 1000))
	assert.Equal(t, 1000, clampInt(5000, 1, 1000))
	assert.Equal(t, 50, clampInt(50, 1, 1000))
}

func TestWriteServiceErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: name failed", service.ErrInvalidRequest), http.StatusBadRequest},
		{service.ErrInvalidAllowList, http.StatusBadRequest},
		{service.ErrOwnerInactive, http.StatusForbidden},
		{service.ErrKeyNotFound, http.StatusNotFound},
		{service.ErrKeyLimitExceeded, http.StatusConflict},
		{service.ErrAlreadyRevoked, http.StatusConflict},
		{service.ErrOwnerExists, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeServiceError(rr, httptest.NewRequest("GET", "/", nil), nopIfNil(nil), tc.err, "test")
		assert.Equal(t, tc.want, rr.Code, tc.err.Error())
	}

	rr := httptest.NewRecorder()
	writeServiceError(rr, httptest.NewRequest("GET", "/", nil), nopIfNil(nil), errors.New("disk on fire"), "test")
	assert.NotContains(t, rr.Body.String(), "disk", "internal errors must not leak")
}

func TestWriteBodyErrorTooLarge(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"`+strings.Repeat("x", 64)+`"}`))
	rr := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rr, req.Body, 16)

	var v map[string]any
	err := readJSON(req, &v)
	require.Error(t, err)
	writeBodyError(rr, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}
