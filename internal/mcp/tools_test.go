package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apikeyd/apikeyd/internal/counter"
	"github.com/apikeyd/apikeyd/internal/keycache"
	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/ratelimit"
	"github.com/apikeyd/apikeyd/internal/service"
	"github.com/apikeyd/apikeyd/internal/store"
)

func newTestServer(t *testing.T) *MCPServer {
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

	_, err = mgr.CreateOwner(context.Background(), model.CreateOwnerRequest{ID: "acme", Name: "Acme"})
	require.NoError(t, err)
	return NewMCPServer(mgr, pipe, "test", nil)
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return text.Text
}

func decodeResult[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	require.False(t, res.IsError, resultText(t, res))
	var v T
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &v))
	return v
}

func TestCreateVerifyRevoke(t *testing.T) {
	s := newTestServer(t)

	created := decodeResult[model.CreateKeyResponse](t, call(t, s.handleCreateKey, map[string]any{
		"ownerId":            "acme",
		"name":               "deploy bot",
		"scopes":             []any{"deploy"},
		"rateLimitPerMinute": float64(5),
		"allowedIpAddresses": []any{"10.0.0.0/8"},
	}))
	assert.NotEmpty(t, created.APIKey)

	ok := decodeResult[verifyResult](t, call(t, s.handleVerify, map[string]any{
		"apiKey": created.APIKey, "clientIp": "10.1.2.3",
	}))
	assert.True(t, ok.IsValid)
	assert.Equal(t, []string{"deploy"}, ok.Scopes)

	denied := decodeResult[verifyResult](t, call(t, s.handleVerify, map[string]any{
		"apiKey": created.APIKey, "clientIp": "192.0.2.1",
	}))
	assert.False(t, denied.IsValid)
	assert.Equal(t, string(service.ReasonIPNotAllowed), denied.Reason)

	revoked := decodeResult[model.APIKey](t, call(t, s.handleRevokeKey, map[string]any{"keyId": created.ID}))
	assert.Equal(t, model.KeyStatusRevoked, revoked.Status)

	again := call(t, s.handleRevokeKey, map[string]any{"keyId": created.ID})
	assert.True(t, again.IsError)
	assert.Contains(t, resultText(t, again), "already revoked")
}

func TestRotateAndUsage(t *testing.T) {
	s := newTestServer(t)
	created := decodeResult[model.CreateKeyResponse](t, call(t, s.handleCreateKey, map[string]any{
		"ownerId": "acme", "name": "k",
	}))

	rotated := decodeResult[model.CreateKeyResponse](t, call(t, s.handleRotateKey, map[string]any{"keyId": created.ID}))
	assert.Equal(t, created.ID, rotated.ID)
	assert.NotEqual(t, created.APIKey, rotated.APIKey)

	old := decodeResult[verifyResult](t, call(t, s.handleVerify, map[string]any{"apiKey": created.APIKey}))
	assert.False(t, old.IsValid)
	fresh := decodeResult[verifyResult](t, call(t, s.handleVerify, map[string]any{"apiKey": rotated.APIKey}))
	assert.True(t, fresh.IsValid)

	rep := decodeResult[service.UsageReport](t, call(t, s.handleKeyUsage, map[string]any{"keyId": created.ID}))
	assert.EqualValues(t, 1, rep.TodayUsageCount)
}

func TestCreateKeyArgumentErrors(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]map[string]any{
		"missing owner":  {"name": "k"},
		"missing name":   {"ownerId": "acme"},
		"bad expiry":     {"ownerId": "acme", "name": "k", "expiresAt": "tomorrow"},
		"unknown owner":  {"ownerId": "ghost", "name": "k"},
		"bad allow-list": {"ownerId": "acme", "name": "k", "allowedIpAddresses": []any{"nope"}},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, call(t, s.handleCreateKey, args).IsError)
		})
	}
}

func TestListTools(t *testing.T) {
	s := newTestServer(t)
	call(t, s.handleCreateKey, map[string]any{"ownerId": "acme", "name": "k"})

	keys := decodeResult[[]model.APIKey](t, call(t, s.handleListKeys, nil))
	require.Len(t, keys, 1)
	assert.Equal(t, "acme", keys[0].OwnerID)

	none := decodeResult[[]model.APIKey](t, call(t, s.handleListKeys, map[string]any{"ownerId": "other"}))
	assert.Empty(t, none)

	owners := decodeResult[[]model.Owner](t, call(t, s.handleListOwners, nil))
	require.Len(t, owners, 1)
	assert.True(t, owners[0].IsActive)
}

func TestOwnerKeysResource(t *testing.T) {
	s := newTestServer(t)
	call(t, s.handleCreateKey, map[string]any{"ownerId": "acme", "name": "k"})

	var req mcp.ReadResourceRequest
	req.Params.URI = "apikeyd://owners/acme/keys"
	contents, err := s.handleOwnerKeysResource(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text := contents[0].(mcp.TextResourceContents)
	assert.Equal(t, "application/json", text.MIMEType)
	var keys []model.APIKey
	require.NoError(t, json.Unmarshal([]byte(text.Text), &keys))
	assert.Len(t, keys, 1)

	req.Params.URI = "apikeyd://owners//keys"
	_, err = s.handleOwnerKeysResource(context.Background(), req)
	assert.Error(t, err)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1, clamp(-3, 1, 10))
	assert.Equal(t, 10, clamp(15, 1, 10))
	assert.Equal(t, 5, clamp(5, 1, 10))
}
