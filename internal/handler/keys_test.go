package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/service"
)

type keyList struct {
	Resource []model.APIKey    `json:"resource"`
	Meta     model.ResponseMeta `json:"meta"`
}

func (a *testAPI) createKey(t *testing.T, owner, name string) model.CreateKeyResponse {
	t.Helper()
	rr := a.do(t, owner, "POST", "/api/v1/keys", model.CreateKeyRequest{Name: name, Scopes: []string{"read"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[model.CreateKeyResponse](t, rr)
}

func TestCreateKeyReturnsSecretOnce(t *testing.T) {
	api := newTestAPI(t)
	created := api.createKey(t, "alice", "ci")

	assert.NotEmpty(t, created.APIKey)
	assert.Equal(t, []string{"read"}, created.Scopes)
	assert.Contains(t, created.APIKey, created.KeyPrefix)

	rr := api.do(t, "alice", "GET", "/api/v1/keys/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), created.APIKey)
	assert.NotContains(t, rr.Body.String(), "keyHash")

	k := decode[model.APIKey](t, rr)
	assert.Equal(t, "alice", k.OwnerID)
	assert.Equal(t, model.KeyStatusActive, k.Status)
}

func TestCreateKeyValidation(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(t, "alice", "POST", "/api/v1/keys", model.CreateKeyRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = api.do(t, "alice", "POST", "/api/v1/keys", `{"name":"x","bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = api.do(t, "alice", "POST", "/api/v1/keys", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = api.do(t, "alice", "POST", "/api/v1/keys", model.CreateKeyRequest{
		Name: "bad-ip", AllowedIPAddresses: []string{"not-an-ip"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = api.do(t, "", "POST", "/api/v1/keys", model.CreateKeyRequest{Name: "anon"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateKeyLimit(t *testing.T) {
	api := newTestAPI(t)
	for i := 0; i < service.DefaultLimits().MaxKeysPerOwner; i++ {
		api.createKey(t, "alice", "k")
	}
	rr := api.do(t, "alice", "POST", "/api/v1/keys", model.CreateKeyRequest{Name: "one too many"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCreateKeyInactiveOwner(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(t, "admin", "PATCH", "/api/v1/admin/owners/bob", model.UpdateOwnerRequest{IsActive: boolPtr(false)})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = api.do(t, "bob", "POST", "/api/v1/keys", model.CreateKeyRequest{Name: "k"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestKeysAreOwnerScoped(t *testing.T) {
	api := newTestAPI(t)
	aliceKey := api.createKey(t, "alice", "a")
	api.createKey(t, "bob", "b")

	list := decode[keyList](t, api.do(t, "alice", "GET", "/api/v1/keys", nil))
	require.Len(t, list.Resource, 1)
	assert.Equal(t, 1, list.Meta.Count)
	assert.Equal(t, aliceKey.ID, list.Resource[0].ID)

	for _, req := range []struct{ method, path string }{
		{"GET", "/api/v1/keys/" + aliceKey.ID},
		{"PATCH", "/api/v1/keys/" + aliceKey.ID},
		{"DELETE", "/api/v1/keys/" + aliceKey.ID},
		{"POST", "/api/v1/keys/" + aliceKey.ID + "/revoke"},
		{"POST", "/api/v1/keys/" + aliceKey.ID + "/rotate"},
		{"GET", "/api/v1/keys/" + aliceKey.ID + "/usage"},
	} {
		var body any
		if req.method == "PATCH" {
			body = model.UpdateKeyRequest{}
		}
		rr := api.do(t, "bob", req.method, req.path, body)
		assert.Equal(t, http.StatusNotFound, rr.Code, "%s %s", req.method, req.path)
	}

	// Admins see everything, or one owner with ?ownerId.
	all := decode[keyList](t, api.do(t, "admin", "GET", "/api/v1/keys", nil))
	assert.Len(t, all.Resource, 2)
	bobs := decode[keyList](t, api.do(t, "admin", "GET", "/api/v1/keys?ownerId=bob", nil))
	require.Len(t, bobs.Resource, 1)
	assert.Equal(t, "bob", bobs.Resource[0].OwnerID)

	rr := api.do(t, "admin", "GET", "/api/v1/keys/"+aliceKey.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAdminCreatesKeyForOwner(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(t, "admin", "POST", "/api/v1/keys?ownerId=bob", model.CreateKeyRequest{Name: "issued by ops"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	created := decode[model.CreateKeyResponse](t, rr)
	k, err := api.mgr.Get(t.Context(), "bob", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "issued by ops", k.Name)

	// Without ownerId the admin acts as itself, which is not a registered owner.
	rr = api.do(t, "admin", "POST", "/api/v1/keys", model.CreateKeyRequest{Name: "nobody"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestUpdateKey(t *testing.T) {
	api := newTestAPI(t)
	created := api.createKey(t, "alice", "before")

	name := "after"
	rr := api.do(t, "alice", "PATCH", "/api/v1/keys/"+created.ID, model.UpdateKeyRequest{
		Name:               &name,
		AllowedIPAddresses: &[]string{"10.0.0.0/8"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	k := decode[model.APIKey](t, rr)
	assert.Equal(t, "after", k.Name)
	assert.Equal(t, []string{"10.0.0.0/8"}, k.IPAllowList)
	assert.True(t, k.Security.EnableIPValidation)
	assert.Equal(t, []string{"read"}, k.Scopes, "untouched fields survive")
}

func TestRevokeRotateDelete(t *testing.T) {
	api := newTestAPI(t)
	created := api.createKey(t, "alice", "k")

	rr := api.do(t, "alice", "POST", "/api/v1/keys/"+created.ID+"/rotate", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rotated := decode[model.CreateKeyResponse](t, rr)
	assert.Equal(t, created.ID, rotated.ID)
	assert.NotEqual(t, created.APIKey, rotated.APIKey)

	rr = api.do(t, "alice", "POST", "/api/v1/keys/"+created.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.KeyStatusRevoked, decode[model.APIKey](t, rr).Status)

	rr = api.do(t, "alice", "POST", "/api/v1/keys/"+created.ID+"/revoke", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = api.do(t, "alice", "POST", "/api/v1/keys/"+created.ID+"/rotate", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = api.do(t, "alice", "DELETE", "/api/v1/keys/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode[map[string]any](t, rr)["success"])

	rr = api.do(t, "alice", "GET", "/api/v1/keys/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUsageAndReset(t *testing.T) {
	api := newTestAPI(t)
	created := api.createKey(t, "alice", "k")

	for i := 0; i < 3; i++ {
		rr := api.do(t, "", "POST", "/api/v1/verify", model.VerifyRequest{APIKey: created.APIKey})
		require.True(t, decode[model.VerifyResponse](t, rr).IsValid)
	}

	rr := api.do(t, "alice", "GET", "/api/v1/keys/"+created.ID+"/usage?limit=5000", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rep := decode[service.UsageReport](t, rr)
	assert.Equal(t, created.ID, rep.KeyID)
	assert.EqualValues(t, 3, rep.TodayUsageCount)
	assert.EqualValues(t, 3, rep.CurrentMinuteCount)

	rr = api.do(t, "admin", "POST", "/api/v1/admin/keys/"+created.ID+"/reset", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rep = decode[service.UsageReport](t, api.do(t, "alice", "GET", "/api/v1/keys/"+created.ID+"/usage", nil))
	assert.EqualValues(t, 0, rep.TodayUsageCount)
	assert.EqualValues(t, 0, rep.CurrentMinuteCount)
}

func boolPtr(b bool) *bool { return &b }
