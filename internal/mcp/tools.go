package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/service"
)

const (
	defaultUsageLimit = 20
	maxUsageLimit     = 1000
)

func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Keys -----

	srv.AddTool(
		mcp.NewTool("apikey_list",
			mcp.WithDescription("List API keys with status, scopes, limits and usage. Secrets and hashes are never included."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("ownerId", mcp.Description("Only list keys of this owner. Omit for all owners.")),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("apikey_create",
			mcp.WithDescription(
				"Issue a new API key for an owner. The response contains the raw key; it cannot be "+
					"retrieved again. An owner may hold at most a fixed number of non-revoked keys.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation(false)),
			mcp.WithString("ownerId", mcp.Required(), mcp.Description("Owner the key acts for")),
			mcp.WithString("name", mcp.Required(), mcp.Description("Human-readable key name")),
			mcp.WithString("description", mcp.Description("Optional description")),
			mcp.WithArray("scopes", mcp.Description("Permission scopes"), mcp.WithStringItems()),
			mcp.WithArray("allowedIpAddresses",
				mcp.Description("IPs or CIDR blocks allowed to use the key. Empty allows any address."),
				mcp.WithStringItems(),
			),
			mcp.WithNumber("rateLimitPerMinute", mcp.Description("Requests per minute")),
			mcp.WithNumber("dailyUsageQuota", mcp.Description("Successful verifications per UTC day")),
			mcp.WithString("expiresAt", mcp.Description("Expiry as an RFC 3339 timestamp")),
		),
		s.handleCreateKey,
	)

	srv.AddTool(
		mcp.NewTool("apikey_revoke",
			mcp.WithDescription("Permanently revoke an API key. Revoked keys cannot be re-activated or rotated."),
			mcp.WithToolAnnotation(mutatingAnnotation(true)),
			mcp.WithString("keyId", mcp.Required(), mcp.Description("ID of the key to revoke")),
		),
		s.handleRevokeKey,
	)

	srv.AddTool(
		mcp.NewTool("apikey_rotate",
			mcp.WithDescription("Replace a key's secret, keeping its settings. The old secret stops working immediately."),
			mcp.WithToolAnnotation(mutatingAnnotation(true)),
			mcp.WithString("keyId", mcp.Required(), mcp.Description("ID of the key to rotate")),
		),
		s.handleRotateKey,
	)

	srv.AddTool(
		mcp.NewTool("apikey_usage",
			mcp.WithDescription("Show a key's live rate-limit and quota counters and its most recent usage entries."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("keyId", mcp.Required(), mcp.Description("ID of the key")),
			mcp.WithNumber("limit", mcp.Description("Maximum recent entries (default 20, max 1000)")),
		),
		s.handleKeyUsage,
	)

	srv.AddTool(
		mcp.NewTool("apikey_verify",
			mcp.WithDescription(
				"Verify a raw API key as a request from clientIp would. A successful check counts "+
					"against the key's rate limit and daily quota like any other request.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation(false)),
			mcp.WithString("apiKey", mcp.Required(), mcp.Description("Raw API key")),
			mcp.WithString("clientIp", mcp.Description("Client address to check against the allow-list")),
			mcp.WithString("endpoint", mcp.Description("Endpoint recorded in the usage log")),
			mcp.WithBoolean("https", mcp.Description("Whether the request arrived over HTTPS (default true)")),
		),
		s.handleVerify,
	)

	// ----- Owners -----

	srv.AddTool(
		mcp.NewTool("owner_list",
			mcp.WithDescription("List key owners and whether they are active."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListOwners,
	)
}

func (s *MCPServer) handleListKeys(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys, err := s.mgr.List(ctx, request.GetString("ownerId", ""))
	if err != nil {
		return s.serviceError("list keys", err)
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	return successJSON(keys)
}

func (s *MCPServer) handleCreateKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := requireString(request, "ownerId")
	if err != nil {
		return toolError("%v", err)
	}
	name, err := requireString(request, "name")
	if err != nil {
		return toolError("%v", err)
	}
	expiresAt, err := optionalTime(request, "expiresAt")
	if err != nil {
		return toolError("%v", err)
	}

	k, raw, err := s.mgr.Create(ctx, ownerID, model.CreateKeyRequest{
		Name:               name,
		Description:        request.GetString("description", ""),
		Scopes:             request.GetStringSlice("scopes", nil),
		AllowedIPAddresses: request.GetStringSlice("allowedIpAddresses", nil),
		RateLimitPerMinute: optionalIntPtr(request, "rateLimitPerMinute"),
		DailyUsageQuota:    optionalIntPtr(request, "dailyUsageQuota"),
		ExpiresAt:          expiresAt,
	})
	if err != nil {
		return s.serviceError("create key", err)
	}
	return successJSON(secretResult(k, raw))
}

func (s *MCPServer) handleRevokeKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyID, err := requireString(request, "keyId")
	if err != nil {
		return toolError("%v", err)
	}
	k, err := s.mgr.Revoke(ctx, "", keyID)
	if err != nil {
		return s.serviceError("revoke key", err)
	}
	return successJSON(k)
}

func (s *MCPServer) handleRotateKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyID, err := requireString(request, "keyId")
	if err != nil {
		return toolError("%v", err)
	}
	k, raw, err := s.mgr.Rotate(ctx, "", keyID)
	if err != nil {
		return s.serviceError("rotate key", err)
	}
	return successJSON(secretResult(k, raw))
}

func (s *MCPServer) handleKeyUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyID, err := requireString(request, "keyId")
	if err != nil {
		return toolError("%v", err)
	}
	limit := clamp(request.GetInt("limit", defaultUsageLimit), 1, maxUsageLimit)
	rep, err := s.mgr.Usage(ctx, "", keyID, limit)
	if err != nil {
		return s.serviceError("key usage", err)
	}
	return successJSON(rep)
}

// verifyResult adds the server-side reason to the caller-facing verdict;
// MCP clients are trusted operators.
type verifyResult struct {
	model.VerifyResponse
	KeyID  string `json:"keyId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *MCPServer) handleVerify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := requireString(request, "apiKey")
	if err != nil {
		return toolError("%v", err)
	}
	verdict, err := s.verifier.Verify(ctx, raw, service.RequestInfo{
		Method:   "MCP",
		Endpoint: request.GetString("endpoint", "mcp:apikey_verify"),
		ClientIP: request.GetString("clientIp", ""),
		IsHTTPS:  request.GetBool("https", true),
	})
	if err != nil {
		return s.serviceError("verify key", err)
	}
	return successJSON(verifyResult{
		VerifyResponse: verdict.Response(),
		KeyID:          verdict.KeyID,
		Reason:         string(verdict.Reason),
	})
}

func (s *MCPServer) handleListOwners(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owners, err := s.mgr.ListOwners(ctx)
	if err != nil {
		return s.serviceError("list owners", err)
	}
	if owners == nil {
		owners = []model.Owner{}
	}
	return successJSON(owners)
}

func secretResult(k *model.APIKey, raw string) model.CreateKeyResponse {
	return model.CreateKeyResponse{
		ID:        k.ID,
		Name:      k.Name,
		APIKey:    raw,
		KeyPrefix: k.KeyPrefix,
		Scopes:    k.Scopes,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
	}
}
