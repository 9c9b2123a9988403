package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	ownersURI      = "apikeyd://owners"
	ownerKeysURI   = "apikeyd://owners/{ownerId}/keys"
	ownerURIPrefix = "apikeyd://owners/"
)

// registerResources adds read-only views clients can load into context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(ownersURI, "Key Owners",
			mcp.WithResourceDescription("All key owners and whether they are active."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleOwnersResource,
	)

	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(ownerKeysURI, "Owner API Keys",
			mcp.WithTemplateDescription("API keys held by one owner, without secrets."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleOwnerKeysResource,
	)
}

func (s *MCPServer) handleOwnersResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	owners, err := s.mgr.ListOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	return jsonContents(request.Params.URI, owners)
}

func (s *MCPServer) handleOwnerKeysResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	ownerID, ok := strings.CutPrefix(uri, ownerURIPrefix)
	ownerID, ok2 := strings.CutSuffix(ownerID, "/keys")
	if !ok || !ok2 || ownerID == "" || strings.Contains(ownerID, "/") {
		return nil, fmt.Errorf("invalid URI %q: expected %s", uri, ownerKeysURI)
	}

	keys, err := s.mgr.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %q: %w", ownerID, err)
	}
	return jsonContents(uri, keys)
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
