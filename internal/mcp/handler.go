package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/service"
)

// requireString extracts a required string argument.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || val == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// optionalIntPtr returns nil when key is absent so the manager applies its
// default.
func optionalIntPtr(request mcp.CallToolRequest, key string) *int {
	if _, ok := request.GetArguments()[key]; !ok {
		return nil
	}
	v := request.GetInt(key, 0)
	return &v
}

// optionalTime parses an RFC 3339 argument.
func optionalTime(request mcp.CallToolRequest, key string) (*time.Time, error) {
	raw := request.GetString(key, "")
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("parameter %q must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}

// successJSON marshals data and returns it as a tool result.
func successJSON(data any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns an error result visible to the client. It does not end
// the session.
func toolError(format string, args ...any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

// serviceError renders lifecycle errors for the client. Unknown errors are
// logged and stay generic.
func (s *MCPServer) serviceError(action string, err error) (*mcp.CallToolResult, error) {
	for _, known := range []error{
		service.ErrInvalidRequest,
		service.ErrInvalidAllowList,
		service.ErrOwnerInactive,
		service.ErrKeyNotFound,
		service.ErrKeyLimitExceeded,
		service.ErrAlreadyRevoked,
		service.ErrOwnerExists,
	} {
		if errors.Is(err, known) {
			return toolError("%s: %v", action, err)
		}
	}
	s.logger.Error("mcp tool failed", zap.String("action", action), zap.Error(err))
	return toolError("%s failed", action)
}

func clamp(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
