// Package openapi describes the HTTP API as an OpenAPI 3.1 document.
package openapi

import (
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/service"
)

// Security scheme names.
const (
	schemeAPIKey = "apiKey"
	schemeBearer = "bearerAuth"
)

// componentTypes are the request and response bodies registered under
// #/components/schemas, keyed by schema name.
var componentTypes = map[string]any{
	"APIKey":             model.APIKey{},
	"Owner":              model.Owner{},
	"UsageLogEntry":      model.UsageLogEntry{},
	"UsageReport":        service.UsageReport{},
	"CreateKeyRequest":   model.CreateKeyRequest{},
	"UpdateKeyRequest":   model.UpdateKeyRequest{},
	"CreateKeyResponse":  model.CreateKeyResponse{},
	"VerifyRequest":      model.VerifyRequest{},
	"VerifyResponse":     model.VerifyResponse{},
	"CreateOwnerRequest": model.CreateOwnerRequest{},
	"UpdateOwnerRequest": model.UpdateOwnerRequest{},
}

// Generate builds the document for a server reachable at baseURL that reads
// keys from apiKeyHeader.
func Generate(baseURL, apiKeyHeader string) (*openapi3.T, error) {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "apikeyd API",
			Description: "Issue, verify, rotate and revoke API keys.",
			Version:     "1.0.0",
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes[schemeAPIKey] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: apiKeyHeader,
		},
	}
	doc.Components.SecuritySchemes[schemeBearer] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}
	doc.Security = openapi3.SecurityRequirements{
		{schemeBearer: {}},
	}

	for name, v := range componentTypes {
		ref, err := openapi3gen.NewSchemaRefForValue(v, nil)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		doc.Components.Schemas[name] = ref
	}
	doc.Components.Schemas["ErrorResponse"] = errorSchema()

	doc.Paths = openapi3.NewPaths()
	addSystemPaths(doc)
	addVerifyPath(doc)
	addKeyPaths(doc)
	addAdminPaths(doc)
	return doc, nil
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func listOf(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"resource": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:  &openapi3.Types{"array"},
						Items: ref(name),
					},
				},
				"meta": metaSchema(),
			},
		},
	}
}

func successSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"success": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
				"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			},
		},
	}
}

func jsonBody(name, description string) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Description: description,
			Required:    true,
			Content:     openapi3.NewContentWithJSONSchemaRef(ref(name)),
		},
	}
}

func pathParam(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewPathParameter(name).
			WithDescription(description).
			WithSchema(openapi3.NewStringSchema()),
	}
}

func ownerQueryParam() *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewQueryParameter("ownerId").
			WithDescription("Owner to act for. Only honored for admin tokens.").
			WithSchema(openapi3.NewStringSchema()),
	}
}

// ─── Paths ──────────────────────────────────────────────────────────────────

func addSystemPaths(doc *openapi3.T) {
	status := &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
	public := openapi3.NewSecurityRequirements()

	doc.Paths.Set("/healthz", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags: []string{"system"}, Summary: "Liveness probe", OperationID: "healthz",
		Security:  public,
		Responses: newResponses("200", "Process is running", status),
	}})
	doc.Paths.Set("/readyz", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags: []string{"system"}, Summary: "Readiness probe", OperationID: "readyz",
		Description: "Pings the key store and the counter store. Returns 503 when either is unreachable.",
		Security:    public,
		Responses:   newResponses("200", "Dependencies reachable", status, http.StatusServiceUnavailable),
	}})
}

func addVerifyPath(doc *openapi3.T) {
	doc.Paths.Set("/api/v1/verify", &openapi3.PathItem{Post: &openapi3.Operation{
		Tags:        []string{"verify"},
		Summary:     "Verify an API key",
		Description: "Checks format, existence, owner, revocation, expiry, IP allow-list, transport, rate limit and daily quota. Failures return isValid=false with a generic message.",
		OperationID: "verifyKey",
		Security: &openapi3.SecurityRequirements{
			{schemeAPIKey: {}},
			{},
		},
		RequestBody: &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{
			Description: "Optional when the key is sent in the header.",
			Content:     openapi3.NewContentWithJSONSchemaRef(ref("VerifyRequest")),
		}},
		Responses: newResponses("200", "Verification verdict", ref("VerifyResponse"),
			http.StatusTooManyRequests, http.StatusServiceUnavailable),
	}})
}

func addKeyPaths(doc *openapi3.T) {
	tag := []string{"keys"}
	keyID := pathParam("keyId", "API key ID")

	doc.Paths.Set("/api/v1/keys", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags: tag, Summary: "List API keys", OperationID: "listKeys",
			Parameters: openapi3.Parameters{ownerQueryParam()},
			Responses:  newResponses("200", "Keys of the caller", listOf("APIKey")),
		},
		Post: &openapi3.Operation{
			Tags: tag, Summary: "Create an API key", OperationID: "createKey",
			Description: "The raw key is returned once and cannot be retrieved again.",
			Parameters:  openapi3.Parameters{ownerQueryParam()},
			RequestBody: jsonBody("CreateKeyRequest", "Key to create"),
			Responses: newResponses("201", "Created key with its raw secret", ref("CreateKeyResponse"),
				http.StatusForbidden, http.StatusConflict),
		},
	})
	doc.Paths.Set("/api/v1/keys/{keyId}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{keyID},
		Get: &openapi3.Operation{
			Tags: tag, Summary: "Get an API key", OperationID: "getKey",
			Responses: newResponses("200", "Key", ref("APIKey")),
		},
		Patch: &openapi3.Operation{
			Tags: tag, Summary: "Update an API key", OperationID: "updateKey",
			Description: "Only provided fields change. The secret, status and counters are never modified.",
			RequestBody: jsonBody("UpdateKeyRequest", "Fields to change"),
			Responses:   newResponses("200", "Updated key", ref("APIKey")),
		},
		Delete: &openapi3.Operation{
			Tags: tag, Summary: "Delete an API key", OperationID: "deleteKey",
			Description: "Permanently removes the key and its usage history. Prefer revoke.",
			Responses:   newResponses("200", "Deleted", successSchema()),
		},
	})
	doc.Paths.Set("/api/v1/keys/{keyId}/revoke", &openapi3.PathItem{
		Parameters: openapi3.Parameters{keyID},
		Post: &openapi3.Operation{
			Tags: tag, Summary: "Revoke an API key", OperationID: "revokeKey",
			Responses: newResponses("200", "Revoked key", ref("APIKey"), http.StatusConflict),
		},
	})
	doc.Paths.Set("/api/v1/keys/{keyId}/rotate", &openapi3.PathItem{
		Parameters: openapi3.Parameters{keyID},
		Post: &openapi3.Operation{
			Tags: tag, Summary: "Rotate an API key secret", OperationID: "rotateKey",
			Description: "Issues a new secret for the same key. The previous secret stops working immediately.",
			Responses:   newResponses("200", "Key with its new raw secret", ref("CreateKeyResponse"), http.StatusConflict),
		},
	})
	doc.Paths.Set("/api/v1/keys/{keyId}/usage", &openapi3.PathItem{
		Parameters: openapi3.Parameters{keyID},
		Get: &openapi3.Operation{
			Tags: tag, Summary: "Get API key usage", OperationID: "keyUsage",
			Parameters: openapi3.Parameters{
				&openapi3.ParameterRef{
					Value: openapi3.NewQueryParameter("limit").
						WithDescription("Maximum number of recent usage entries (default 100, max 1000).").
						WithSchema(&openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}),
				},
			},
			Responses: newResponses("200", "Usage report", ref("UsageReport")),
		},
	})
}

func addAdminPaths(doc *openapi3.T) {
	tag := []string{"admin"}

	doc.Paths.Set("/api/v1/admin/owners", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags: tag, Summary: "List owners", OperationID: "listOwners",
			Responses: newResponses("200", "Owners", listOf("Owner"), http.StatusForbidden),
		},
		Post: &openapi3.Operation{
			Tags: tag, Summary: "Create an owner", OperationID: "createOwner",
			RequestBody: jsonBody("CreateOwnerRequest", "Owner to create"),
			Responses:   newResponses("201", "Created owner", ref("Owner"), http.StatusForbidden, http.StatusConflict),
		},
	})
	doc.Paths.Set("/api/v1/admin/owners/{ownerId}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{pathParam("ownerId", "Owner ID")},
		Patch: &openapi3.Operation{
			Tags: tag, Summary: "Update an owner", OperationID: "updateOwner",
			Description: "Deactivating an owner makes all of its keys fail verification.",
			RequestBody: jsonBody("UpdateOwnerRequest", "Fields to change"),
			Responses:   newResponses("200", "Updated owner", ref("Owner"), http.StatusForbidden),
		},
	})
	doc.Paths.Set("/api/v1/admin/keys/{keyId}/reset", &openapi3.PathItem{
		Parameters: openapi3.Parameters{pathParam("keyId", "API key ID")},
		Post: &openapi3.Operation{
			Tags: tag, Summary: "Reset rate-limit and quota counters", OperationID: "resetKeyCounters",
			Responses: newResponses("200", "Counters reset", successSchema(), http.StatusForbidden),
		},
	})
}

// ─── Response Helpers ───────────────────────────────────────────────────────

var errorDescriptions = map[int]string{
	http.StatusBadRequest:          "Bad request",
	http.StatusUnauthorized:        "Unauthorized",
	http.StatusForbidden:           "Forbidden",
	http.StatusNotFound:            "Not found",
	http.StatusConflict:            "Conflict",
	http.StatusTooManyRequests:     "Too many requests",
	http.StatusInternalServerError: "Internal server error",
	http.StatusServiceUnavailable:  "Service unavailable",
}

// newResponses builds a Responses map with a success response, the standard
// error responses and any extra error codes the operation can return.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, extra ...int) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := ref("ErrorResponse")
	codes := append([]int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError}, extra...)
	for _, code := range codes {
		desc := errorDescriptions[code]
		responses.Set(fmt.Sprint(code), &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

func errorSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}
}

// metaSchema returns the schema for the "meta" field in list responses.
func metaSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"count": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"integer"},
						Format:      "int32",
						Description: "Number of records returned.",
					},
				},
				"tookMs": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"number"},
						Format:      "double",
						Description: "Server-side processing time in milliseconds.",
					},
				},
			},
		},
	}
}
