package openapi

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Route describes one storefront route mounted behind the Guard.
type Route struct {
	Method  string
	Pattern string
	Scopes  []string
	Summary string
}

// Options configures the generated document.
type Options struct {
	Title   string
	Version string
	BaseURL string
	// Storefront lists the guarded storefront routes, whoami included.
	Storefront []Route
}

// Generate builds the OpenAPI 3.1 document for the management API and the
// storefront routes.
func Generate(opts Options) (*openapi3.T, error) {
	title := opts.Title
	if title == "" {
		title = "Keygate API"
	}
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       title,
			Description: "API key issuance and management, plus storefront routes guarded by API keys.",
			Version:     version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	schemas, err := componentSchemas()
	if err != nil {
		return nil, fmt.Errorf("component schemas: %w", err)
	}
	components := openapi3.NewComponents()
	components.Schemas = schemas
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKey": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "apiKey", In: "header", Name: "X-API-Key"},
		},
		"apiKeyBearer": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:        "http",
				Scheme:      "bearer",
				Description: "API key sent as a bearer token (sf_live_... or sf_test_...).",
			},
		},
		"ownerJWT": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		},
	}
	doc.Components = &components
	doc.Paths = openapi3.NewPaths()

	addManagementPaths(doc)
	for _, r := range opts.Storefront {
		addStorefrontRoute(doc, r)
	}
	addSystemPaths(doc)
	return doc, nil
}

// ─── Management API ─────────────────────────────────────────────────────────

func addManagementPaths(doc *openapi3.T) {
	owner := &openapi3.SecurityRequirements{{"ownerJWT": {}}}
	keyID := openapi3.Parameters{
		{Value: openapi3.NewPathParameter("keyId").WithSchema(openapi3.NewStringSchema())},
	}
	listSchema := &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{"object"},
		Properties: openapi3.Schemas{
			"resource": &openapi3.SchemaRef{Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: ref(SchemaAPIKey),
			}},
			"meta": metaSchema(),
		},
	}}

	doc.Paths.Set("/api/v1/keys", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "List the caller's API keys",
			OperationID: "listKeys",
			Security:    owner,
			Parameters: openapi3.Parameters{
				{Value: openapi3.NewQueryParameter("status").WithSchema(
					openapi3.NewStringSchema().WithEnum("active", "revoked"))},
				{Value: openapi3.NewQueryParameter("environment").WithSchema(
					openapi3.NewStringSchema().WithEnum("live", "test"))},
			},
			Responses: newResponses("200", "API keys, newest first", listSchema, "401", "403"),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Issue an API key",
			Description: "The response is the only time the plaintext secret is returned.",
			OperationID: "createKey",
			Security:    owner,
			RequestBody: jsonBody(SchemaIssueRequest),
			Responses:   newResponses("201", "Issued key with its secret", ref(SchemaIssuedKey), "400", "401", "403"),
		},
	})

	doc.Paths.Set("/api/v1/keys/{keyId}", &openapi3.PathItem{
		Parameters: keyID,
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Get an API key",
			OperationID: "getKey",
			Security:    owner,
			Responses:   newResponses("200", "API key", ref(SchemaAPIKey), "401", "403", "404"),
		},
		Patch: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Update an API key's policy and limits",
			OperationID: "updateKey",
			Security:    owner,
			RequestBody: jsonBody(SchemaKeyPatch),
			Responses:   newResponses("200", "Updated key", ref(SchemaAPIKey), "400", "401", "403", "404", "409"),
		},
		Delete: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Revoke an API key",
			OperationID: "deleteKey",
			Security:    owner,
			Responses:   newResponses("200", "Revoked key", ref(SchemaAPIKey), "401", "403", "404", "409"),
		},
	})

	doc.Paths.Set("/api/v1/keys/{keyId}/rotate", &openapi3.PathItem{
		Parameters: keyID,
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Rotate an API key",
			Description: "Issues a replacement with the same policy. The old key keeps working until the grace period ends.",
			OperationID: "rotateKey",
			Security:    owner,
			Responses:   newResponses("201", "Replacement key with its secret", ref(SchemaIssuedKey), "401", "403", "404", "409"),
		},
	})

	revokeBody := &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().
		WithJSONSchema(openapi3.NewObjectSchema().WithProperty("reason", openapi3.NewStringSchema()))}
	doc.Paths.Set("/api/v1/keys/{keyId}/revoke", &openapi3.PathItem{
		Parameters: keyID,
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Revoke an API key with a reason",
			OperationID: "revokeKey",
			Security:    owner,
			RequestBody: revokeBody,
			Responses:   newResponses("200", "Revoked key", ref(SchemaAPIKey), "400", "401", "403", "404", "409"),
		},
	})

	doc.Paths.Set("/api/v1/keys/{keyId}/usage", &openapi3.PathItem{
		Parameters: keyID,
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Usage counters and the current rate window",
			OperationID: "keyUsage",
			Security:    owner,
			Responses:   newResponses("200", "Usage report", ref(SchemaKeyUsage), "401", "403", "404"),
		},
	})
}

// ─── Storefront ─────────────────────────────────────────────────────────────

func addStorefrontRoute(doc *openapi3.T, r Route) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	scopes := append([]string(nil), r.Scopes...)
	sort.Strings(scopes)

	description := "Requires an API key."
	if len(scopes) > 0 {
		description = "Requires an API key with scopes: " + strings.Join(scopes, ", ") + "."
	}

	summary := r.Summary
	if summary == "" {
		summary = method + " " + r.Pattern
	}

	responses := newResponses("200", "Success", &openapi3.SchemaRef{Value: openapi3.NewObjectSchema()})
	for _, e := range errorStatus {
		addErrorResponse(responses, e.status)
	}
	setRateHeaders(responses)

	op := &openapi3.Operation{
		Tags:        []string{"storefront"},
		Summary:     summary,
		Description: description,
		OperationID: operationID(method, r.Pattern),
		Security: &openapi3.SecurityRequirements{
			{"apiKey": scopes},
			{"apiKeyBearer": scopes},
		},
		Responses: responses,
	}

	item := doc.Paths.Value(r.Pattern)
	if item == nil {
		item = &openapi3.PathItem{}
		doc.Paths.Set(r.Pattern, item)
	}
	item.SetOperation(method, op)
}

// setRateHeaders documents the X-RateLimit-* headers on the success
// response.
func setRateHeaders(responses *openapi3.Responses) {
	ok := responses.Value("200")
	if ok == nil || ok.Value == nil {
		return
	}
	ok.Value.Headers = openapi3.Headers{}
	for _, h := range []struct{ name, desc string }{
		{"X-RateLimit-Limit", "Requests allowed per 60 second window."},
		{"X-RateLimit-Remaining", "Requests left in the current window."},
		{"X-RateLimit-Reset", "Unix time at which the window resets."},
		{"X-RateLimit-Status", "Set to not-enforced when the counter store is unavailable."},
	} {
		ok.Value.Headers[h.name] = &openapi3.HeaderRef{Value: &openapi3.Header{
			Parameter: openapi3.Parameter{Description: h.desc, Schema: openapi3.NewStringSchema().NewRef()},
		}}
	}
}

func operationID(method, pattern string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, part := range strings.Split(pattern, "/") {
		part = strings.Trim(part, "{}")
		if part == "" {
			continue
		}
		b.WriteByte('_')
		b.WriteString(part)
	}
	return b.String()
}

// ─── System ─────────────────────────────────────────────────────────────────

func addSystemPaths(doc *openapi3.T) {
	status := &openapi3.SchemaRef{Value: openapi3.NewObjectSchema().
		WithProperty("status", openapi3.NewStringSchema())}
	doc.Paths.Set("/healthz", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags: []string{"system"}, Summary: "Liveness", OperationID: "healthz",
		Security:  &openapi3.SecurityRequirements{},
		Responses: newResponses("200", "Process is up", status),
	}})
	doc.Paths.Set("/readyz", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags: []string{"system"}, Summary: "Readiness of the key and counter stores", OperationID: "readyz",
		Security:  &openapi3.SecurityRequirements{},
		Responses: newResponses("200", "Dependencies reachable", status, "503"),
	}})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func jsonBody(schema string) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Required: true,
			Content:  openapi3.NewContentWithJSONSchemaRef(ref(schema)),
		},
	}
}

var statusDescriptions = map[string]string{
	"400": "Bad request",
	"401": "Unauthorized",
	"403": "Forbidden",
	"404": "Not found",
	"409": "Key is not active or already rotated",
	"429": "Rate limit or monthly quota exceeded",
	"500": "Internal server error",
	"503": "Dependency unavailable",
}

// newResponses builds a response set with the success response, the listed
// error statuses and a 500.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, errorCodes ...string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Delete("default")

	desc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &desc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})
	for _, code := range errorCodes {
		addErrorResponse(responses, code)
	}
	addErrorResponse(responses, "500")
	return responses
}

func addErrorResponse(responses *openapi3.Responses, status string) {
	if responses.Value(status) != nil {
		return
	}
	desc := statusDescriptions[status]
	responses.Set(status, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &desc,
			Content:     openapi3.NewContentWithJSONSchemaRef(ref(SchemaErrorResponse)),
		},
	})
}

func metaSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"count": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"integer"},
						Format:      "int32",
						Description: "Number of keys returned.",
					},
				},
			},
		},
	}
}
