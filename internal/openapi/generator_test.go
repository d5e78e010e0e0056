package openapi

import (
	"encoding/json"
	"testing"
)

func testRoutes() []Route {
	return []Route{
		{Method: "GET", Pattern: "/storefront/v1/whoami", Summary: "Describe the calling key"},
		{Method: "GET", Pattern: "/storefront/v1/products", Scopes: []string{"products:read"}},
		{Method: "POST", Pattern: "/storefront/v1/cart", Scopes: []string{"cart:write", "cart:read"}},
	}
}

func TestGenerateManagementPaths(t *testing.T) {
	doc, err := Generate(Options{Title: "Test", Version: "0.1.0"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	tests := []struct {
		path    string
		methods []string
	}{
		{"/api/v1/keys", []string{"GET", "POST"}},
		{"/api/v1/keys/{keyId}", []string{"GET", "PATCH", "DELETE"}},
		{"/api/v1/keys/{keyId}/rotate", []string{"POST"}},
		{"/api/v1/keys/{keyId}/revoke", []string{"POST"}},
		{"/api/v1/keys/{keyId}/usage", []string{"GET"}},
		{"/healthz", []string{"GET"}},
		{"/readyz", []string{"GET"}},
	}
	for _, tt := range tests {
		item := doc.Paths.Value(tt.path)
		if item == nil {
			t.Errorf("missing path %s", tt.path)
			continue
		}
		for _, m := range tt.methods {
			if item.GetOperation(m) == nil {
				t.Errorf("%s: missing %s operation", tt.path, m)
			}
		}
	}

	create := doc.Paths.Value("/api/v1/keys").Post
	if create.Responses.Value("201") == nil {
		t.Error("createKey should document 201")
	}
	if doc.Info.Title != "Test" || doc.Info.Version != "0.1.0" {
		t.Errorf("info = %+v", doc.Info)
	}
}

func TestGenerateStorefrontRoutes(t *testing.T) {
	doc, err := Generate(Options{Storefront: testRoutes()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	cart := doc.Paths.Value("/storefront/v1/cart")
	if cart == nil || cart.Post == nil {
		t.Fatal("missing POST /storefront/v1/cart")
	}
	if cart.Post.OperationID != "post_storefront_v1_cart" {
		t.Errorf("OperationID = %q", cart.Post.OperationID)
	}
	sec := *cart.Post.Security
	if len(sec) != 2 {
		t.Fatalf("security alternatives = %d, want 2", len(sec))
	}
	scopes := sec[0]["apiKey"]
	if len(scopes) != 2 || scopes[0] != "cart:read" || scopes[1] != "cart:write" {
		t.Errorf("apiKey scopes = %v, want sorted [cart:read cart:write]", scopes)
	}

	for _, status := range []string{"200", "401", "403", "429", "503"} {
		if cart.Post.Responses.Value(status) == nil {
			t.Errorf("missing %s response", status)
		}
	}
	ok := cart.Post.Responses.Value("200").Value
	if ok.Headers["X-RateLimit-Remaining"] == nil {
		t.Error("success response should document rate limit headers")
	}

	whoami := doc.Paths.Value("/storefront/v1/whoami")
	if whoami == nil || whoami.Get == nil || whoami.Get.Summary != "Describe the calling key" {
		t.Errorf("whoami = %+v", whoami)
	}
}

func TestGenerateComponentSchemas(t *testing.T) {
	doc, err := Generate(Options{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, name := range []string{SchemaAPIKey, SchemaIssueRequest, SchemaIssuedKey, SchemaKeyPatch, SchemaKeyUsage, SchemaIdentity, SchemaErrorResponse} {
		if doc.Components.Schemas[name] == nil {
			t.Errorf("missing component schema %s", name)
		}
	}

	key := doc.Components.Schemas[SchemaAPIKey].Value
	if key.Properties["key_prefix"] == nil {
		t.Error("APIKey schema should expose key_prefix")
	}
	for name := range key.Properties {
		if name == "KeyHash" || name == "key_hash" {
			t.Errorf("APIKey schema exposes %s", name)
		}
	}
	if doc.Components.Schemas[SchemaIssuedKey].Value.Properties["secret"] == nil {
		t.Error("IssuedKey schema should expose secret")
	}
}

func TestGenerateMarshals(t *testing.T) {
	doc, err := Generate(Options{BaseURL: "http://localhost:8080", Storefront: testRoutes()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if raw["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v", raw["openapi"])
	}
}

func TestOperationID(t *testing.T) {
	tests := []struct {
		method, pattern, want string
	}{
		{"GET", "/storefront/v1/products", "get_storefront_v1_products"},
		{"delete", "/storefront/v1/cart/{itemId}", "delete_storefront_v1_cart_itemId"},
		{"GET", "/", "get"},
	}
	for _, tt := range tests {
		if got := operationID(tt.method, tt.pattern); got != tt.want {
			t.Errorf("operationID(%q, %q) = %q, want %q", tt.method, tt.pattern, got, tt.want)
		}
	}
}
