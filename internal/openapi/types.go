package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

// Component schema names.
const (
	SchemaAPIKey        = "APIKey"
	SchemaIssueRequest  = "IssueRequest"
	SchemaIssuedKey     = "IssuedKey"
	SchemaKeyPatch      = "KeyPatch"
	SchemaKeyUsage      = "KeyUsage"
	SchemaIdentity      = "Identity"
	SchemaErrorResponse = "ErrorResponse"
)

// componentValues are the Go values whose JSON shape becomes a component
// schema.
var componentValues = []struct {
	name  string
	value interface{}
}{
	{SchemaAPIKey, model.APIKey{}},
	{SchemaIssueRequest, service.IssueRequest{}},
	{SchemaIssuedKey, service.IssuedKey{}},
	{SchemaKeyPatch, model.KeyPatch{}},
	{SchemaKeyUsage, service.KeyUsage{}},
	{SchemaIdentity, model.Identity{}},
	{SchemaErrorResponse, model.ErrorResponse{}},
}

// errorStatus lists every storefront rejection code with its HTTP status.
// The generator documents them on each guarded route.
var errorStatus = []struct {
	code   string
	status string
}{
	{model.CodeInvalidAPIKey, "401"},
	{model.CodeAPIKeyRevoked, "401"},
	{model.CodeAPIKeyExpired, "401"},
	{model.CodeInsufficientScopes, "403"},
	{model.CodeOriginNotAllowed, "403"},
	{model.CodeIPNotAllowed, "403"},
	{model.CodeMonthlyQuotaExceeded, "429"},
	{model.CodeRateLimitExceeded, "429"},
	{model.CodeAuthUnavailable, "503"},
}

// componentSchemas derives the component schemas from the model types.
func componentSchemas() (openapi3.Schemas, error) {
	schemas := openapi3.Schemas{}
	for _, c := range componentValues {
		ref, err := openapi3gen.NewSchemaRefForValue(c.value, nil)
		if err != nil {
			return nil, err
		}
		schemas[c.name] = ref
	}
	hideSecretHash(schemas[SchemaAPIKey])
	return schemas, nil
}

// hideSecretHash drops the hash property if the generator picked it up
// despite its json:"-" tag.
func hideSecretHash(ref *openapi3.SchemaRef) {
	if ref == nil || ref.Value == nil {
		return
	}
	delete(ref.Value.Properties, "KeyHash")
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}
