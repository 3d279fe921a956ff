package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const objectSchema = `{"type": "object"}`

// ValidateAdminCredentials checks admin against the adapter's declared JSON
// schema. Adapters that declare none only require a JSON object.
func ValidateAdminCredentials(a ServiceAdapter, admin AdminCredentials) error {
	id := a.Descriptor().ID

	if !json.Valid(admin) {
		return fmt.Errorf("%w: %s admin credentials are not valid JSON", ErrInvalidCredentialFormat, id)
	}

	schema := objectSchema
	if sp, ok := a.(AdminSchemaProvider); ok && sp.AdminSchema() != "" {
		schema = sp.AdminSchema()
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(admin),
	)
	if err != nil {
		return fmt.Errorf("%s admin credential schema: %w", id, err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("%w: %s admin credentials: %s", ErrInvalidCredentialFormat, id, strings.Join(problems, "; "))
	}

	return nil
}
