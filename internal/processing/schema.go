package processing

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// resultKeySchema describes a key the function may hand back: a single object
// name inside the bucket. "." and ".." are path elements, not names.
const resultKeySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "string",
	"minLength": 1,
	"maxLength": 1024,
	"pattern": "^[^/\\\\]+$",
	"not": {"enum": [".", ".."]}
}`

var resultKey = mustCompile(resultKeySchema)

func mustCompile(schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("result_key.json", strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("add schema: %v", err))
	}
	return compiler.MustCompile("result_key.json")
}

// ValidateResultKey checks that key is a usable object name.
func ValidateResultKey(key string) error {
	if err := resultKey.Validate(key); err != nil {
		return fmt.Errorf("invalid result key %q: %w", key, err)
	}
	return nil
}
