package contracts

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

// documentSchema validates the structured contract document shape before any
// rule text is looked at. The textual grammar of rule predicates is CEL and
// is checked separately at publish time.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "version", "scope", "default_policy", "rules"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "scope": {"type": "string", "minLength": 1},
    "default_policy": {"enum": ["accept", "reject"]},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["predicate", "action"],
        "properties": {
          "id": {"type": "string"},
          "predicate": {"type": "string", "minLength": 1},
          "action": {"enum": ["accept", "reject", "transform", "emit_trigger"]},
          "reason": {"type": "string"},
          "transform": {"type": "string"},
          "trigger_id": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledSchema = jsonschema.MustCompileString("contract-document.json", documentSchema)

// ParseDocument decodes a YAML contract document, validates it against the
// document schema, and returns the contract. Structural problems are
// reported as Validation errors with the offending path in context.
func ParseDocument(data []byte) (Contract, error) {
	// Decode YAML generically, then round-trip through JSON so the schema
	// validator sees JSON-typed values (yaml ints vs json numbers).
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return Contract{}, motorerr.Wrap(motorerr.KindValidation, "contract document is not valid YAML", err)
	}

	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return Contract{}, motorerr.Wrap(motorerr.KindValidation, "contract document is not JSON-representable", err)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Contract{}, motorerr.Wrap(motorerr.KindValidation, "contract document decode failed", err)
	}

	if err := compiledSchema.Validate(doc); err != nil {
		return Contract{}, motorerr.Wrap(motorerr.KindValidation, "contract document failed schema validation", err)
	}

	var c Contract
	if err := json.Unmarshal(jsonBytes, &c); err != nil {
		return Contract{}, motorerr.Wrap(motorerr.KindValidation, "contract document mapping failed", err)
	}
	if err := c.Validate(); err != nil {
		return Contract{}, err
	}
	return c, nil
}
