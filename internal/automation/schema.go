package automation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// conditionSchema mirrors the Condition grammar: a recursive "type" union
// closed over the attribute/op enums. Validated once at rule-create time,
// not on every evaluation (spec §4.7 "validated at create-time").
var conditionSchema = map[string]any{
	"$id":         "condition.json",
	"$schema":     "http://json-schema.org/draft-07/schema#",
	"definitions": map[string]any{
		"condition": map[string]any{
			"type":     "object",
			"required": []any{"type"},
			"properties": map[string]any{
				"type": map[string]any{"enum": []any{TypeSimple, TypeAnd, TypeOr, TypeNot}},
			},
			"allOf": []any{
				map[string]any{
					"if":   map[string]any{"properties": map[string]any{"type": map[string]any{"const": TypeSimple}}},
					"then": map[string]any{"required": []any{"attribute", "op", "value"}, "properties": map[string]any{
						"attribute": map[string]any{"enum": []any{
							AttributeTags, AttributePriority, AttributeStatus, AttributeAssignedUserID, AttributeAssignedTeamID,
						}},
						"op": map[string]any{"enum": []any{
							OpContains, OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpIn, OpNotIn,
						}},
					}},
				},
				map[string]any{
					"if": map[string]any{"properties": map[string]any{"type": map[string]any{"enum": []any{TypeAnd, TypeOr}}}},
					"then": map[string]any{"required": []any{"conditions"}, "properties": map[string]any{
						"conditions": map[string]any{"type": "array", "minItems": 2, "items": map[string]any{"$ref": "#/definitions/condition"}},
					}},
				},
				map[string]any{
					"if":   map[string]any{"properties": map[string]any{"type": map[string]any{"const": TypeNot}}},
					"then": map[string]any{"required": []any{"condition"}, "properties": map[string]any{
						"condition": map[string]any{"$ref": "#/definitions/condition"},
					}},
				},
			},
		},
	},
	"$ref": "#/definitions/condition",
}

// actionSchema mirrors the flat Action grammar (spec §4.7).
var actionSchema = map[string]any{
	"$id":      "action.json",
	"$schema":  "http://json-schema.org/draft-07/schema#",
	"type":     "object",
	"required": []any{"type"},
	"properties": map[string]any{
		"type": map[string]any{"enum": []any{
			ActionSetPriority, ActionAssignToUser, ActionAssignToTeam, ActionAddTag, ActionRemoveTag, ActionChangeStatus,
		}},
	},
}

func compile(id string, schema map[string]any) (*jsonschema.Schema, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, bytes.NewReader(schemaBytes)); err != nil {
		return nil, err
	}
	return compiler.Compile(id)
}

// ValidateCondition checks raw condition JSON against the closed condition
// grammar before a rule is persisted.
func ValidateCondition(raw []byte) error {
	compiled, err := compile("condition.json", conditionSchema)
	if err != nil {
		return fmt.Errorf("compile condition schema: %w", err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("condition is not valid json: %w", err)
	}
	if err := compiled.Validate(data); err != nil {
		return fmt.Errorf("condition failed schema validation: %w", err)
	}
	return nil
}

// ValidateAction checks raw action JSON against the closed action grammar
// before a rule is persisted.
func ValidateAction(raw []byte) error {
	compiled, err := compile("action.json", actionSchema)
	if err != nil {
		return fmt.Errorf("compile action schema: %w", err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("action is not valid json: %w", err)
	}
	if err := compiled.Validate(data); err != nil {
		return fmt.Errorf("action failed schema validation: %w", err)
	}
	return nil
}
