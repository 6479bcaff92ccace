package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// documentSchema constrains the shape of the configuration document. It is
// intentionally loose about unknown keys so old daemons tolerate new fields.
const documentSchema = `{
	"type": "object",
	"properties": {
		"log_level": {"type": "string"},
		"workspace": {"type": "string"},
		"api": {
			"type": "object",
			"properties": {
				"host": {"type": "string"},
				"port": {"type": "integer", "minimum": 1, "maximum": 65535},
				"auth": {"type": "boolean"},
				"key": {"type": "string"}
			}
		},
		"agents": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"display_name": {"type": "string"},
					"provider": {"type": "string"},
					"model": {"type": "string"},
					"working_dir": {"type": "string"}
				}
			}
		},
		"teams": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "members", "leader"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"members": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"leader": {"type": "string", "minLength": 1},
					"pipeline": {
						"type": "object",
						"required": ["sequence"],
						"properties": {
							"sequence": {"type": "array", "items": {"type": "string"}, "minItems": 1},
							"strict": {"type": "boolean"},
							"max_loops": {"type": "integer", "minimum": 0}
						}
					}
				}
			}
		}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("config: unmarshal schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.json", doc); err != nil {
		panic(fmt.Sprintf("config: add schema resource: %v", err))
	}
	schema, err := c.Compile("config.json")
	if err != nil {
		panic(fmt.Sprintf("config: compile schema: %v", err))
	}
	return schema
}

// ValidateDocument checks the parsed configuration against the embedded
// schema, plus the referential rules the schema cannot express (team members
// exist, leader is a member, pipeline agents are members).
func ValidateDocument(cfg Config) error {
	// Round-trip through yaml so field names match the document's keys.
	text, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	var generic map[string]any
	if err := yaml.Unmarshal(text, &generic); err != nil {
		return fmt.Errorf("decode config for validation: %w", err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode config for validation: %w", err)
	}
	if err := compiledSchema.Validate(value); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	agents := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents[a.ID] = true
	}
	for _, t := range cfg.Teams {
		members := make(map[string]bool, len(t.Members))
		for _, m := range t.Members {
			if !agents[m] {
				return fmt.Errorf("team %q: member %q is not a configured agent", t.ID, m)
			}
			members[m] = true
		}
		if !members[t.Leader] {
			return fmt.Errorf("team %q: leader %q is not a member", t.ID, t.Leader)
		}
		if t.Pipeline != nil {
			for _, step := range t.Pipeline.Sequence {
				if !members[step] {
					return fmt.Errorf("team %q: pipeline agent %q is not a member", t.ID, step)
				}
			}
		}
	}
	return nil
}
