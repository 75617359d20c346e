package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// AttributeKind constrains the JSON shape of an attribute value.
type AttributeKind string

// Supported attribute kinds.
const (
	KindAny    AttributeKind = "any"
	KindString AttributeKind = "string"
	KindNumber AttributeKind = "number"
	KindBool   AttributeKind = "bool"
	// KindTime is an RFC 3339 timestamp string.
	KindTime   AttributeKind = "time"
	KindObject AttributeKind = "object"
	KindList   AttributeKind = "list"
)

// EntitySchema describes one entity type.
type EntitySchema struct {
	Required   []string                 `json:"required,omitempty" yaml:"required,omitempty" toml:"required,omitempty"`
	Attributes map[string]AttributeKind `json:"attributes,omitempty" yaml:"attributes,omitempty" toml:"attributes,omitempty"`
	// Strict rejects attributes not declared in Attributes.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty" toml:"strict,omitempty"`
}

// Schema is the model definition a store is opened with. A schema without
// entities accepts any entity type. Stores written under a different
// fingerprint are treated as incompatible and recreated on open.
type Schema struct {
	Version  int                         `json:"version" yaml:"version" toml:"version"`
	Entities map[EntityType]EntitySchema `json:"entities,omitempty" yaml:"entities,omitempty" toml:"entities,omitempty"`
}

// SchemaRuleName is the rule name reported for schema violations.
const SchemaRuleName = "schema"

// Fingerprint returns a stable digest of the schema definition.
func (s Schema) Fingerprint() string {
	// encoding/json sorts map keys, which keeps the digest stable.
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("v%d", s.Version)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// Validate checks an object against the schema.
func (s Schema) Validate(obj Object) []Violation {
	if len(s.Entities) == 0 {
		return nil
	}
	violation := func(msg string, args ...any) Violation {
		return Violation{
			Rule:     SchemaRuleName,
			Severity: SeverityBlock,
			Message:  fmt.Sprintf(msg, args...),
			Entity:   obj.Entity,
			ObjectID: obj.ID,
		}
	}
	es, ok := s.Entities[obj.Entity]
	if !ok {
		return []Violation{violation("unknown entity %q", obj.Entity)}
	}
	var out []Violation
	for _, name := range es.Required {
		v, ok := obj.Attributes[name]
		if !ok || v == nil {
			out = append(out, violation("missing required attribute %q", name))
		}
	}
	for _, name := range obj.Attributes.Keys() {
		kind, declared := es.Attributes[name]
		if !declared {
			if es.Strict {
				out = append(out, violation("undeclared attribute %q", name))
			}
			continue
		}
		value := obj.Attributes[name]
		if value == nil {
			continue
		}
		if !kindMatches(kind, value) {
			out = append(out, violation("attribute %q must be %s", name, kind))
		}
	}
	return out
}

func kindMatches(kind AttributeKind, v any) bool {
	switch kind {
	case KindAny, "":
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, t)
			return err == nil
		}
		return false
	case KindObject:
		switch v.(type) {
		case map[string]any, Attributes:
			return true
		}
		return false
	case KindList:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	default:
		return false
	}
}

// Rule returns a Rule that validates every created or updated object.
func (s Schema) Rule() Rule {
	return RuleFunc{
		RuleName: SchemaRuleName,
		Fn: func(_ context.Context, _ View, changes []Change) (Result, error) {
			var res Result
			for _, ch := range changes {
				if ch.After == nil {
					continue
				}
				res.Violations = append(res.Violations, s.Validate(*ch.After)...)
			}
			return res, nil
		},
	}
}
