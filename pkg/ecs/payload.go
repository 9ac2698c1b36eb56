package ecs

import (
	"github.com/simforge/simforge/pkg/apierrors"
)

// Payload is a command's parameter map as decoded from JSON. Fields outside
// the schema are ignored; missing schema fields fail validation.
type Payload map[string]any

// ValidatePayload checks the payload against a command schema. Every schema
// field must be present and of a compatible primitive type.
func ValidatePayload(schema map[string]FieldType, p Payload) error {
	for field, ft := range schema {
		raw, ok := p[field]
		if !ok {
			return apierrors.Validation("missing required field %q", field)
		}
		switch ft {
		case FieldFloat, FieldInt:
			switch raw.(type) {
			case float64, float32, int, int64, uint64:
			default:
				return apierrors.Validation("field %q must be a number", field)
			}
		case FieldString:
			if _, ok := raw.(string); !ok {
				return apierrors.Validation("field %q must be a string", field)
			}
		case FieldBool:
			if _, ok := raw.(bool); !ok {
				return apierrors.Validation("field %q must be a boolean", field)
			}
		default:
			return apierrors.Validation("field %q has unknown type %q", field, ft)
		}
	}
	return nil
}

// Float returns the field as float32, or 0 when absent.
func (p Payload) Float(field string) float32 {
	return float32(p.number(field))
}

// Int returns the field as int64, or 0 when absent.
func (p Payload) Int(field string) int64 {
	return int64(p.number(field))
}

// Entity returns the field interpreted as an entity id.
func (p Payload) Entity(field string) Entity {
	return Entity(p.number(field))
}

// String returns the field as a string, or "" when absent.
func (p Payload) String(field string) string {
	s, _ := p[field].(string)
	return s
}

// Bool returns the field as a bool, or false when absent.
func (p Payload) Bool(field string) bool {
	b, _ := p[field].(bool)
	return b
}

func (p Payload) number(field string) float64 {
	switch v := p[field].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	default:
		return 0
	}
}
