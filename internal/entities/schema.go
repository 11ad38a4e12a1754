package entities

import (
	"fmt"

	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

// ValidateDocument checks a document against an entity type's schema.
// Unknown fields are rejected, typed fields must conform, and object fields
// enforce their required property lists. Returns the first violation as a
// *DocumentError.
func ValidateDocument(schema map[string]*models.FieldSchema, doc map[string]any) error {
	for name := range doc {
		if _, ok := schema[name]; !ok {
			return &DocumentError{Field: name, Reason: "not declared in schema"}
		}
	}
	for name, fs := range schema {
		value, present := doc[name]
		if !present {
			continue
		}
		if err := checkValue(fs, name, value); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(fs *models.FieldSchema, path string, value any) error {
	if value == nil {
		return nil
	}
	switch fs.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return &DocumentError{Field: path, Reason: fmt.Sprintf("expected string, got %T", value)}
		}
		if len(fs.Enum) > 0 && !inEnum(fs.Enum, s) {
			return &DocumentError{Field: path, Reason: fmt.Sprintf("value %q not in enum", s)}
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return &DocumentError{Field: path, Reason: fmt.Sprintf("expected number, got %T", value)}
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &DocumentError{Field: path, Reason: fmt.Sprintf("expected boolean, got %T", value)}
		}
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return &DocumentError{Field: path, Reason: fmt.Sprintf("expected object, got %T", value)}
		}
		for _, req := range fs.Required {
			if _, present := obj[req]; !present {
				return &DocumentError{Field: path + "." + req, Reason: "required property missing"}
			}
		}
		for name, v := range obj {
			child, declared := fs.Properties[name]
			if !declared {
				return &DocumentError{Field: path + "." + name, Reason: "not declared in schema"}
			}
			if err := checkValue(child, path+"."+name, v); err != nil {
				return err
			}
		}
	case "array":
		list, ok := value.([]any)
		if !ok {
			return &DocumentError{Field: path, Reason: fmt.Sprintf("expected array, got %T", value)}
		}
		if fs.Items != nil {
			for i, item := range list {
				if err := checkValue(fs.Items, fmt.Sprintf("%s[%d]", path, i), item); err != nil {
					return err
				}
			}
		}
	case "":
		// Untyped fields accept anything.
	default:
		return &DocumentError{Field: path, Reason: fmt.Sprintf("unknown schema type %q", fs.Type)}
	}
	return nil
}

func inEnum(enum []string, s string) bool {
	for _, e := range enum {
		if e == s {
			return true
		}
	}
	return false
}
