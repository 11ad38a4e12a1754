package authz

import (
	"strings"

	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

// DefaultRedaction replaces redacted values when the mask config doesn't
// supply a placeholder.
const DefaultRedaction = "[REDACTED]"

// ApplyMasks returns a copy of the document with every field mask applied:
// "hide" removes the field, "redact" replaces its value with the placeholder.
// The input document is never mutated — masked payloads must not leak back
// into the store.
func ApplyMasks(doc map[string]any, masks []models.FieldMask) map[string]any {
	if len(masks) == 0 {
		return doc
	}
	out := deepCopyMap(doc)
	for _, mask := range masks {
		applyMask(out, strings.Split(mask.FieldPath, "."), mask)
	}
	return out
}

// MaskEntities applies the masks to each entity's document, returning new
// entity values.
func MaskEntities(entities []models.Entity, masks []models.FieldMask) []models.Entity {
	if len(masks) == 0 {
		return entities
	}
	out := make([]models.Entity, len(entities))
	for i, ent := range entities {
		cp := ent
		cp.Document = ApplyMasks(ent.Document, masks)
		out[i] = cp
	}
	return out
}

func applyMask(node map[string]any, path []string, mask models.FieldMask) {
	if len(path) == 0 {
		return
	}
	head := path[0]
	if len(path) == 1 {
		if _, exists := node[head]; !exists {
			return
		}
		switch mask.MaskType {
		case models.MaskHide:
			delete(node, head)
		case models.MaskRedact:
			placeholder := DefaultRedaction
			if mask.MaskConfig != nil && mask.MaskConfig["placeholder"] != "" {
				placeholder = mask.MaskConfig["placeholder"]
			}
			node[head] = placeholder
		}
		return
	}
	child, ok := node[head].(map[string]any)
	if !ok {
		return
	}
	applyMask(child, path[1:], mask)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(t)
		case []any:
			out[k] = deepCopySlice(t)
		default:
			out[k] = v
		}
	}
	return out
}

func deepCopySlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		switch t := v.(type) {
		case map[string]any:
			out[i] = deepCopyMap(t)
		case []any:
			out[i] = deepCopySlice(t)
		default:
			out[i] = v
		}
	}
	return out
}
