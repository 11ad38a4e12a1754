package models

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports a structurally malformed bundle. It is raised at
// the bundle boundary, before reconciliation, and is fatal to the whole sync.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid bundle: " + strings.Join(e.Issues, "; ")
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// NewBundleValidator builds the validator used at the sync boundary.
// Registers the custom "slug" rule on top of the struct tags.
func NewBundleValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for empty tag names.
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateBundle checks a sync bundle's structural invariants. Returns a
// *ValidationError listing every problem found, or nil when the bundle is
// well-formed. Reconciliation must never see a bundle this rejects.
func ValidateBundle(v *validator.Validate, b *SyncBundle) error {
	var issues []string

	if err := v.Struct(b); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			issues = append(issues, err.Error())
		}
	}

	// Object-typed schema fields must declare properties.
	for _, et := range b.EntityTypes {
		for name, fs := range et.Schema {
			if err := checkFieldSchema(fs, et.Slug+"."+name); err != nil {
				issues = append(issues, err.Error())
			}
		}
	}

	// Trigger action verbs come from the closed verb set.
	for _, t := range b.Triggers {
		for i, a := range t.Actions {
			if !TriggerActionVerbs[a.Verb] {
				issues = append(issues, fmt.Sprintf("trigger %q action %d: unknown verb %q", t.Slug, i, a.Verb))
			}
		}
		if t.Retry != nil && t.Retry.MaxAttempts < 1 {
			issues = append(issues, fmt.Sprintf("trigger %q: retry max_attempts must be >= 1", t.Slug))
		}
	}

	// Duplicate natural keys within one bundle make the diff ambiguous.
	issues = append(issues, checkDuplicateKeys(b)...)

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// checkFieldSchema walks a field schema and rejects any object-typed node
// without properties.
func checkFieldSchema(fs *FieldSchema, path string) error {
	if fs == nil {
		return fmt.Errorf("schema field %s: nil schema", path)
	}
	if fs.Type == "object" && len(fs.Properties) == 0 {
		return fmt.Errorf("schema field %s: object type must declare properties", path)
	}
	for name, child := range fs.Properties {
		if err := checkFieldSchema(child, path+"."+name); err != nil {
			return err
		}
	}
	if fs.Items != nil {
		if err := checkFieldSchema(fs.Items, path+"[]"); err != nil {
			return err
		}
	}
	return nil
}

func checkDuplicateKeys(b *SyncBundle) []string {
	var issues []string
	dup := func(kind, key string, seen map[string]bool) {
		if seen[key] {
			issues = append(issues, fmt.Sprintf("%s: duplicate key %q in bundle", kind, key))
		}
		seen[key] = true
	}

	seen := make(map[string]bool)
	for _, a := range b.Agents {
		dup("agents", a.Slug, seen)
	}
	seen = make(map[string]bool)
	for _, et := range b.EntityTypes {
		dup("entity_types", et.Slug, seen)
	}
	seen = make(map[string]bool)
	for _, r := range b.Roles {
		dup("roles", r.Name, seen)
	}
	seen = make(map[string]bool)
	for _, t := range b.Triggers {
		dup("triggers", t.Slug, seen)
	}
	seen = make(map[string]bool)
	for _, s := range b.EvalSuites {
		dup("eval_suites", s.Slug, seen)
	}
	return issues
}
