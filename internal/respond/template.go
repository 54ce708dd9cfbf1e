package respond

import (
	"fmt"
	"regexp"
	"strings"
)

// Template is one fixed response shape, filled from context values.
type Template struct {
	Name string

	// Type is the response type this template serves.
	Type string

	// Role optionally restricts the template to one conversation role;
	// empty matches any role.
	Role string

	// Text holds the body with {{variable}} placeholders.
	Text string

	// Required lists variables that must resolve for the template to
	// render. Rendering fails closed when any is missing.
	Required []string

	Confidence float64
}

func (t Template) validate() error {
	if t.Name == "" || t.Text == "" {
		return fmt.Errorf("%w: name and text are required", ErrInvalidTemplate)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: %q has no response type", ErrInvalidTemplate, t.Name)
	}
	return nil
}

// matches reports whether the template serves the requested type and role.
func (t Template) matches(responseType, role string) bool {
	if t.Type != responseType {
		return false
	}
	return t.Role == "" || t.Role == role
}

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// render fills the template from vars. It returns ok=false when a
// required variable or any referenced placeholder has no value; the
// caller skips the template instead of emitting a partial fill.
func (t Template) render(vars map[string]string) (string, bool) {
	for _, name := range t.Required {
		if _, ok := vars[name]; !ok {
			return "", false
		}
	}

	missing := false
	out := placeholderPattern.ReplaceAllStringFunc(t.Text, func(m string) string {
		name := strings.Trim(m, "{}")
		v, ok := vars[name]
		if !ok {
			missing = true
			return m
		}
		return v
	})
	if missing {
		return "", false
	}
	return out, true
}
