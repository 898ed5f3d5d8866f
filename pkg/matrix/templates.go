// Copyright 2024-2026 Aiku AI

package matrix

import (
	"fmt"
	"regexp"
	"strings"
)

const emailPlaceholder = "%EMAIL%"

// Templates holds the ordered virtual-user local-part templates. Building
// a local part always uses the first template; extraction tries all of
// them in order and the first structural match wins, so overlapping
// templates behave deterministically.
type Templates struct {
	templates []string
	patterns  []*regexp.Regexp
}

func NewTemplates(templates []string) (*Templates, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("no user templates configured")
	}

	t := &Templates{templates: templates}
	for _, tmpl := range templates {
		if strings.Count(tmpl, emailPlaceholder) != 1 {
			return nil, fmt.Errorf("user template %q must contain %s exactly once", tmpl, emailPlaceholder)
		}
		quoted := regexp.QuoteMeta(tmpl)
		pattern, err := regexp.Compile("^" + strings.Replace(quoted, regexp.QuoteMeta(emailPlaceholder), "(.+)", 1) + "$")
		if err != nil {
			return nil, fmt.Errorf("user template %q does not compile: %w", tmpl, err)
		}
		t.patterns = append(t.patterns, pattern)
	}
	return t, nil
}

// Build produces a local part from an encoded e-mail address using the
// primary template.
func (t *Templates) Build(encodedEmail string) string {
	return strings.Replace(t.templates[0], emailPlaceholder, encodedEmail, 1)
}

// Extract recovers the encoded e-mail address from a local part, if the
// local part structurally matches any template.
func (t *Templates) Extract(localpart string) (string, bool) {
	for _, pattern := range t.patterns {
		if match := pattern.FindStringSubmatch(localpart); match != nil {
			return match[1], true
		}
	}
	return "", false
}
