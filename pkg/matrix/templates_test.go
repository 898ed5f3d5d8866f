// Copyright 2024-2026 Aiku AI

package matrix

import "testing"

func TestTemplatesBuildAndExtract(t *testing.T) {
	t.Parallel()
	tmpl, err := NewTemplates([]string{"email_%EMAIL%", "mail.%EMAIL%"})
	if err != nil {
		t.Fatalf("NewTemplates failed: %v", err)
	}

	if got := tmpl.Build("john.doe=40example.org"); got != "email_john.doe=40example.org" {
		t.Errorf("Build: got %q", got)
	}

	cases := []struct {
		localpart string
		encoded   string
		ok        bool
	}{
		{"email_john.doe=40example.org", "john.doe=40example.org", true},
		{"mail.john.doe=40example.org", "john.doe=40example.org", true},
		{"email_", "", false},
		{"someone_else", "", false},
		{"appservice-email", "", false},
	}
	for _, tc := range cases {
		encoded, ok := tmpl.Extract(tc.localpart)
		if ok != tc.ok || encoded != tc.encoded {
			t.Errorf("Extract(%q): got (%q, %v), want (%q, %v)", tc.localpart, encoded, ok, tc.encoded, tc.ok)
		}
	}
}

func TestTemplatesFirstMatchWins(t *testing.T) {
	t.Parallel()
	// Both templates match "email_x"; the first configured one must win
	// and capture the longer suffix.
	tmpl, err := NewTemplates([]string{"email_%EMAIL%", "e%EMAIL%"})
	if err != nil {
		t.Fatal(err)
	}
	encoded, ok := tmpl.Extract("email_john")
	if !ok || encoded != "john" {
		t.Errorf("Extract: got (%q, %v), want (john, true)", encoded, ok)
	}
}

func TestTemplatesRejectMissingPlaceholder(t *testing.T) {
	t.Parallel()
	if _, err := NewTemplates([]string{"email_static"}); err == nil {
		t.Error("template without placeholder accepted")
	}
	if _, err := NewTemplates(nil); err == nil {
		t.Error("empty template list accepted")
	}
	if _, err := NewTemplates([]string{"%EMAIL%_%EMAIL%"}); err == nil {
		t.Error("template with two placeholders accepted")
	}
}
