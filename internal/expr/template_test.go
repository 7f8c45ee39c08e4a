package expr

import (
	"reflect"
	"strings"
	"testing"
)

func mustTemplate(t *testing.T, src string) *Template {
	t.Helper()
	tpl, err := ParseTemplate(src)
	if err != nil {
		t.Fatalf("ParseTemplate(%q) error = %v", src, err)
	}
	return tpl
}

func TestTemplateRendersMixedText(t *testing.T) {
	vars := map[string]any{
		"name":  "release-1.2",
		"count": int64(3),
	}
	tests := []struct {
		name string
		src  string
		want any
	}{
		{"plain text untouched", "no expressions here", "no expressions here"},
		{"interpolation", "deploying {{ name }} ({{ count }} services)", "deploying release-1.2 (3 services)"},
		{"adjacent expressions", "{{ name }}{{ count }}", "release-1.23"},
		{"nil renders empty", "value: {{ missing }}!", "value: !"},
		{"filters apply", "{{ name | upper }}", "RELEASE-1.2"},
		{"literal braces after expression", "{{ count }}}", "3}"},
		{"empty template", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mustTemplate(t, tt.src).Render(NewEnv(vars))
			if err != nil {
				t.Fatalf("Render(%q) error = %v", tt.src, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Render(%q) = %#v, want %#v", tt.src, got, tt.want)
			}
		})
	}
}

func TestTemplateSingleExpressionKeepsType(t *testing.T) {
	vars := map[string]any{
		"items": []any{int64(1), int64(2)},
		"meta":  map[string]any{"env": "prod"},
		"n":     int64(7),
	}
	tests := []struct {
		name string
		src  string
		want any
	}{
		{"list stays a list", "{{ items }}", []any{int64(1), int64(2)}},
		{"map stays a map", "{{ meta }}", map[string]any{"env": "prod"}},
		{"int stays an int", "{{ n }}", int64(7)},
		{"bool stays a bool", "{{ n > 3 }}", true},
		{"nil stays nil", "{{ missing }}", nil},
		{"computed list", "{{ items + [3] }}", []any{int64(1), int64(2), int64(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mustTemplate(t, tt.src).Render(NewEnv(vars))
			if err != nil {
				t.Fatalf("Render(%q) error = %v", tt.src, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Render(%q) = %#v, want %#v", tt.src, got, tt.want)
			}
		})
	}

	// Any surrounding text forces string rendering.
	got, err := mustTemplate(t, " {{ n }}").Render(NewEnv(vars))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got != any(" 7") {
		t.Errorf("Render() = %#v, want \" 7\"", got)
	}
}

func TestTemplateBracesInsideExpressions(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want any
	}{
		{"map literal", `{{ {"a": 1}["a"] }}`, int64(1)},
		{"nested map literal", `{{ {"outer": {"inner": 2}}.outer.inner }}`, int64(2)},
		{"closing braces in string", `{{ "}}" + "ok" }}`, "}}ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mustTemplate(t, tt.src).Render(NewEnv(nil))
			if err != nil {
				t.Fatalf("Render(%q) error = %v", tt.src, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Render(%q) = %#v, want %#v", tt.src, got, tt.want)
			}
		})
	}
}

func TestParseTemplateErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"missing close", "hello {{ name", "missing closing }}"},
		{"empty expression", "hello {{ }}", "empty expression"},
		{"bad expression", "hello {{ 1 + }}", "unexpected"},
		{"unterminated string", `{{ "abc }}`, "unterminated string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplate(tt.src)
			if err == nil {
				t.Fatalf("ParseTemplate(%q) expected error containing %q, got nil", tt.src, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseTemplate(%q) error = %q, want substring %q", tt.src, err, tt.wantErr)
			}
		})
	}
}

func TestTemplateRenderString(t *testing.T) {
	tpl := mustTemplate(t, "{{ items }}")
	got, err := tpl.RenderString(NewEnv(map[string]any{"items": []any{int64(1), int64(2)}}))
	if err != nil {
		t.Fatalf("RenderString() error = %v", err)
	}
	if got != "[1,2]" {
		t.Errorf("RenderString() = %q, want %q", got, "[1,2]")
	}
}

func TestTemplateRefs(t *testing.T) {
	tpl := mustTemplate(t, "deploy {{ inputs.service }} to {{ env | default(inputs.env) }}")
	want := []string{"env", "inputs"}
	if got := tpl.Refs(); !reflect.DeepEqual(got, want) {
		t.Errorf("Refs() = %v, want %v", got, want)
	}

	plain := mustTemplate(t, "static text")
	if got := plain.Refs(); len(got) != 0 {
		t.Errorf("Refs() = %v, want none", got)
	}
	if plain.HasExprs() {
		t.Error("HasExprs() = true for plain text")
	}
}

func TestTemplateRenderPropagatesEvalErrors(t *testing.T) {
	tpl := mustTemplate(t, "result: {{ 1 / 0 }}")
	if _, err := tpl.Render(NewEnv(nil)); err == nil {
		t.Fatal("Render() expected a division error")
	}
}

func TestParseTemplateCachedReusesParses(t *testing.T) {
	src := "probe {{ " + t.Name() + " }}"
	first, err := ParseTemplateCached(src)
	if err != nil {
		t.Fatalf("ParseTemplateCached() error = %v", err)
	}
	second, err := ParseTemplateCached(src)
	if err != nil {
		t.Fatalf("ParseTemplateCached() error = %v", err)
	}
	if first != second {
		t.Error("ParseTemplateCached() reparsed a cached source")
	}
}
