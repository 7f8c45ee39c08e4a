package store

import (
	"reflect"
	"testing"
	"time"
)

func TestGetPointer(t *testing.T) {
	doc := map[string]any{
		"a": map[string]any{
			"b": []any{
				map[string]any{"c": 1},
				"two",
			},
		},
	}

	tests := []struct {
		pointer string
		want    any
		ok      bool
	}{
		{"", doc, true},
		{"a.b.0.c", 1, true},
		{"a.b.1", "two", true},
		{"a.missing", nil, false},
		{"a.b.5", nil, false},
		{"a.b.x", nil, false},
		{"a.b.0.c.d", nil, false},
	}
	for _, tt := range tests {
		got, ok := getPointer(doc, tt.pointer)
		if ok != tt.ok {
			t.Errorf("getPointer(%q) ok = %v, want %v", tt.pointer, ok, tt.ok)
			continue
		}
		if ok && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("getPointer(%q) = %#v, want %#v", tt.pointer, got, tt.want)
		}
	}
}

func TestSetPointer(t *testing.T) {
	root, err := setPointer(nil, "a.b.c", 42)
	if err != nil {
		t.Fatalf("setPointer() error = %v", err)
	}
	if got, _ := getPointer(root, "a.b.c"); got != 42 {
		t.Errorf("setPointer() produced %#v", root)
	}

	// Empty pointer replaces the document wholesale.
	replaced, err := setPointer(root, "", []any{1})
	if err != nil {
		t.Fatalf("setPointer(\"\") error = %v", err)
	}
	if _, ok := replaced.([]any); !ok {
		t.Errorf("replacement = %#v, want list", replaced)
	}

	// A scalar in the middle of the path is an error, not an overwrite.
	doc := map[string]any{"a": "scalar"}
	if _, err := setPointer(doc, "a.b", 1); err == nil {
		t.Error("setPointer() through scalar should fail")
	}

	// Non-map roots cannot take pointered sets.
	if _, err := setPointer([]any{}, "a", 1); err == nil {
		t.Error("setPointer() on list root should fail")
	}
}

func TestDeepCopyIsolation(t *testing.T) {
	src := map[string]any{
		"list": []any{map[string]any{"n": 1}},
	}
	dst := deepCopy(src).(map[string]any)
	dst["list"].([]any)[0].(map[string]any)["n"] = 99

	if src["list"].([]any)[0].(map[string]any)["n"] != 1 {
		t.Error("deepCopy shared nested structure")
	}
}

func TestNormalizeDoc(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := map[string]any{
		"when": ts,
		"meta": map[any]any{
			1:   "one",
			"k": ts,
		},
		"list": []any{ts},
	}

	got := normalizeDoc(doc).(map[string]any)
	if got["when"] != "2025-03-01T12:00:00Z" {
		t.Errorf("when = %#v", got["when"])
	}
	meta, ok := got["meta"].(map[string]any)
	if !ok {
		t.Fatalf("meta = %T, want map[string]any", got["meta"])
	}
	if meta["1"] != "one" || meta["k"] != "2025-03-01T12:00:00Z" {
		t.Errorf("meta = %#v", meta)
	}
	if got["list"].([]any)[0] != "2025-03-01T12:00:00Z" {
		t.Errorf("list = %#v", got["list"])
	}
}
