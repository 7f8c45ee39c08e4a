package skills

import (
	"errors"
	"strings"
	"testing"

	"github.com/squirehq/squire/pkg/models"
)

const releaseSkill = `
name: release
version: "1"
description: tag and announce a release
inputs:
  - name: version
    type: string
    required: true
    pattern: "^v[0-9]+"
  - name: channel
    type: string
    default: stable
    enum: [stable, beta]
steps:
  - id: tag
    tool: git_tag
    args:
      name: "{{ inputs.version }}"
    on_error: retry:2
  - id: notes
    compute: |
      result = "released " + inputs.version
    depends_on: [tag]
  - id: announce
    tool: chat_post
    args:
      text: "{{ notes }}"
    confirm:
      message: "announce {{ inputs.version }}?"
      options:
        - value: "yes"
        - value: "no"
      default: "no"
      timeout_s: 30
outputs:
  version: "{{ inputs.version }}"
  announcement: "{{ notes }}"
`

func mustParse(t *testing.T, doc string) *Skill {
	t.Helper()
	sk, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return sk
}

func kindOf(t *testing.T, err error) models.ErrorKind {
	t.Helper()
	var te *models.ToolError
	if !errors.As(err, &te) {
		t.Fatalf("error %v is not a ToolError", err)
	}
	return te.Kind
}

func TestParseReleaseSkill(t *testing.T) {
	sk := mustParse(t, releaseSkill)

	if sk.Name != "release" {
		t.Errorf("Name = %q, want release", sk.Name)
	}
	if len(sk.Steps) != 3 {
		t.Fatalf("len(Steps) = %d, want 3", len(sk.Steps))
	}
	if got := sk.Steps[0].Kind(); got != "tool" {
		t.Errorf("steps[0].Kind() = %q, want tool", got)
	}
	if got := sk.Steps[1].Kind(); got != "compute" {
		t.Errorf("steps[1].Kind() = %q, want compute", got)
	}
	if got := sk.Steps[1].Binding(); got != "notes" {
		t.Errorf("steps[1].Binding() = %q, want notes", got)
	}
	policy, err := ParseErrorPolicy(sk.Steps[0].OnError)
	if err != nil {
		t.Fatalf("ParseErrorPolicy() error = %v", err)
	}
	if policy.Mode != ErrorRetry || policy.Retries != 2 {
		t.Errorf("policy = %+v, want retry:2", policy)
	}
	if got := sk.ConfirmFor(sk.Steps[2]); got == nil || got.Default != "no" {
		t.Errorf("ConfirmFor(announce) = %+v, want default no", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := `
name: x
steps:
  - id: a
    tool: t
    argz: {}
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("Parse() accepted unknown field argz")
	}
	if got := kindOf(t, err); got != models.KindParse {
		t.Errorf("kind = %v, want parse", got)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantKind models.ErrorKind
		wantMsg  string
	}{
		{
			name:     "empty document",
			doc:      "",
			wantKind: models.KindParse,
			wantMsg:  "empty",
		},
		{
			name:     "missing name",
			doc:      "steps:\n  - id: a\n    tool: t\n",
			wantKind: models.KindValidation,
			wantMsg:  "name is required",
		},
		{
			name:     "no steps",
			doc:      "name: x\nsteps: []\n",
			wantKind: models.KindValidation,
			wantMsg:  "at least one step",
		},
		{
			name:     "duplicate step id",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\n  - id: a\n    tool: t\n",
			wantKind: models.KindValidation,
			wantMsg:  "claimed by both",
		},
		{
			name:     "binding collides with other step",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\n  - id: b\n    tool: t\n    output_binding: a\n",
			wantKind: models.KindValidation,
			wantMsg:  `binding "a"`,
		},
		{
			name:     "reserved step id",
			doc:      "name: x\nsteps:\n  - id: inputs\n    tool: t\n",
			wantKind: models.KindValidation,
			wantMsg:  "reserved",
		},
		{
			name:     "tool and compute together",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\n    compute: 'result = 1'\n",
			wantKind: models.KindValidation,
			wantMsg:  "mutually exclusive",
		},
		{
			name:     "neither tool nor compute nor confirm",
			doc:      "name: x\nsteps:\n  - id: a\n",
			wantKind: models.KindValidation,
			wantMsg:  "needs a tool",
		},
		{
			name:     "bad on_error",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\n    on_error: explode\n",
			wantKind: models.KindValidation,
			wantMsg:  "on_error",
		},
		{
			name:     "retry count zero",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\n    on_error: retry:0\n",
			wantKind: models.KindValidation,
			wantMsg:  "positive integer",
		},
		{
			name:     "depends_on forward reference",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\n    depends_on: [b]\n  - id: b\n    tool: t\n",
			wantKind: models.KindValidation,
			wantMsg:  "not an earlier step",
		},
		{
			name:     "depends_on self",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\n    depends_on: [a]\n",
			wantKind: models.KindValidation,
			wantMsg:  "depends_on itself",
		},
		{
			name:     "unresolved template reference",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\n    args:\n      v: \"{{ nope }}\"\n",
			wantKind: models.KindValidation,
			wantMsg:  "does not resolve",
		},
		{
			name:     "unresolved compute reference",
			doc:      "name: x\nsteps:\n  - id: a\n    compute: 'result = nope + 1'\n",
			wantKind: models.KindValidation,
			wantMsg:  "does not resolve",
		},
		{
			name:     "loop without body",
			doc:      "name: x\nsteps:\n  - id: a\n    loop: 'inputs.items'\n    confirm:\n      message: ok?\n",
			wantKind: models.KindValidation,
			wantMsg:  "loop requires",
		},
		{
			name:     "loop_var without loop",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\n    loop_var: item\n",
			wantKind: models.KindValidation,
			wantMsg:  "loop_var without loop",
		},
		{
			name:     "bad input pattern",
			doc:      "name: x\ninputs:\n  - name: v\n    pattern: '['\nsteps:\n  - id: a\n    tool: t\n",
			wantKind: models.KindValidation,
			wantMsg:  "does not compile",
		},
		{
			name:     "pattern on non-string input",
			doc:      "name: x\ninputs:\n  - name: v\n    type: int\n    pattern: '^a'\nsteps:\n  - id: a\n    tool: t\n",
			wantKind: models.KindValidation,
			wantMsg:  "pattern requires a string",
		},
		{
			name:     "unknown input type",
			doc:      "name: x\ninputs:\n  - name: v\n    type: widget\nsteps:\n  - id: a\n    tool: t\n",
			wantKind: models.KindValidation,
			wantMsg:  "unknown type",
		},
		{
			name:     "confirm default not an option",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\n    confirm:\n      message: ok?\n      options:\n        - value: 'yes'\n      default: maybe\n",
			wantKind: models.KindValidation,
			wantMsg:  "not one of the options",
		},
		{
			name:     "skill confirmation unknown step",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\nconfirmations:\n  - step: ghost\n    message: ok?\n",
			wantKind: models.KindValidation,
			wantMsg:  "unknown step",
		},
		{
			name:     "outputs unresolved reference",
			doc:      "name: x\nsteps:\n  - id: a\n    tool: t\noutputs:\n  v: \"{{ ghost }}\"\n",
			wantKind: models.KindValidation,
			wantMsg:  "does not resolve",
		},
		{
			name:     "cache_ttl on compute step",
			doc:      "name: x\nsteps:\n  - id: a\n    compute: 'result = 1'\n    cache_ttl: 10\n",
			wantKind: models.KindValidation,
			wantMsg:  "cache_ttl only applies",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("Parse() error = nil, want error")
			}
			if got := kindOf(t, err); got != tt.wantKind {
				t.Errorf("kind = %v, want %v (err %v)", got, tt.wantKind, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestTemplateRootsPerStep(t *testing.T) {
	// Loop vars and confirm answers are step-local: visible inside their own
	// step's templates, unresolved anywhere else.
	doc := `
name: fanout
inputs:
  - name: hosts
    type: list
steps:
  - id: ping
    tool: net_ping
    loop: "inputs.hosts"
    loop_var: host
    args:
      target: "{{ host }}"
  - id: gate
    tool: notify
    args:
      ack: "{{ confirm_answer }}"
    confirm:
      message: "proceed?"
      default: "yes"
`
	if _, err := Parse([]byte(doc)); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	leaked := `
name: fanout
inputs:
  - name: hosts
    type: list
steps:
  - id: ping
    tool: net_ping
    loop: "inputs.hosts"
    loop_var: host
    args:
      target: "{{ host }}"
  - id: after
    tool: notify
    args:
      text: "{{ host }}"
`
	if _, err := Parse([]byte(leaked)); err == nil {
		t.Fatal("Parse() accepted a loop var outside its step")
	}
}

func TestConditionToleratesUnknownNames(t *testing.T) {
	// Conditions resolve lazily (undefined → nil), so unknown names are not a
	// load error even though arg templates reject them.
	doc := `
name: x
steps:
  - id: a
    tool: t
    condition: "maybe_later == 'yes'"
`
	if _, err := Parse([]byte(doc)); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
}

func TestBindingNames(t *testing.T) {
	sk := mustParse(t, releaseSkill)
	names := sk.BindingNames()
	want := map[string]bool{"tag": true, "notes": true, "announce": true}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected binding %q", n)
		}
		delete(want, n)
	}
	for n := range want {
		t.Errorf("missing binding %q", n)
	}
}
