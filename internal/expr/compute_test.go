package expr

import (
	"reflect"
	"strings"
	"testing"
)

func TestProgramRun(t *testing.T) {
	src := `
base = inputs.count * 2
label = "total: " + str(base + 1)
result = {"label": label, "value": base + 1}
`
	prog, err := CompileProgram(src)
	if err != nil {
		t.Fatalf("CompileProgram() error = %v", err)
	}
	env := NewEnv(map[string]any{
		"inputs": map[string]any{"count": int64(3)},
	})
	got, err := prog.Run(env)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := map[string]any{"label": "total: 7", "value": int64(7)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Run() = %#v, want %#v", got, want)
	}
}

func TestProgramWithoutResultYieldsNil(t *testing.T) {
	prog, err := CompileProgram("x = 1\ny = x + 1")
	if err != nil {
		t.Fatalf("CompileProgram() error = %v", err)
	}
	got, err := prog.Run(NewEnv(nil))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != nil {
		t.Errorf("Run() = %#v, want nil", got)
	}
}

func TestProgramLocalsDoNotLeak(t *testing.T) {
	prog, err := CompileProgram("temp = 99\nresult = temp")
	if err != nil {
		t.Fatalf("CompileProgram() error = %v", err)
	}
	env := NewEnv(map[string]any{"kept": "outer"})
	if _, err := prog.Run(env); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := env.Lookup("temp"); ok {
		t.Error("program local escaped into the caller's scope")
	}
	if _, ok := env.Lookup("result"); ok {
		t.Error("result binding escaped into the caller's scope")
	}
}

func TestProgramShadowsOuterScope(t *testing.T) {
	prog, err := CompileProgram("n = n + 1\nresult = n")
	if err != nil {
		t.Fatalf("CompileProgram() error = %v", err)
	}
	env := NewEnv(map[string]any{"n": int64(10)})
	got, err := prog.Run(env)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != any(int64(11)) {
		t.Errorf("Run() = %v, want 11", got)
	}
	if v, _ := env.Lookup("n"); v != any(int64(10)) {
		t.Errorf("outer n = %v, want 10 untouched", v)
	}
}

func TestCompileProgramRejects(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"empty", "", "empty compute block"},
		{"only comments", "# nothing\n", "empty compute block"},
		{"bare expression", "1 + 2", "must be assignments"},
		{"comparison is not assignment", "result == 1", "must be assignments"},
		{"two statements on one line", "a = 1 b = 2", "unexpected"},
		{"dangling rhs", "a =", "unexpected end of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileProgram(tt.src)
			if err == nil {
				t.Fatalf("CompileProgram(%q) expected error containing %q, got nil", tt.src, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("CompileProgram(%q) error = %q, want substring %q", tt.src, err, tt.wantErr)
			}
		})
	}
}

func TestProgramStatementsSeparatedBySemicolons(t *testing.T) {
	prog, err := CompileProgram("a = 2; b = a * 3; result = b")
	if err != nil {
		t.Fatalf("CompileProgram() error = %v", err)
	}
	got, err := prog.Run(NewEnv(nil))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != any(int64(6)) {
		t.Errorf("Run() = %v, want 6", got)
	}
}

func TestProgramRunWrapsStatementErrors(t *testing.T) {
	prog, err := CompileProgram("ratio = total / 0\nresult = ratio")
	if err != nil {
		t.Fatalf("CompileProgram() error = %v", err)
	}
	_, err = prog.Run(NewEnv(map[string]any{"total": int64(10)}))
	if err == nil {
		t.Fatal("Run() expected a division error")
	}
	if !strings.Contains(err.Error(), `computing "ratio"`) {
		t.Errorf("Run() error = %q, want the failing assignment named", err)
	}
}

func TestProgramRefs(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{
			"later reads of assigned names are satisfied locally",
			"a = inputs.x\nb = a + steps.fetch.count\nresult = b",
			[]string{"inputs", "steps"},
		},
		{
			"self-referencing assignment reads the outer name",
			"n = n + 1\nresult = n",
			[]string{"n"},
		},
		{
			"no external reads",
			"a = 1\nresult = a",
			[]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := CompileProgram(tt.src)
			if err != nil {
				t.Fatalf("CompileProgram() error = %v", err)
			}
			if got := prog.Refs(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Refs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProgramTargets(t *testing.T) {
	prog, err := CompileProgram("a = 1\nb = 2\na = 3\nresult = a + b")
	if err != nil {
		t.Fatalf("CompileProgram() error = %v", err)
	}
	want := []string{"a", "b", "result"}
	if got := prog.Targets(); !reflect.DeepEqual(got, want) {
		t.Errorf("Targets() = %v, want %v", got, want)
	}
}

func TestProgramMultilineValuesInsideBrackets(t *testing.T) {
	src := "items = [\n  1,\n  2,\n]\nresult = len(items)"
	prog, err := CompileProgram(src)
	if err != nil {
		t.Fatalf("CompileProgram() error = %v", err)
	}
	got, err := prog.Run(NewEnv(nil))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != any(int64(2)) {
		t.Errorf("Run() = %v, want 2", got)
	}
}
