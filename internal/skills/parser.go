package skills

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/squirehq/squire/internal/expr"
	"github.com/squirehq/squire/pkg/models"
)

var validInputTypes = map[string]struct{}{
	"":       {},
	"string": {},
	"int":    {},
	"float":  {},
	"bool":   {},
	"list":   {},
	"map":    {},
}

// Parse decodes a skill document strictly (unknown fields rejected) and
// validates it. The returned skill is ready for execution.
func Parse(data []byte) (*Skill, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sk Skill
	if err := dec.Decode(&sk); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, models.NewToolError(models.KindParse, "skill document is empty")
		}
		return nil, models.NewToolError(models.KindParse, "decode skill: %v", err)
	}
	if err := Validate(&sk); err != nil {
		return nil, err
	}
	return &sk, nil
}

// ParseFile reads and parses the skill at path.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewToolError(models.KindNotFound, "skill file %s not found", path)
		}
		return nil, models.NewToolError(models.KindIO, "read skill %s: %v", path, err)
	}
	sk, err := Parse(data)
	if err != nil {
		if te := new(models.ToolError); errors.As(err, &te) {
			te.Message = fmt.Sprintf("%s: %s", path, te.Message)
			return nil, te
		}
		return nil, err
	}
	sk.Path = path
	return sk, nil
}

// Validate checks a decoded skill: input constraints are well formed, step
// ids are unique, every template parses, and every reference resolves to a
// known step binding, input root, or loop variable. Ambiguous documents are
// rejected here rather than at execution time.
func Validate(sk *Skill) error {
	if sk.Name == "" {
		return invalid(sk, "name is required")
	}
	if len(sk.Steps) == 0 {
		return invalid(sk, "at least one step is required")
	}

	if err := validateInputs(sk); err != nil {
		return err
	}

	bindings, err := collectBindings(sk)
	if err != nil {
		return err
	}

	// Roots visible to every template: fixed names plus all step bindings.
	// Step-local names (loop vars, confirm_answer) are added per step.
	roots := make(map[string]struct{}, len(bindings)+len(reservedNames))
	for name := range bindings {
		roots[name] = struct{}{}
	}
	for name := range reservedNames {
		roots[name] = struct{}{}
	}

	seenSteps := make(map[string]int, len(sk.Steps))
	for i, st := range sk.Steps {
		if err := validateStep(sk, st, i, seenSteps, roots); err != nil {
			return err
		}
		seenSteps[st.ID] = i
	}

	if err := validateConfirmations(sk, seenSteps); err != nil {
		return err
	}

	return validateOutputs(sk, roots)
}

func validateInputs(sk *Skill) error {
	seen := make(map[string]struct{}, len(sk.Inputs))
	for _, in := range sk.Inputs {
		if in.Name == "" {
			return invalid(sk, "input name is required")
		}
		if _, dup := seen[in.Name]; dup {
			return invalid(sk, "duplicate input %q", in.Name)
		}
		seen[in.Name] = struct{}{}

		if _, ok := validInputTypes[in.Type]; !ok {
			return invalid(sk, "input %q: unknown type %q", in.Name, in.Type)
		}
		if in.Pattern != "" {
			if in.Type != "" && in.Type != "string" {
				return invalid(sk, "input %q: pattern requires a string type", in.Name)
			}
			if _, err := regexp.Compile(in.Pattern); err != nil {
				return invalid(sk, "input %q: pattern does not compile: %v", in.Name, err)
			}
		}
		if in.Required && in.Default != nil {
			return invalid(sk, "input %q: required inputs cannot carry a default", in.Name)
		}
	}
	return nil
}

// collectBindings gathers every name a step result publishes under and
// rejects collisions between ids, output bindings, and reserved roots.
func collectBindings(sk *Skill) (map[string]string, error) {
	bindings := make(map[string]string, len(sk.Steps)) // name → owning step id
	claim := func(name, stepID string) error {
		if _, reserved := reservedNames[name]; reserved {
			return invalid(sk, "step %q: %q is a reserved name", stepID, name)
		}
		if owner, taken := bindings[name]; taken && owner != stepID {
			return invalid(sk, "binding %q is claimed by both %q and %q", name, owner, stepID)
		}
		bindings[name] = stepID
		return nil
	}
	for _, st := range sk.Steps {
		if st.ID == "" {
			return nil, invalid(sk, "every step needs an id")
		}
		if err := claim(st.ID, st.ID); err != nil {
			return nil, err
		}
		if st.OutputBinding != "" {
			if err := claim(st.OutputBinding, st.ID); err != nil {
				return nil, err
			}
		}
	}
	return bindings, nil
}

func validateStep(sk *Skill, st *Step, idx int, earlier map[string]int, roots map[string]struct{}) error {
	if _, dup := earlier[st.ID]; dup {
		return invalid(sk, "duplicate step id %q", st.ID)
	}

	switch {
	case st.Tool != "" && st.Compute != "":
		return stepErr(sk, st, "tool and compute are mutually exclusive")
	case st.Tool == "" && st.Compute == "" && sk.ConfirmFor(st) == nil:
		return stepErr(sk, st, "step needs a tool, a compute block, or a confirmation")
	}
	if st.Compute != "" && len(st.Args) > 0 {
		return stepErr(sk, st, "args only apply to tool steps")
	}
	if st.CacheTTLSecs > 0 && st.Tool == "" {
		return stepErr(sk, st, "cache_ttl only applies to tool steps")
	}
	if st.CacheTTLSecs < 0 {
		return stepErr(sk, st, "cache_ttl cannot be negative")
	}
	if st.TimeoutSecs < 0 {
		return stepErr(sk, st, "timeout_s cannot be negative")
	}
	if st.ParallelGroup < 0 {
		return stepErr(sk, st, "parallel_group cannot be negative")
	}

	if _, err := ParseErrorPolicy(st.OnError); err != nil {
		return stepErr(sk, st, "%v", err)
	}

	// Dependencies must point at earlier steps so declaration order remains
	// a valid execution order.
	for _, dep := range st.DependsOn {
		if dep == st.ID {
			return stepErr(sk, st, "depends_on itself")
		}
		if _, ok := earlier[dep]; !ok {
			return stepErr(sk, st, "depends_on %q which is not an earlier step", dep)
		}
	}

	// Step-local scope: loop variable and, when confirmed, the answer.
	local := roots
	if st.Loop != "" || sk.ConfirmFor(st) != nil {
		local = make(map[string]struct{}, len(roots)+2)
		for name := range roots {
			local[name] = struct{}{}
		}
	}

	if st.Loop != "" {
		if st.Tool == "" && st.Compute == "" {
			return stepErr(sk, st, "loop requires a tool or compute body")
		}
		loopExpr, err := expr.Compile(st.Loop)
		if err != nil {
			return stepErr(sk, st, "loop does not parse: %v", err)
		}
		if err := checkRefs(loopExpr.Refs(), roots); err != nil {
			return stepErr(sk, st, "loop: %v", err)
		}
		loopVar := st.LoopVar
		if loopVar == "" {
			loopVar = DefaultLoopVar
		}
		if _, reserved := reservedNames[loopVar]; reserved {
			return stepErr(sk, st, "loop_var %q is a reserved name", loopVar)
		}
		if _, taken := local[loopVar]; taken {
			return stepErr(sk, st, "loop_var %q shadows an existing binding", loopVar)
		}
		local[loopVar] = struct{}{}
	} else if st.LoopVar != "" {
		return stepErr(sk, st, "loop_var without loop")
	}

	if spec := sk.ConfirmFor(st); spec != nil {
		if err := validateConfirmSpec(spec); err != nil {
			return stepErr(sk, st, "%v", err)
		}
		local["confirm_answer"] = struct{}{}
	}

	if st.Condition != "" {
		cond, err := expr.Compile(st.Condition)
		if err != nil {
			return stepErr(sk, st, "condition does not parse: %v", err)
		}
		// Conditions tolerate undefined names at runtime, so references are
		// not resolved here.
		_ = cond
	}

	if st.Tool != "" {
		if err := walkTemplates(st.Args, func(src string) error {
			tpl, err := expr.ParseTemplate(src)
			if err != nil {
				return fmt.Errorf("template %q does not parse: %v", src, err)
			}
			return checkRefs(tpl.Refs(), local)
		}); err != nil {
			return stepErr(sk, st, "%v", err)
		}
	}

	if st.Compute != "" {
		prog, err := expr.CompileProgram(st.Compute)
		if err != nil {
			return stepErr(sk, st, "compute does not parse: %v", err)
		}
		if err := checkRefs(prog.Refs(), local); err != nil {
			return stepErr(sk, st, "compute: %v", err)
		}
	}

	return nil
}

func validateConfirmSpec(spec *ConfirmSpec) error {
	if spec.Message == "" {
		return errors.New("confirmation message is required")
	}
	if spec.TimeoutSeconds < 0 {
		return errors.New("confirmation timeout_s cannot be negative")
	}
	if spec.Default != "" && len(spec.Options) > 0 {
		ok := false
		for _, opt := range spec.Options {
			if opt.Value == spec.Default {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("confirmation default %q is not one of the options", spec.Default)
		}
	}
	if _, err := expr.ParseTemplate(spec.Message); err != nil {
		return fmt.Errorf("confirmation message does not parse: %v", err)
	}
	return nil
}

func validateConfirmations(sk *Skill, steps map[string]int) error {
	seen := make(map[string]struct{}, len(sk.Confirmations))
	for i := range sk.Confirmations {
		spec := &sk.Confirmations[i]
		if spec.Step == "" {
			return invalid(sk, "skill-level confirmations must name a step")
		}
		if _, ok := steps[spec.Step]; !ok {
			return invalid(sk, "confirmation references unknown step %q", spec.Step)
		}
		if _, dup := seen[spec.Step]; dup {
			return invalid(sk, "step %q has more than one skill-level confirmation", spec.Step)
		}
		seen[spec.Step] = struct{}{}
		if err := validateConfirmSpec(spec); err != nil {
			return invalid(sk, "confirmation for %q: %v", spec.Step, err)
		}
	}
	return nil
}

func validateOutputs(sk *Skill, roots map[string]struct{}) error {
	return walkTemplates(sk.Outputs, func(src string) error {
		tpl, err := expr.ParseTemplate(src)
		if err != nil {
			return invalid(sk, "output template %q does not parse: %v", src, err)
		}
		if err := checkRefs(tpl.Refs(), roots); err != nil {
			return invalid(sk, "outputs: %v", err)
		}
		return nil
	})
}

// walkTemplates visits every string leaf in a nested args/outputs value.
func walkTemplates(v any, visit func(src string) error) error {
	switch val := v.(type) {
	case string:
		return visit(val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := walkTemplates(val[k], visit); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range val {
			if err := walkTemplates(item, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkRefs(refs []string, known map[string]struct{}) error {
	for _, ref := range refs {
		if _, ok := known[ref]; !ok {
			return fmt.Errorf("reference %q does not resolve to an input, step, or binding", ref)
		}
	}
	return nil
}

func invalid(sk *Skill, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if sk.Name != "" {
		msg = fmt.Sprintf("skill %s: %s", sk.Name, msg)
	}
	return models.NewToolError(models.KindValidation, "%s", msg)
}

func stepErr(sk *Skill, st *Step, format string, args ...any) error {
	return invalid(sk, "step %q: %s", st.ID, fmt.Sprintf(format, args...))
}

// DefaultLoopVar binds loop elements when loop_var is omitted.
const DefaultLoopVar = "item"
