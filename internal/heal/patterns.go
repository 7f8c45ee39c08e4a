package heal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/squirehq/squire/internal/config"
	"github.com/squirehq/squire/internal/observability"
	"github.com/squirehq/squire/internal/store"
	"github.com/squirehq/squire/pkg/models"
)

// RuleFunc evaluates one validation rule against a call scope. The scope
// carries "tool" and "args". An error means the rule could not be decided;
// the pattern then does not fire.
type RuleFunc func(rule string, scope map[string]any) (bool, error)

// PrecheckOutcome is the severity of a usage-pattern pre-check.
type PrecheckOutcome string

const (
	OutcomePass  PrecheckOutcome = "pass"
	OutcomeInfo  PrecheckOutcome = "info"
	OutcomeWarn  PrecheckOutcome = "warn"
	OutcomeBlock PrecheckOutcome = "block"
)

// PrecheckResult reports what the pattern store thinks of an imminent call.
type PrecheckResult struct {
	Outcome PrecheckOutcome

	// Pattern is the strongest matching pattern, nil on pass.
	Pattern *UsagePattern

	// Hints carries prevention texts for every surfaced pattern.
	Hints []models.FixHint
}

// PatternStore owns learned/usage_patterns.yaml: learned tool misuse with
// the prevention stats that feed confidence. Per-tool match sets are cached
// with a TTL; any mutation invalidates the cache. Store I/O failures degrade
// to "no known patterns" with a warning.
type PatternStore struct {
	store   *store.Store
	log     *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	eval    RuleFunc
	cfg     config.HealConfig

	mu    sync.Mutex
	cache *expirable.LRU[string, []UsagePattern]
}

func newPatternStore(st *store.Store, log *slog.Logger, metrics *observability.Metrics, now func() time.Time, eval RuleFunc, cfg config.HealConfig) *PatternStore {
	return &PatternStore{
		store:   st,
		log:     log.With("component", "usage_patterns"),
		metrics: metrics,
		now:     now,
		eval:    eval,
		cfg:     cfg,
		cache:   expirable.NewLRU[string, []UsagePattern](cfg.PatternCacheSize, nil, cfg.PatternCacheTTL),
	}
}

// Precheck tests an imminent call against learned patterns and decides
// whether it should be blocked, warned about, or annotated. Every surfaced
// pattern's shown counter is bumped.
func (p *PatternStore) Precheck(ctx context.Context, tool string, args models.Args) PrecheckResult {
	patterns := p.forTool(ctx, tool)
	if len(patterns) == 0 {
		return PrecheckResult{Outcome: OutcomePass}
	}

	callCtx := renderCallContext(tool, args)
	scope := map[string]any{"tool": tool, "args": map[string]any(args)}

	var matched []UsagePattern
	for _, pat := range patterns {
		if p.patternFires(pat, callCtx, scope) {
			matched = append(matched, pat)
		}
	}
	if len(matched) == 0 {
		return PrecheckResult{Outcome: OutcomePass}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Confidence > matched[j].Confidence })

	best := matched[0]
	res := PrecheckResult{Pattern: &best}
	switch {
	case best.Confidence >= p.cfg.BlockThreshold:
		res.Outcome = OutcomeBlock
	case best.Confidence >= p.cfg.WarnThreshold:
		res.Outcome = OutcomeWarn
	case best.Confidence >= p.cfg.InfoThreshold:
		res.Outcome = OutcomeInfo
	default:
		return PrecheckResult{Outcome: OutcomePass}
	}

	shown := make([]string, 0, len(matched))
	for _, pat := range matched {
		if pat.Confidence < p.cfg.InfoThreshold {
			break
		}
		res.Hints = append(res.Hints, models.FixHint{Text: pat.PreventionText, Source: models.HintFromUsagePattern})
		shown = append(shown, pat.ID)
	}
	p.recordShown(ctx, shown)
	return res
}

// patternFires reports whether a pattern matches the call. The match regex
// tests the rendered call context; validation rules test the arguments. All
// configured parts must agree. Anything undecidable counts as no match.
func (p *PatternStore) patternFires(pat UsagePattern, callCtx string, scope map[string]any) bool {
	if pat.Match != "" {
		re, err := compilePattern(pat.Match)
		if err != nil {
			p.log.Warn("skipping pattern with bad match regex", "pattern", pat.ID, "error", err)
			return false
		}
		if !re.MatchString(callCtx) {
			return false
		}
	}
	if len(pat.ValidationRules) > 0 && p.eval == nil {
		return false
	}
	for _, rule := range pat.ValidationRules {
		ok, err := p.eval(rule, scope)
		if err != nil {
			p.log.Warn("validation rule failed to evaluate", "pattern", pat.ID, "rule", rule, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// RecordPrevention feeds a warned call's outcome back into the pattern's
// prevention stats. Confidence is left to the learner and optimizer.
func (p *PatternStore) RecordPrevention(ctx context.Context, patternID string, succeeded bool) {
	err := p.mutate(ctx, func(doc *patternsDoc) bool {
		for i := range doc.Patterns {
			if doc.Patterns[i].ID != patternID {
				continue
			}
			if succeeded {
				doc.Patterns[i].Prevention.Prevented++
				doc.Stats.Prevented++
			} else {
				doc.Patterns[i].Prevention.Failed++
				doc.Stats.Failed++
			}
			doc.Patterns[i].LastActive = p.now().UTC()
			return true
		}
		return false
	})
	if err != nil {
		p.log.Warn("prevention outcome not recorded", "pattern", patternID, "error", err)
	}
}

// MarkFalsePositive records that a surfaced warning was wrong.
func (p *PatternStore) MarkFalsePositive(ctx context.Context, patternID string) {
	err := p.mutate(ctx, func(doc *patternsDoc) bool {
		for i := range doc.Patterns {
			if doc.Patterns[i].ID != patternID {
				continue
			}
			doc.Patterns[i].Prevention.FalsePositive++
			doc.Stats.FalsePositive++
			return true
		}
		return false
	})
	if err != nil {
		p.log.Warn("false positive not recorded", "pattern", patternID, "error", err)
	}
}

// LearnFailure derives a pattern from a classified usage failure. A similar
// existing pattern (same tool, token similarity at or above 0.70) is
// reinforced; otherwise a new pattern starts at confidence 0.5. Returns the
// stored pattern and whether it was newly created.
func (p *PatternStore) LearnFailure(ctx context.Context, tool, errText string, cls Classification) (UsagePattern, bool) {
	if cls.Type != FailureUsage {
		return UsagePattern{}, false
	}

	now := p.now().UTC()
	candidate := UsagePattern{
		ID:             uuid.NewString(),
		Tool:           tool,
		Category:       cls.Usage,
		Match:          regexp.QuoteMeta(firstLine(errText, 120)),
		Cause:          renderCause(cls),
		PreventionText: renderPrevention(tool, cls),
		Confidence:     newConfidence,
		Observations:   1,
		Created:        now,
		LastSeen:       now,
		LastActive:     now,
	}

	var stored UsagePattern
	created := false
	err := p.mutate(ctx, func(doc *patternsDoc) bool {
		candTokens := patternTokens(candidate)
		for i := range doc.Patterns {
			existing := &doc.Patterns[i]
			if existing.Tool != tool {
				continue
			}
			if jaccard(patternTokens(*existing), candTokens) < similarityThreshold {
				continue
			}
			existing.Observations++
			existing.LastSeen = now
			existing.LastActive = now
			existing.Confidence = raiseConfidence(existing.Confidence,
				patternConfidence(existing.Observations, existing.Prevention.SuccessRate()))
			stored = *existing
			return true
		}
		doc.Patterns = append(doc.Patterns, candidate)
		stored = candidate
		created = true
		return true
	})
	if err != nil {
		p.log.Warn("usage failure not learned", "tool", tool, "error", err)
		return UsagePattern{}, false
	}
	p.metrics.PatternLearned()
	return stored, created
}

// All returns every pattern plus the aggregate prevention totals.
func (p *PatternStore) All(ctx context.Context) ([]UsagePattern, PreventionTotals, error) {
	doc, err := p.load(ctx)
	if err != nil {
		return nil, PreventionTotals{}, err
	}
	return doc.Patterns, doc.Stats, nil
}

// forTool returns the patterns for one tool, serving from the TTL cache
// when fresh.
func (p *PatternStore) forTool(ctx context.Context, tool string) []UsagePattern {
	if cached, ok := p.cache.Get(tool); ok {
		return cached
	}
	doc, err := p.load(ctx)
	if err != nil {
		p.log.Warn("pattern store unavailable, continuing without known patterns", "error", err)
		return nil
	}
	var out []UsagePattern
	for _, pat := range doc.Patterns {
		if pat.Tool == tool {
			out = append(out, pat)
		}
	}
	p.cache.Add(tool, out)
	return out
}

func (p *PatternStore) load(ctx context.Context) (patternsDoc, error) {
	var doc patternsDoc
	raw, err := p.store.Read(ctx, patternsPath)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return doc, nil
		}
		return doc, err
	}
	if err := decodeAs(raw, &doc); err != nil {
		return patternsDoc{}, err
	}
	return doc, nil
}

// mutate runs a read-modify-write over the patterns document under the
// store's per-document lock plus this store's own mutex, persisting and
// invalidating the cache only when fn reports a change.
func (p *PatternStore) mutate(ctx context.Context, fn func(doc *patternsDoc) bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.load(ctx)
	if err != nil {
		return err
	}
	if !fn(&doc) {
		return nil
	}
	if err := p.store.WriteDebounced(ctx, patternsPath, doc); err != nil {
		return err
	}
	p.cache.Purge()
	return nil
}

// recordShown bumps the shown counters of surfaced patterns, best effort.
func (p *PatternStore) recordShown(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	err := p.mutate(ctx, func(doc *patternsDoc) bool {
		changed := false
		for i := range doc.Patterns {
			for _, id := range ids {
				if doc.Patterns[i].ID == id {
					doc.Patterns[i].Prevention.Shown++
					doc.Stats.Shown++
					changed = true
				}
			}
		}
		return changed
	})
	if err != nil {
		p.log.Warn("shown counters not recorded", "error", err)
	}
}

// similarityThreshold decides when a derived pattern reinforces an existing
// one instead of creating a duplicate, and when the optimizer merges two.
const similarityThreshold = 0.70

// patternConfidence maps observations and prevention success into a
// confidence, capped below 1.
func patternConfidence(observations int, successRate float64) float64 {
	c := 0.5 + math.Log10(float64(observations)+1)/2 + 0.2*(successRate-0.5)
	return math.Min(confidenceCeiling, c)
}

// renderCallContext flattens a call into one matchable line: the tool name
// followed by sorted key=value argument pairs.
func renderCallContext(tool string, args models.Args) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(tool)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, args[k])
	}
	return b.String()
}

func renderCause(cls Classification) string {
	parts := []string{string(cls.Usage)}
	if cls.Parameter != "" {
		parts = append(parts, "parameter "+cls.Parameter)
	}
	if cls.Prerequisite != "" {
		parts = append(parts, "requires "+cls.Prerequisite)
	}
	return strings.Join(parts, ": ")
}

func renderPrevention(tool string, cls Classification) string {
	switch cls.Usage {
	case UsageIncorrectParameter:
		if cls.Parameter != "" {
			return fmt.Sprintf("check the %q parameter before calling %s", cls.Parameter, tool)
		}
		return fmt.Sprintf("double-check the parameters of %s", tool)
	case UsageParameterFormat:
		if cls.Parameter != "" && cls.Expected != "" {
			return fmt.Sprintf("parameter %q of %s must be %s", cls.Parameter, tool, cls.Expected)
		}
		if cls.Parameter != "" {
			return fmt.Sprintf("parameter %q of %s has a required format", cls.Parameter, tool)
		}
		return fmt.Sprintf("an argument of %s has a required format", tool)
	case UsageMissingPrerequisite:
		if cls.Prerequisite != "" {
			return fmt.Sprintf("ensure %s before calling %s", cls.Prerequisite, tool)
		}
		return fmt.Sprintf("a prerequisite of %s is missing", tool)
	case UsageWorkflowSequence:
		if cls.Prerequisite != "" {
			return fmt.Sprintf("run %s before %s", cls.Prerequisite, tool)
		}
		return fmt.Sprintf("%s was called out of order", tool)
	case UsageWrongTool:
		if cls.Expected != "" {
			return fmt.Sprintf("use %s instead of %s here", cls.Expected, tool)
		}
		return fmt.Sprintf("%s may be the wrong tool for this step", tool)
	default:
		return fmt.Sprintf("review how %s is being called", tool)
	}
}

// patternTokens is the token set similarity and merging operate on: the
// pattern's match regex and cause, lowercased and split on non-alphanumerics.
func patternTokens(pat UsagePattern) map[string]struct{} {
	return tokenSet(pat.Match + " " + pat.Cause)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[tok] = struct{}{}
	}
	return out
}

// jaccard is intersection over union of two token sets. Two empty sets are
// identical; one empty set matches nothing.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
