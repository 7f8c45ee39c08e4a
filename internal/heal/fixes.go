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

	"github.com/squirehq/squire/internal/store"
	"github.com/squirehq/squire/pkg/models"
)

// FixMemory owns learned/tool_fixes.yaml: remembered failures and the fixes
// that resolved them. Lookups are keyed first by tool name, then by regex
// match of each record's error pattern against the error text. Store I/O
// failures degrade to "no known fixes" with a warning, never an error.
type FixMemory struct {
	store *store.Store
	log   *slog.Logger
	now   func() time.Time

	mu sync.Mutex
}

func newFixMemory(st *store.Store, log *slog.Logger, now func() time.Time) *FixMemory {
	return &FixMemory{store: st, log: log.With("component", "fix_memory"), now: now}
}

func (f *FixMemory) load(ctx context.Context) (fixesDoc, error) {
	var doc fixesDoc
	raw, err := f.store.Read(ctx, fixesPath)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return doc, nil
		}
		return doc, err
	}
	if err := decodeAs(raw, &doc); err != nil {
		return fixesDoc{}, err
	}
	return doc, nil
}

// Lookup returns remembered fixes whose error pattern matches the failure,
// strongest confidence first.
func (f *FixMemory) Lookup(ctx context.Context, tool, errText string) []FixRecord {
	doc, err := f.load(ctx)
	if err != nil {
		f.log.Warn("fix memory unavailable, continuing without known fixes", "error", err)
		return nil
	}

	var matches []FixRecord
	for _, rec := range doc.Fixes {
		if rec.ToolName != tool {
			continue
		}
		re, err := compilePattern(rec.ErrorPattern)
		if err != nil {
			f.log.Warn("skipping fix record with bad pattern",
				"tool", rec.ToolName, "pattern", rec.ErrorPattern, "error", err)
			continue
		}
		if re.MatchString(errText) {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	return matches
}

// Matching returns fix records filtered by optional tool name and error
// text. Empty filters match everything. Used by check_known_issues.
func (f *FixMemory) Matching(ctx context.Context, tool, errText string) ([]FixRecord, error) {
	doc, err := f.load(ctx)
	if err != nil {
		return nil, models.NewToolError(models.KindIO, "read fix memory: %v", err)
	}

	var out []FixRecord
	for _, rec := range doc.Fixes {
		if tool != "" && rec.ToolName != tool {
			continue
		}
		if errText != "" {
			re, err := compilePattern(rec.ErrorPattern)
			if err != nil || !re.MatchString(errText) {
				continue
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ToolName != out[j].ToolName {
			return out[i].ToolName < out[j].ToolName
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out, nil
}

// RecordSuccess reinforces the record matching a remediated failure, or
// seeds a new one from the classifier's matched phrase so the outcome is
// remembered for later learn_tool_fix refinement.
func (f *FixMemory) RecordSuccess(ctx context.Context, tool, errText, matchedPhrase, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		f.log.Warn("fix memory unavailable, remediation outcome not recorded", "error", err)
		return nil
	}

	now := f.now().UTC()
	for i := range doc.Fixes {
		rec := &doc.Fixes[i]
		if rec.ToolName != tool {
			continue
		}
		re, err := compilePattern(rec.ErrorPattern)
		if err != nil || !re.MatchString(errText) {
			continue
		}
		rec.Observations++
		rec.LastSeen = now
		rec.Confidence = raiseConfidence(rec.Confidence, fixConfidence(rec.Observations))
		return f.persist(ctx, doc)
	}

	pattern := matchedPhrase
	if pattern == "" {
		pattern = firstLine(errText, 80)
	}
	doc.Fixes = append(doc.Fixes, FixRecord{
		ToolName:     tool,
		ErrorPattern: regexp.QuoteMeta(pattern),
		RootCause:    action,
		FixText:      fmt.Sprintf("%s resolved this failure; retry after running it", action),
		Confidence:   newConfidence,
		Observations: 1,
		FirstSeen:    now,
		LastSeen:     now,
	})
	return f.persist(ctx, doc)
}

// Learn upserts an explicit fix record. The key is (tool_name,
// error_pattern); an existing record gains an observation and keeps its
// first_seen. Serves learn_tool_fix.
func (f *FixMemory) Learn(ctx context.Context, rec FixRecord) (FixRecord, error) {
	if rec.ToolName == "" {
		return FixRecord{}, models.NewToolError(models.KindValidation, "tool_name is required")
	}
	if rec.ErrorPattern == "" {
		return FixRecord{}, models.NewToolError(models.KindValidation, "error_pattern is required")
	}
	if _, err := compilePattern(rec.ErrorPattern); err != nil {
		return FixRecord{}, models.NewToolError(models.KindValidation, "error_pattern does not compile: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		return FixRecord{}, models.NewToolError(models.KindIO, "read fix memory: %v", err)
	}

	now := f.now().UTC()
	for i := range doc.Fixes {
		existing := &doc.Fixes[i]
		if existing.ToolName != rec.ToolName || existing.ErrorPattern != rec.ErrorPattern {
			continue
		}
		existing.Observations++
		existing.LastSeen = now
		if rec.RootCause != "" {
			existing.RootCause = rec.RootCause
		}
		if rec.FixText != "" {
			existing.FixText = rec.FixText
		}
		existing.Confidence = raiseConfidence(existing.Confidence, fixConfidence(existing.Observations))
		if err := f.store.Write(ctx, fixesPath, doc); err != nil {
			return FixRecord{}, models.NewToolError(models.KindIO, "write fix memory: %v", err)
		}
		return *existing, nil
	}

	rec.Confidence = newConfidence
	rec.Observations = 1
	rec.FirstSeen = now
	rec.LastSeen = now
	doc.Fixes = append(doc.Fixes, rec)
	if err := f.store.Write(ctx, fixesPath, doc); err != nil {
		return FixRecord{}, models.NewToolError(models.KindIO, "write fix memory: %v", err)
	}
	return rec, nil
}

// All returns every fix record, for heal_stats and tests.
func (f *FixMemory) All(ctx context.Context) ([]FixRecord, error) {
	doc, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Fixes, nil
}

// persist schedules a debounced write; reinforcements happen on hot failure
// paths and coalesce into one flush.
func (f *FixMemory) persist(ctx context.Context, doc fixesDoc) error {
	if err := f.store.WriteDebounced(ctx, fixesPath, doc); err != nil {
		f.log.Warn("fix memory write failed", "error", err)
		return nil
	}
	return nil
}

// fixConfidence maps observation count to confidence, capped below 1 so a
// remembered fix is never treated as certain.
func fixConfidence(observations int) float64 {
	c := 0.5 + math.Log10(float64(observations)+1)/2
	return math.Min(confidenceCeiling, c)
}

// raiseConfidence never lowers an earned confidence.
func raiseConfidence(current, proposed float64) float64 {
	return math.Min(confidenceCeiling, math.Max(current, proposed))
}

func firstLine(s string, limit int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

// renderFixHint formats one remembered fix as a hint line.
func renderFixHint(rec FixRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "known fix (confidence %.2f): %s", rec.Confidence, rec.FixText)
	if rec.RootCause != "" {
		fmt.Fprintf(&b, " (root cause: %s)", rec.RootCause)
	}
	return b.String()
}
