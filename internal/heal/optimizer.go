package heal

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"
)

const (
	// pruneAge and pruneConfidence delete patterns that are both old and
	// still unconvincing.
	pruneAge        = 90 * 24 * time.Hour
	pruneConfidence = 0.70

	// decayGrace is how long a pattern may sit inactive before losing
	// confidence; decayStep is lost per additional month after that.
	decayGrace = 30 * 24 * time.Hour
	decayMonth = 30 * 24 * time.Hour
	decayStep  = 0.01
)

// Optimizer periodically maintains the usage patterns: pruning stale
// low-confidence entries, decaying inactive ones, and merging
// near-duplicates of the same tool.
type Optimizer struct {
	patterns *PatternStore
	log      *slog.Logger
	now      func() time.Time
	interval time.Duration
}

// OptimizeReport summarizes one maintenance pass.
type OptimizeReport struct {
	Pruned  int `json:"pruned"`
	Decayed int `json:"decayed"`
	Merged  int `json:"merged"`
}

func newOptimizer(patterns *PatternStore, log *slog.Logger, now func() time.Time, interval time.Duration) *Optimizer {
	return &Optimizer{
		patterns: patterns,
		log:      log.With("component", "pattern_optimizer"),
		now:      now,
		interval: interval,
	}
}

// Start runs maintenance passes on the configured interval until the
// context is cancelled.
func (o *Optimizer) Start(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	o.log.Info("pattern optimizer started", "interval", o.interval)

	for {
		select {
		case <-ctx.Done():
			o.log.Info("pattern optimizer stopped")
			return
		case <-ticker.C:
			rep, err := o.Run(ctx)
			if err != nil {
				o.log.Warn("optimizer pass failed", "error", err)
				continue
			}
			if rep.Pruned+rep.Decayed+rep.Merged > 0 {
				o.log.Info("patterns optimized",
					"pruned", rep.Pruned, "decayed", rep.Decayed, "merged", rep.Merged)
			}
		}
	}
}

// Run executes one maintenance pass: prune, then decay, then merge.
func (o *Optimizer) Run(ctx context.Context) (OptimizeReport, error) {
	var report OptimizeReport
	err := o.patterns.mutate(ctx, func(doc *patternsDoc) bool {
		now := o.now().UTC()
		report = optimizeDoc(doc, now)
		doc.LastOptimized = now
		return true
	})
	return report, err
}

func optimizeDoc(doc *patternsDoc, now time.Time) OptimizeReport {
	var rep OptimizeReport

	kept := make([]UsagePattern, 0, len(doc.Patterns))
	for _, pat := range doc.Patterns {
		if now.Sub(pat.Created) > pruneAge && pat.Confidence < pruneConfidence {
			rep.Pruned++
			continue
		}
		kept = append(kept, pat)
	}

	// Decay only the months that passed since the previous optimizer run,
	// so frequent passes don't compound.
	for i := range kept {
		prev := decayMonths(kept[i].LastActive, doc.LastOptimized)
		cur := decayMonths(kept[i].LastActive, now)
		if cur > prev {
			kept[i].Confidence = math.Max(0, kept[i].Confidence-decayStep*float64(cur-prev))
			rep.Decayed++
		}
	}

	doc.Patterns = mergePatterns(kept, &rep)
	return rep
}

// decayMonths counts whole months of inactivity beyond the grace window as
// of time t. Zero when t is unset or inside the window.
func decayMonths(lastActive, t time.Time) int {
	if t.IsZero() {
		return 0
	}
	inactive := t.Sub(lastActive)
	if inactive <= decayGrace {
		return 0
	}
	return int((inactive - decayGrace) / decayMonth)
}

// mergePatterns folds together same-tool patterns whose match and cause
// tokens overlap at or above the similarity threshold. Greedy single pass:
// each survivor absorbs every later similar pattern.
func mergePatterns(pats []UsagePattern, rep *OptimizeReport) []UsagePattern {
	sort.SliceStable(pats, func(i, j int) bool { return pats[i].Confidence > pats[j].Confidence })

	out := make([]UsagePattern, 0, len(pats))
	removed := make([]bool, len(pats))
	for i := range pats {
		if removed[i] {
			continue
		}
		keep := pats[i]
		for j := i + 1; j < len(pats); j++ {
			if removed[j] || pats[j].Tool != keep.Tool {
				continue
			}
			if jaccard(patternTokens(keep), patternTokens(pats[j])) < similarityThreshold {
				continue
			}
			keep = mergePair(keep, pats[j])
			removed[j] = true
			rep.Merged++
		}
		out = append(out, keep)
	}
	return out
}

// mergePair folds b into a: observations and prevention stats are summed,
// validation rules unioned, and confidence recomputed from the combined
// history. a's identity and texts win because it ranked higher.
func mergePair(a, b UsagePattern) UsagePattern {
	a.Observations += b.Observations
	a.Prevention.Shown += b.Prevention.Shown
	a.Prevention.Prevented += b.Prevention.Prevented
	a.Prevention.Failed += b.Prevention.Failed
	a.Prevention.FalsePositive += b.Prevention.FalsePositive
	if !b.Created.IsZero() && b.Created.Before(a.Created) {
		a.Created = b.Created
	}
	if b.LastSeen.After(a.LastSeen) {
		a.LastSeen = b.LastSeen
	}
	if b.LastActive.After(a.LastActive) {
		a.LastActive = b.LastActive
	}
	a.ValidationRules = unionRules(a.ValidationRules, b.ValidationRules)
	a.Confidence = patternConfidence(a.Observations, a.Prevention.SuccessRate())
	return a
}

func unionRules(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := append([]string(nil), a...)
	for _, r := range a {
		seen[r] = struct{}{}
	}
	for _, r := range b {
		if _, ok := seen[r]; !ok {
			out = append(out, r)
			seen[r] = struct{}{}
		}
	}
	return out
}
