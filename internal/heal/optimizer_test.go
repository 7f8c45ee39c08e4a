package heal

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestOptimizerPrunesStaleLowConfidence(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	h, _ := newTestHealer(t, testHealConfig(), WithNow(func() time.Time { return base }))
	ctx := context.Background()

	seedPattern(t, h, UsagePattern{
		ID: "stale-weak", Tool: "t", Match: "unknown flag verbose", Confidence: 0.55,
		Created: base.Add(-100 * 24 * time.Hour), LastActive: base,
	})
	seedPattern(t, h, UsagePattern{
		ID: "stale-strong", Tool: "t", Match: "push rejected by remote", Confidence: 0.80,
		Created: base.Add(-100 * 24 * time.Hour), LastActive: base,
	})
	seedPattern(t, h, UsagePattern{
		ID: "young-weak", Tool: "t", Match: "missing credentials helper", Confidence: 0.30,
		Created: base.Add(-10 * 24 * time.Hour), LastActive: base,
	})

	rep, err := h.Optimizer().Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Pruned != 1 {
		t.Errorf("Pruned = %d, want 1", rep.Pruned)
	}

	patterns, _, err := h.Patterns.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("got %d patterns, want 2", len(patterns))
	}
	for _, pat := range patterns {
		if pat.ID == "stale-weak" {
			t.Error("stale low-confidence pattern survived the prune")
		}
	}
}

func TestOptimizerDecayIsIdempotent(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	current := base
	h, _ := newTestHealer(t, testHealConfig(), WithNow(func() time.Time { return current }))
	ctx := context.Background()

	old := base.Add(-105 * 24 * time.Hour) // 75 days beyond the grace window
	seedPattern(t, h, UsagePattern{
		ID: "idle", Tool: "t", Confidence: 0.80,
		Created: old, LastActive: old,
	})

	confidence := func() float64 {
		t.Helper()
		patterns, _, err := h.Patterns.All(ctx)
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		if len(patterns) != 1 {
			t.Fatalf("got %d patterns, want 1", len(patterns))
		}
		return patterns[0].Confidence
	}

	rep, err := h.Optimizer().Run(ctx)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if rep.Decayed != 1 {
		t.Errorf("first pass Decayed = %d, want 1", rep.Decayed)
	}
	if got := confidence(); math.Abs(got-0.78) > 1e-9 {
		t.Errorf("confidence after first pass = %v, want 0.78 (two months decayed)", got)
	}

	// A second pass at the same instant must not decay again.
	rep, err = h.Optimizer().Run(ctx)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if rep.Decayed != 0 {
		t.Errorf("second pass Decayed = %d, want 0", rep.Decayed)
	}
	if got := confidence(); math.Abs(got-0.78) > 1e-9 {
		t.Errorf("confidence after repeat pass = %v, want unchanged 0.78", got)
	}

	// One more month of inactivity costs exactly one more step.
	current = base.Add(30 * 24 * time.Hour)
	rep, err = h.Optimizer().Run(ctx)
	if err != nil {
		t.Fatalf("third Run() error = %v", err)
	}
	if rep.Decayed != 1 {
		t.Errorf("third pass Decayed = %d, want 1", rep.Decayed)
	}
	if got := confidence(); math.Abs(got-0.77) > 1e-9 {
		t.Errorf("confidence after a further month = %v, want 0.77", got)
	}
}

func TestOptimizerMergesSimilarPatterns(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	h, _ := newTestHealer(t, testHealConfig(), WithNow(func() time.Time { return base }))
	ctx := context.Background()

	seedPattern(t, h, UsagePattern{
		ID: "keep", Tool: "git_push", Category: UsageWorkflowSequence,
		Match: "push rejected by remote", Cause: "WORKFLOW_SEQUENCE",
		PreventionText:  "pull before pushing",
		ValidationRules: []string{"r1"},
		Confidence:      0.85, Observations: 2,
		Prevention: PreventionStats{Shown: 2, Prevented: 1, Failed: 1},
		Created:    base.Add(-5 * 24 * time.Hour), LastSeen: base.Add(-time.Hour), LastActive: base,
	})
	seedPattern(t, h, UsagePattern{
		ID: "absorbed", Tool: "git_push", Category: UsageWorkflowSequence,
		Match: "push rejected by remote branch", Cause: "WORKFLOW_SEQUENCE",
		PreventionText:  "different wording",
		ValidationRules: []string{"r2"},
		Confidence:      0.60, Observations: 1,
		Prevention: PreventionStats{Shown: 1},
		Created:    base.Add(-9 * 24 * time.Hour), LastSeen: base, LastActive: base,
	})
	seedPattern(t, h, UsagePattern{
		ID: "other", Tool: "git_tag", Match: "push rejected by remote",
		Cause: "WORKFLOW_SEQUENCE", Confidence: 0.85,
		Created: base.Add(-time.Hour), LastActive: base,
	})

	rep, err := h.Optimizer().Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Merged != 1 {
		t.Errorf("Merged = %d, want 1", rep.Merged)
	}

	patterns, _, err := h.Patterns.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("got %d patterns, want 2 (merged plus the other tool)", len(patterns))
	}

	var merged UsagePattern
	for _, pat := range patterns {
		if pat.Tool == "git_push" {
			merged = pat
		}
	}
	if merged.ID != "keep" {
		t.Fatalf("surviving pattern = %q, want the higher-confidence one", merged.ID)
	}
	if merged.PreventionText != "pull before pushing" {
		t.Errorf("PreventionText = %q, survivor's text must win", merged.PreventionText)
	}
	if merged.Observations != 3 {
		t.Errorf("Observations = %d, want 3", merged.Observations)
	}
	if merged.Prevention.Shown != 3 || merged.Prevention.Prevented != 1 || merged.Prevention.Failed != 1 {
		t.Errorf("Prevention = %+v, want summed stats", merged.Prevention)
	}
	if len(merged.ValidationRules) != 2 {
		t.Errorf("ValidationRules = %v, want union", merged.ValidationRules)
	}
	if !merged.Created.Equal(base.Add(-9 * 24 * time.Hour)) {
		t.Errorf("Created = %v, want the earlier of the two", merged.Created)
	}
	if !merged.LastSeen.Equal(base) {
		t.Errorf("LastSeen = %v, want the later of the two", merged.LastSeen)
	}
	want := patternConfidence(3, 0.5)
	if math.Abs(merged.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %v, want recomputed %v", merged.Confidence, want)
	}
}

func TestOptimizerLeavesDistinctPatternsAlone(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	h, _ := newTestHealer(t, testHealConfig(), WithNow(func() time.Time { return base }))
	ctx := context.Background()

	seedPattern(t, h, UsagePattern{
		ID: "a", Tool: "t", Match: "push rejected by remote",
		Cause: "WORKFLOW_SEQUENCE", Confidence: 0.85,
		Created: base, LastActive: base,
	})
	seedPattern(t, h, UsagePattern{
		ID: "b", Tool: "t", Match: "missing credentials helper",
		Cause: "MISSING_PREREQUISITE", Confidence: 0.85,
		Created: base, LastActive: base,
	})

	rep, err := h.Optimizer().Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Merged != 0 || rep.Pruned != 0 || rep.Decayed != 0 {
		t.Errorf("report = %+v, want a no-op pass", rep)
	}

	patterns, _, err := h.Patterns.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(patterns) != 2 {
		t.Errorf("got %d patterns, want 2", len(patterns))
	}
}

func TestOptimizerStampsLastOptimized(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	h, _ := newTestHealer(t, testHealConfig(), WithNow(func() time.Time { return base }))
	ctx := context.Background()

	if _, err := h.Optimizer().Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	doc, err := h.Patterns.load(ctx)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if !doc.LastOptimized.Equal(base) {
		t.Errorf("LastOptimized = %v, want %v", doc.LastOptimized, base)
	}
}

func TestOptimizerStartHonorsCancellation(t *testing.T) {
	h, _ := newTestHealer(t, testHealConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		h.Optimizer().Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after cancellation")
	}
}

func TestDecayMonths(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		inactive time.Duration
		at       time.Time
		want     int
	}{
		{"zero reference time", 100 * 24 * time.Hour, time.Time{}, 0},
		{"inside grace", 10 * 24 * time.Hour, base, 0},
		{"at grace boundary", 30 * 24 * time.Hour, base, 0},
		{"one month past grace", 60 * 24 * time.Hour, base, 1},
		{"partial month ignored", 75 * 24 * time.Hour, base, 1},
		{"two full months", 105 * 24 * time.Hour, base, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := tt.at
			lastActive := base.Add(-tt.inactive)
			if ref.IsZero() {
				lastActive = base
			}
			if got := decayMonths(lastActive, ref); got != tt.want {
				t.Errorf("decayMonths() = %d, want %d", got, tt.want)
			}
		})
	}
}
