package engine

import (
	"github.com/squirehq/squire/internal/skills"
	"github.com/squirehq/squire/pkg/models"
)

// wave is a maximal run of consecutive steps sharing a parallel_group, or a
// single ungrouped step. Waves execute strictly in declaration order; steps
// inside a wave run concurrently.
type wave struct {
	group int
	steps []*skills.Step
}

// planWaves partitions the skill's steps into execution waves and rejects
// depends_on edges between members of the same wave, which have no
// deterministic order to wait on.
func planWaves(sk *skills.Skill) ([]wave, error) {
	var waves []wave
	for _, st := range sk.Steps {
		n := len(waves)
		if st.ParallelGroup != 0 && n > 0 && waves[n-1].group == st.ParallelGroup {
			waves[n-1].steps = append(waves[n-1].steps, st)
			continue
		}
		waves = append(waves, wave{group: st.ParallelGroup, steps: []*skills.Step{st}})
	}

	for _, w := range waves {
		if len(w.steps) < 2 {
			continue
		}
		members := make(map[string]struct{}, len(w.steps))
		for _, st := range w.steps {
			members[st.ID] = struct{}{}
		}
		for _, st := range w.steps {
			for _, dep := range st.DependsOn {
				if _, ok := members[dep]; ok {
					return nil, models.NewToolError(models.KindValidation,
						"skill %s: step %q depends on %q inside the same parallel group", sk.Name, st.ID, dep)
				}
			}
		}
	}
	return waves, nil
}
