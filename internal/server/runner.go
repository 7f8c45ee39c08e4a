package server

import (
	"context"

	"github.com/squirehq/squire/internal/engine"
	"github.com/squirehq/squire/internal/scheduler"
	"github.com/squirehq/squire/pkg/models"
)

// RunJob implements scheduler.Runner: scheduled skills execute like skill_run
// but outside any workspace, under the synthetic cron session id. Jobs are
// operator-configured, so persona allowlists do not apply; a job's persona,
// when set, is switched in first.
func (s *Server) RunJob(ctx context.Context, job scheduler.Job, sessionID string) error {
	if job.Persona != "" && job.Persona != s.personas.Current() {
		if _, err := s.personas.Switch(ctx, "", job.Persona); err != nil {
			return err
		}
	}

	sk, err := s.skills.Get(job.Skill)
	if err != nil {
		return err
	}

	res, err := s.engine.Run(ctx, engine.Request{
		Skill:     sk,
		Inputs:    models.Args(job.Inputs),
		SessionID: sessionID,
		Config:    s.configView,
	})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}
