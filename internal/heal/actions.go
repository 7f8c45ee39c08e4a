package heal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/squirehq/squire/internal/observability"
)

// Action attempts to repair an infrastructure fault, e.g. reconnect a VPN or
// refresh credentials. The cluster hint tells environment-specific actions
// which target to fix.
type Action func(ctx context.Context, cluster string) error

// ActionSet holds the remediation actions registered at wiring time.
// Timeout failures have no action; they surface with hints only.
type ActionSet struct {
	Network Action
	Auth    Action
}

// actionRunner guards each remediation action with a circuit breaker. Five
// consecutive failures open the breaker for thirty seconds; an open breaker
// means "no fix available", not an error.
type actionRunner struct {
	log      *slog.Logger
	metrics  *observability.Metrics
	actions  ActionSet
	breakers map[InfraCategory]*gobreaker.CircuitBreaker
}

func newActionRunner(log *slog.Logger, metrics *observability.Metrics, actions ActionSet) *actionRunner {
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}
	}
	return &actionRunner{
		log:     log.With("component", "remediation"),
		metrics: metrics,
		actions: actions,
		breakers: map[InfraCategory]*gobreaker.CircuitBreaker{
			InfraNetwork: gobreaker.NewCircuitBreaker(settings("network_fix")),
			InfraAuth:    gobreaker.NewCircuitBreaker(settings("auth_fix")),
		},
	}
}

// actionName is the label a remediation carries in events and fix records.
func actionName(category InfraCategory) string {
	switch category {
	case InfraNetwork:
		return "network_fix"
	case InfraAuth:
		return "auth_fix"
	default:
		return ""
	}
}

// Run executes the remediation for a category. False means no fix was
// applied: nothing registered for the category, breaker open, or the action
// itself failed. Action failures are logged and swallowed; the original
// tool error propagates regardless.
func (r *actionRunner) Run(ctx context.Context, category InfraCategory, cluster string) bool {
	var act Action
	switch category {
	case InfraNetwork:
		act = r.actions.Network
	case InfraAuth:
		act = r.actions.Auth
	}
	if act == nil {
		return false
	}

	name := actionName(category)
	_, err := r.breakers[category].Execute(func() (any, error) {
		return nil, act(ctx, cluster)
	})
	if err != nil {
		status := "failure"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "open"
		}
		r.metrics.RecordRemediation(string(category), status)
		r.log.Warn("remediation action failed", "action", name, "cluster", cluster, "error", err)
		return false
	}

	r.metrics.RecordRemediation(string(category), "success")
	r.log.Info("remediation action succeeded", "action", name, "cluster", cluster)
	return true
}
