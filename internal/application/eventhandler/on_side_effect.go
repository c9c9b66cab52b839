package eventhandler

import (
	"context"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// SIDE EFFECT OUTBOX CONSUMER
// Drains queued unlock and completion effects. The dispatcher ledger and
// the stable event IDs make each effect run once.
// ═══════════════════════════════════════════════════════════════════════════

func (p *Pipelines) sideEffectSteps() []messaging.Step {
	return []messaging.Step{
		{Name: "apply_side_effect", Run: p.onSideEffect},
	}
}

func (p *Pipelines) onSideEffect(ctx context.Context, ev shared.Event, token string) error {
	e, ok := eventAs[shared.SideEffectEvent](ev)
	if !ok {
		return nil
	}
	learner := shared.LearnerID(e.AggregateID())
	switch e.Kind {
	case shared.SideEffectXPBonus:
		if e.XP <= 0 {
			return nil
		}
		_, err := p.progress.GrantBonus(ctx, learner, e.XP, token, "achievement:"+e.SourceID, e.OccurredAt())
		return err
	case shared.SideEffectNotification:
		return p.notifier.Notify(ctx, Notification{
			LearnerID: learner,
			Kind:      string(e.Kind),
			Message:   e.Message,
			DedupeKey: e.EventID(),
		})
	case shared.SideEffectCertificate:
		return p.certificates.Issue(ctx, learner, e.CourseID, e.SourceID)
	default:
		p.log.Warn("unknown side effect kind, dropped",
			logger.String("kind", string(e.Kind)),
			logger.EventID(e.EventID()),
		)
		return nil
	}
}
