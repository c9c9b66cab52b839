package eventhandler

import (
	"context"
	"fmt"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON RANK CHANGED
// Notifies a learner who moved by at least the threshold, or who entered or
// left the top bracket.
// ═══════════════════════════════════════════════════════════════════════════

func (p *Pipelines) rankChangedSteps() []messaging.Step {
	return []messaging.Step{
		{Name: "notify_rank", Run: p.onRankChanged},
	}
}

func (p *Pipelines) onRankChanged(ctx context.Context, ev shared.Event, _ string) error {
	e, ok := eventAs[shared.RankChangedEvent](ev)
	if !ok || e.PreviousRank <= 0 {
		return nil
	}
	msg := p.rankMessage(e)
	if msg == "" {
		return nil
	}
	return p.notifier.Notify(ctx, Notification{
		LearnerID: shared.LearnerID(e.AggregateID()),
		Kind:      "rank_changed",
		Message:   msg,
		DedupeKey: e.EventID(),
	})
}

func (p *Pipelines) rankMessage(e shared.RankChangedEvent) string {
	top := p.cfg.TopN
	switch {
	case e.PreviousRank > top && e.CurrentRank <= top:
		return fmt.Sprintf("You entered the top %d of %s at #%d.", top, e.Board, e.CurrentRank)
	case e.PreviousRank <= top && e.CurrentRank > top:
		return fmt.Sprintf("You left the top %d of %s, now #%d.", top, e.Board, e.CurrentRank)
	}
	change := e.RankChange()
	abs := change
	if abs < 0 {
		abs = -abs
	}
	if abs < p.cfg.RankNotifyThreshold {
		return ""
	}
	if change > 0 {
		return fmt.Sprintf("You climbed %d places on %s to #%d.", change, e.Board, e.CurrentRank)
	}
	return fmt.Sprintf("You are now #%d on %s.", e.CurrentRank, e.Board)
}
