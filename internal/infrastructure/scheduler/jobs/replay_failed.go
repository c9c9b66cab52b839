package jobs

import (
	"context"

	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// FailedStepReplayer re-dispatches dead-lettered events. The engine
// implements it.
type FailedStepReplayer interface {
	FailedSteps() []messaging.DeadLetterEntry
	ReplayFailed(ctx context.Context) int
}

// ReplayFailedJob retries pipeline steps that exhausted their retries.
// Already applied steps are skipped by their idempotency tokens, so a replay
// only redoes what failed.
type ReplayFailedJob struct {
	replayer FailedStepReplayer
	logger   *logger.Logger
}

// NewReplayFailedJob creates the job.
func NewReplayFailedJob(replayer FailedStepReplayer, log *logger.Logger) *ReplayFailedJob {
	if log == nil {
		log = logger.Default()
	}
	return &ReplayFailedJob{replayer: replayer, logger: log.Named("replay_failed")}
}

func (j *ReplayFailedJob) Name() string { return "replay_failed_steps" }

func (j *ReplayFailedJob) Description() string {
	return "Re-dispatches events whose pipeline steps were dead-lettered"
}

func (j *ReplayFailedJob) Run(ctx context.Context) error {
	pending := len(j.replayer.FailedSteps())
	if pending == 0 {
		return nil
	}
	recovered := j.replayer.ReplayFailed(ctx)
	j.logger.Info("replayed failed steps",
		logger.Int("dead_letters", pending),
		logger.Int("recovered_events", recovered),
		logger.Int("still_failing", len(j.replayer.FailedSteps())),
	)
	return ctx.Err()
}
