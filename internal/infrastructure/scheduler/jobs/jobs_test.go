package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

type fakeRefresher struct {
	courses  []string
	boards   []leaderboard.Board
	err      error
	deadline bool
}

func (f *fakeRefresher) StandardBoards(courseIDs ...string) []leaderboard.Board {
	f.courses = courseIDs
	boards := []leaderboard.Board{leaderboard.GlobalBoard()}
	for _, id := range courseIDs {
		boards = append(boards, leaderboard.CourseBoard(id))
	}
	return boards
}

func (f *fakeRefresher) RefreshLeaderboards(ctx context.Context, boards []leaderboard.Board) error {
	_, f.deadline = ctx.Deadline()
	f.boards = boards
	return f.err
}

type fakeLocker struct {
	held     bool
	released int
}

func (l *fakeLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if l.held {
		return func() {}, false, nil
	}
	return func() { l.released++ }, true, nil
}

func TestRefreshLeaderboardJob_RefreshesConfiguredBoards(t *testing.T) {
	r := &fakeRefresher{}
	l := &fakeLocker{}
	job := NewRefreshLeaderboardJob(r, l, logger.Nop(), RefreshLeaderboardConfig{CourseIDs: []string{"c1", "c2"}})

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"c1", "c2"}, r.courses)
	assert.Len(t, r.boards, 3)
	assert.True(t, r.deadline)
	assert.Equal(t, 1, l.released)

	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.Boards)
	assert.False(t, stats.Skipped)
}

func TestRefreshLeaderboardJob_SkipsWhenLockHeld(t *testing.T) {
	r := &fakeRefresher{}
	job := NewRefreshLeaderboardJob(r, &fakeLocker{held: true}, logger.Nop(), DefaultRefreshLeaderboardConfig())

	require.NoError(t, job.Run(context.Background()))
	assert.Nil(t, r.boards)
	assert.True(t, job.LastStats().Skipped)
}

func TestRefreshLeaderboardJob_ReportsFailure(t *testing.T) {
	r := &fakeRefresher{err: errors.New("ledger down")}
	job := NewRefreshLeaderboardJob(r, nil, logger.Nop(), DefaultRefreshLeaderboardConfig())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger down")
	assert.Error(t, job.LastStats().Err)
}

type fakeReplayer struct {
	entries []messaging.DeadLetterEntry
	calls   int
}

func (f *fakeReplayer) FailedSteps() []messaging.DeadLetterEntry { return f.entries }
func (f *fakeReplayer) ReplayFailed(ctx context.Context) int {
	f.calls++
	n := len(f.entries)
	f.entries = nil
	return n
}

func TestReplayFailedJob(t *testing.T) {
	r := &fakeReplayer{}
	job := NewReplayFailedJob(r, logger.Nop())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 0, r.calls)

	r.entries = []messaging.DeadLetterEntry{{Step: "progress"}}
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, r.calls)
	assert.Empty(t, r.FailedSteps())
}
