package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/review"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

var t0 = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

type countingRefresher struct {
	calls int
	xp    map[shared.LearnerID]int64
}

func (r *countingRefresher) Refresh(_ context.Context, board leaderboard.Board) (*leaderboard.Snapshot, error) {
	r.calls++
	rk := leaderboard.NewRanking(len(board.Members))
	for _, m := range board.Members {
		if err := rk.Add(m, r.xp[m], t0); err != nil {
			return nil, err
		}
	}
	rk.Sort()
	return leaderboard.NewSnapshot(fmt.Sprintf("snap-%d", r.calls), board, rk, t0), nil
}

func seedBoard(t *testing.T, store *memory.SnapshotStore, n int) {
	t.Helper()
	rk := leaderboard.NewRanking(n)
	for i := 0; i < n; i++ {
		require.NoError(t, rk.Add(shared.LearnerID(fmt.Sprintf("l%02d", i)), int64(1000-i*10), t0))
	}
	rk.Sort()
	require.NoError(t, store.Swap(context.Background(), leaderboard.NewSnapshot("s1", leaderboard.GlobalBoard(), rk, t0)))
}

func TestGetLeaderboard_Pages(t *testing.T) {
	store := memory.NewSnapshotStore()
	seedBoard(t, store, 25)
	h := NewGetLeaderboardHandler(store, nil, timeutil.NewFixedClock(t0), time.UTC)

	res, err := h.Handle(context.Background(), GetLeaderboardQuery{Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, "s1", res.SnapshotID)
	assert.Equal(t, 25, res.TotalCount)
	require.Len(t, res.Entries, 10)
	assert.Equal(t, 11, res.Entries[0].Rank)
	assert.True(t, res.HasMore)

	res, err = h.Handle(context.Background(), GetLeaderboardQuery{Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 5)
	assert.False(t, res.HasMore)
}

func TestGetLeaderboard_MeAndNeighbors(t *testing.T) {
	store := memory.NewSnapshotStore()
	seedBoard(t, store, 10)
	h := NewGetLeaderboardHandler(store, nil, timeutil.NewFixedClock(t0), time.UTC)

	res, err := h.Handle(context.Background(), GetLeaderboardQuery{LearnerID: "l05", NeighborRange: 1})
	require.NoError(t, err)
	require.NotNil(t, res.Me)
	assert.Equal(t, 6, res.Me.Rank)
	require.Len(t, res.Neighbors, 3)
	assert.Equal(t, "l04", res.Neighbors[0].LearnerID)
	assert.Equal(t, "l06", res.Neighbors[2].LearnerID)

	res, err = h.Handle(context.Background(), GetLeaderboardQuery{LearnerID: "nobody"})
	require.NoError(t, err)
	assert.Nil(t, res.Me)
	assert.Empty(t, res.Neighbors)
}

func TestGetLeaderboard_MissingSnapshot(t *testing.T) {
	t.Run("without refresher reads empty", func(t *testing.T) {
		h := NewGetLeaderboardHandler(memory.NewSnapshotStore(), nil, timeutil.NewFixedClock(t0), time.UTC)
		res, err := h.Handle(context.Background(), GetLeaderboardQuery{Type: leaderboard.BoardCourse, CourseID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, "course:c1", res.Board)
		assert.Empty(t, res.Entries)
		assert.Equal(t, 0, res.TotalCount)
	})

	t.Run("with refresher builds on demand", func(t *testing.T) {
		ref := &countingRefresher{}
		h := NewGetLeaderboardHandler(memory.NewSnapshotStore(), ref, timeutil.NewFixedClock(t0), time.UTC)
		_, err := h.Handle(context.Background(), GetLeaderboardQuery{})
		require.NoError(t, err)
		assert.Equal(t, 1, ref.calls)
	})
}

func TestGetLeaderboard_FriendsAlwaysRecomputed(t *testing.T) {
	ref := &countingRefresher{xp: map[shared.LearnerID]int64{"bob": 50, "alice": 10}}
	h := NewGetLeaderboardHandler(memory.NewSnapshotStore(), ref, timeutil.NewFixedClock(t0), time.UTC)
	q := GetLeaderboardQuery{Type: leaderboard.BoardFriends, Owner: "alice", Members: []shared.LearnerID{"bob"}, LearnerID: "alice"}

	res, err := h.Handle(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "bob", res.Entries[0].LearnerID)
	require.NotNil(t, res.Me)
	assert.Equal(t, 2, res.Me.Rank)

	_, err = h.Handle(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 2, ref.calls)
}

func TestGetLeaderboardQuery_Board(t *testing.T) {
	tests := []struct {
		name    string
		query   GetLeaderboardQuery
		wantKey string
		wantErr bool
	}{
		{name: "default is global", query: GetLeaderboardQuery{}, wantKey: "global"},
		{name: "course", query: GetLeaderboardQuery{Type: leaderboard.BoardCourse, CourseID: "go"}, wantKey: "course:go"},
		{name: "course without id", query: GetLeaderboardQuery{Type: leaderboard.BoardCourse}, wantErr: true},
		{name: "friends without owner", query: GetLeaderboardQuery{Type: leaderboard.BoardFriends}, wantErr: true},
		{name: "unknown", query: GetLeaderboardQuery{Type: "yearly"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.query.Board(t0, time.UTC)
			if tt.wantErr {
				assert.ErrorIs(t, err, shared.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, b.Key())
		})
	}
}

func TestGetLeaderboardQuery_WeeklyUsesPeriodRef(t *testing.T) {
	wed := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	b, err := GetLeaderboardQuery{Type: leaderboard.BoardWeekly, PeriodRef: wed}.Board(t0.AddDate(0, 1, 0), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), b.PeriodStart)
}

func TestGetDueReviews(t *testing.T) {
	store := memory.NewScheduleStore()
	ctx := context.Background()
	for i, due := range []time.Time{t0.Add(-time.Hour), t0.Add(-48 * time.Hour), t0.Add(time.Hour)} {
		key := review.Key{LearnerID: "l1", Item: shared.ItemRef(fmt.Sprintf("item:%d", i))}
		require.NoError(t, store.Create(ctx, review.NewSeededSchedule(key, t0.Add(-72*time.Hour), due)))
	}
	h := NewGetDueReviewsHandler(store, timeutil.NewFixedClock(t0))

	due, err := h.Handle(ctx, GetDueReviewsQuery{LearnerID: "l1"})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, shared.ItemRef("item:1"), due[0].Key.Item, "oldest due first")
	assert.True(t, due[0].IsDue)

	due, err = h.Handle(ctx, GetDueReviewsQuery{LearnerID: "l1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, due, 1)

	_, err = h.Handle(ctx, GetDueReviewsQuery{})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestGetDueReviews_NoLimitReturnsEveryDueItem(t *testing.T) {
	store := memory.NewScheduleStore()
	ctx := context.Background()
	for i := 0; i < 250; i++ {
		key := review.Key{LearnerID: "l1", Item: shared.ItemRef(fmt.Sprintf("item:%03d", i))}
		require.NoError(t, store.Create(ctx, review.NewSeededSchedule(key, t0.Add(-72*time.Hour), t0.Add(-time.Minute))))
	}
	h := NewGetDueReviewsHandler(store, timeutil.NewFixedClock(t0))

	due, err := h.Handle(ctx, GetDueReviewsQuery{LearnerID: "l1"})
	require.NoError(t, err)
	assert.Len(t, due, 250)

	_, err = h.Handle(ctx, GetDueReviewsQuery{LearnerID: "l1", Limit: -1})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestGetProgress(t *testing.T) {
	store := memory.NewProgressStore()
	ctx := context.Background()
	h := NewGetProgressHandler(store)

	res, err := h.Handle(ctx, GetProgressQuery{LearnerID: "l1", Scope: shared.CourseScope("c1")})
	require.NoError(t, err)
	assert.False(t, res.Started)
	assert.Equal(t, 0, res.Record.CompletionPercentage)

	course := progress.NewProgressRecord(progress.Key{LearnerID: "l1", Scope: shared.CourseScope("c1")}, "", t0)
	course.CompletionPercentage = 50
	lesson := progress.NewProgressRecord(progress.Key{LearnerID: "l1", Scope: shared.LessonScope("c1-l1")}, "c1", t0)
	lesson.CompletionPercentage = 100
	lesson.IsCompleted = true
	require.NoError(t, store.Create(ctx, course))
	require.NoError(t, store.Create(ctx, lesson))

	res, err = h.Handle(ctx, GetProgressQuery{LearnerID: "l1", Scope: shared.CourseScope("c1"), IncludeChildren: true})
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.Equal(t, 50, res.Record.CompletionPercentage)
	require.Len(t, res.Children, 1)
	assert.Equal(t, shared.LessonScope("c1-l1"), res.Children[0].Key.Scope)

	_, err = h.Handle(ctx, GetProgressQuery{LearnerID: "l1", Scope: shared.Scope{Kind: "chapter", ID: "x"}})
	assert.ErrorIs(t, err, shared.ErrValidation)
}
