package leaderboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

var t0 = time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

func rank(t *testing.T, rows ...row) *Ranking {
	t.Helper()
	r := NewRanking(len(rows))
	for _, row := range rows {
		require.NoError(t, r.Add(shared.LearnerID(row.id), row.xp, row.at))
	}
	r.Sort()
	return r
}

type row = struct {
	id string
	xp int64
	at time.Time
}

func TestRanking_TieBreakByReachedAt(t *testing.T) {
	r := rank(t,
		row{"late", 100, t0.Add(time.Hour)},
		row{"early", 100, t0},
		row{"top", 150, t0.Add(2 * time.Hour)},
	)
	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, shared.LearnerID("top"), all[0].LearnerID)
	assert.Equal(t, shared.LearnerID("early"), all[1].LearnerID)
	assert.Equal(t, shared.LearnerID("late"), all[2].LearnerID)
	assert.Equal(t, Rank(3), all[2].Rank)
}

func TestRanking_FullTieUsesLearnerID(t *testing.T) {
	r := rank(t, row{"b", 10, t0}, row{"a", 10, t0})
	assert.Equal(t, Rank(1), r.Get("a").Rank)
	assert.Equal(t, Rank(2), r.Get("b").Rank)
}

func TestRanking_RejectsDuplicates(t *testing.T) {
	r := NewRanking(1)
	require.NoError(t, r.Add("a", 1, t0))
	assert.ErrorIs(t, r.Add("a", 2, t0), shared.ErrValidation)
}

func TestApplyPrevious_RankChange(t *testing.T) {
	prev := NewSnapshot("s1", GlobalBoard(), rank(t,
		row{"a", 30, t0}, row{"b", 20, t0}, row{"c", 10, t0},
	), t0)
	next := NewSnapshot("s2", GlobalBoard(), rank(t,
		row{"a", 30, t0}, row{"b", 20, t0}, row{"c", 40, t0}, row{"d", 1, t0},
	), t0.Add(time.Minute))

	d := ApplyPrevious(prev, next)
	assert.Equal(t, RankChange(2), next.Get("c").RankChange)
	assert.Equal(t, RankChange(-1), next.Get("a").RankChange)
	assert.Equal(t, RankDirectionNew, next.Get("d").Direction())
	assert.Equal(t, []shared.LearnerID{"d"}, d.New)
	assert.Len(t, d.Movers, 3)
	assert.Len(t, d.Significant(2), 1)
}

func TestBoardKeysAndWindows(t *testing.T) {
	loc := time.UTC
	w := WeeklyBoard(t0, loc)
	assert.Equal(t, "weekly:2024-03-04", w.Key())
	since, until := w.Window()
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, loc), since)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, loc), until)

	m := MonthlyBoard(t0, loc)
	assert.Equal(t, "monthly:2024-03", m.Key())

	f := FriendsBoard("me", []shared.LearnerID{"x", "me", "y", "x"})
	assert.Equal(t, []shared.LearnerID{"me", "x", "y"}, f.Members)
	assert.Equal(t, "friends:me", f.Key())

	assert.ErrorIs(t, CourseBoard("").Validate(), shared.ErrValidation)
	assert.NoError(t, GlobalBoard().Validate())
}

func TestSnapshotPaging(t *testing.T) {
	s := NewSnapshot("s", GlobalBoard(), rank(t,
		row{"a", 5, t0}, row{"b", 4, t0}, row{"c", 3, t0}, row{"d", 2, t0}, row{"e", 1, t0},
	), t0)

	assert.Len(t, s.Page(1, 2), 2)
	assert.Len(t, s.Page(3, 2), 1)
	assert.Nil(t, s.Page(4, 2))
	n := s.Neighbors("c", 1)
	require.Len(t, n, 3)
	assert.Equal(t, shared.LearnerID("b"), n[0].LearnerID)
	assert.Equal(t, Rank(0), s.RankOf("zzz"))
	assert.Equal(t, int64(15), s.TotalXP)
}
