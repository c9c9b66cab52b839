// Package query contains read operations following CQRS pattern.
// Queries never modify state - they only read and return data.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Reads the current snapshot of a board. Readers never see a half-built
// ranking: either the previous snapshot or the next one.
// ══════════════════════════════════════════════════════════════════════════════

// Refresher builds a board on demand when no snapshot exists yet.
type Refresher interface {
	Refresh(ctx context.Context, board leaderboard.Board) (*leaderboard.Snapshot, error)
}

// BoardScope names a board without a period.
type BoardScope struct {
	Type leaderboard.BoardType
	// CourseID selects a course board.
	CourseID string
	// Owner and Members describe a friends board.
	Owner   shared.LearnerID
	Members []shared.LearnerID
}

// GlobalScope is the all-time board.
func GlobalScope() BoardScope { return BoardScope{Type: leaderboard.BoardGlobal} }

// CourseScope is the board of one course.
func CourseScope(courseID string) BoardScope {
	return BoardScope{Type: leaderboard.BoardCourse, CourseID: courseID}
}

// Query turns the scope into a query for the whole board.
func (s BoardScope) Query(periodRef time.Time) GetLeaderboardQuery {
	return GetLeaderboardQuery{
		Type:      s.Type,
		CourseID:  s.CourseID,
		PeriodRef: periodRef,
		Owner:     s.Owner,
		Members:   s.Members,
		All:       true,
	}
}

// GetLeaderboardQuery selects a board and a page of it.
type GetLeaderboardQuery struct {
	Type leaderboard.BoardType
	// CourseID selects a course board.
	CourseID string
	// PeriodRef is any instant inside the wanted week or month. Zero means now.
	PeriodRef time.Time
	// Owner and Members describe a friends board.
	Owner   shared.LearnerID
	Members []shared.LearnerID

	Page     int
	PageSize int
	// All returns every entry and ignores Page and PageSize.
	All bool

	// LearnerID, when set, adds that learner's entry and neighbors.
	LearnerID     shared.LearnerID
	NeighborRange int
}

// Board resolves the query into a board identity.
func (q GetLeaderboardQuery) Board(now time.Time, loc *time.Location) (leaderboard.Board, error) {
	ref := q.PeriodRef
	if ref.IsZero() {
		ref = now
	}
	if loc == nil {
		loc = time.UTC
	}
	var b leaderboard.Board
	switch q.Type {
	case leaderboard.BoardGlobal, "":
		b = leaderboard.GlobalBoard()
	case leaderboard.BoardCourse:
		b = leaderboard.CourseBoard(q.CourseID)
	case leaderboard.BoardWeekly:
		b = leaderboard.WeeklyBoard(ref, loc)
	case leaderboard.BoardMonthly:
		b = leaderboard.MonthlyBoard(ref, loc)
	case leaderboard.BoardFriends:
		b = leaderboard.FriendsBoard(q.Owner, q.Members)
	default:
		b = leaderboard.Board{Type: q.Type}
	}
	return b, b.Validate()
}

// LeaderboardEntryDTO is one line of a board.
type LeaderboardEntryDTO struct {
	Rank          int       `json:"rank"`
	LearnerID     string    `json:"learner_id"`
	XP            int64     `json:"xp"`
	PreviousRank  int       `json:"previous_rank,omitempty"`
	RankChange    int       `json:"rank_change"`
	RankDirection string    `json:"rank_direction"`
	ReachedAt     time.Time `json:"reached_at"`
}

// GetLeaderboardResult is a page of a snapshot.
type GetLeaderboardResult struct {
	Board      string                `json:"board"`
	SnapshotID string                `json:"snapshot_id"`
	ComputedAt time.Time             `json:"computed_at"`
	Entries    []LeaderboardEntryDTO `json:"entries"`
	TotalCount int                   `json:"total_count"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
	HasMore    bool                  `json:"has_more"`

	// Me and Neighbors are filled when the query names a learner on the board.
	Me        *LeaderboardEntryDTO  `json:"me,omitempty"`
	Neighbors []LeaderboardEntryDTO `json:"neighbors,omitempty"`
}

// GetLeaderboardHandler serves board reads.
type GetLeaderboardHandler struct {
	snapshots leaderboard.SnapshotStore
	refresher Refresher
	clock     timeutil.Clock
	loc       *time.Location
}

// NewGetLeaderboardHandler creates the handler. refresher may be nil, in
// which case a board without a snapshot reads as empty.
func NewGetLeaderboardHandler(
	snapshots leaderboard.SnapshotStore,
	refresher Refresher,
	clock timeutil.Clock,
	loc *time.Location,
) *GetLeaderboardHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &GetLeaderboardHandler{snapshots: snapshots, refresher: refresher, clock: clock, loc: loc}
}

// Handle executes the query.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, q GetLeaderboardQuery) (*GetLeaderboardResult, error) {
	board, err := q.Board(h.clock.Now(), h.loc)
	if err != nil {
		return nil, err
	}
	opts := leaderboard.QueryOptions{Page: q.Page, PageSize: q.PageSize}.Normalize()

	snap, err := h.snapshot(ctx, board)
	if err != nil {
		return nil, fmt.Errorf("get leaderboard %s: %w", board, err)
	}

	if q.All {
		opts = leaderboard.QueryOptions{Page: 1, PageSize: snap.Count()}
	}
	page := snap.Page(opts.Page, opts.PageSize)
	res := &GetLeaderboardResult{
		Board:      board.Key(),
		SnapshotID: snap.ID,
		ComputedAt: snap.ComputedAt,
		Entries:    toDTOs(page),
		TotalCount: snap.Count(),
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		HasMore:    opts.Page*opts.PageSize < snap.Count(),
	}
	if !q.LearnerID.IsEmpty() {
		if e := snap.Get(q.LearnerID); e != nil {
			me := toDTO(e)
			res.Me = &me
			rng := q.NeighborRange
			if rng <= 0 {
				rng = 2
			}
			res.Neighbors = toDTOs(snap.Neighbors(q.LearnerID, rng))
		}
	}
	return res, nil
}

// snapshot returns the board's current snapshot. Friends boards have no
// stored snapshot owner and are always computed on demand.
func (h *GetLeaderboardHandler) snapshot(ctx context.Context, board leaderboard.Board) (*leaderboard.Snapshot, error) {
	if board.Type == leaderboard.BoardFriends && h.refresher != nil {
		return h.refresher.Refresh(ctx, board)
	}
	snap, err := h.snapshots.Latest(ctx, board.Key())
	if err == nil {
		return snap, nil
	}
	if !shared.IsNotFound(err) {
		return nil, err
	}
	if h.refresher == nil {
		return leaderboard.NewSnapshot("", board, nil, h.clock.Now()), nil
	}
	return h.refresher.Refresh(ctx, board)
}

func toDTO(e *leaderboard.Entry) LeaderboardEntryDTO {
	return LeaderboardEntryDTO{
		Rank:          int(e.Rank),
		LearnerID:     e.LearnerID.String(),
		XP:            e.TotalXP,
		PreviousRank:  int(e.PreviousRank),
		RankChange:    int(e.RankChange),
		RankDirection: string(e.Direction()),
		ReachedAt:     e.ReachedAt,
	}
}

func toDTOs(entries []*leaderboard.Entry) []LeaderboardEntryDTO {
	out := make([]LeaderboardEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toDTO(e)
	}
	return out
}
