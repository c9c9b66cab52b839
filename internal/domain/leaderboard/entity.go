// Package leaderboard ranks learners by XP on global, course, period and
// friends boards.
package leaderboard

import (
	"fmt"
	"sort"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Rank is a 1-based position on a board.
type Rank int

// IsValid reports whether the rank is a real position.
func (r Rank) IsValid() bool {
	return r > 0
}

// IsTop reports whether the rank is within the first n positions.
func (r Rank) IsTop(n int) bool {
	return r >= 1 && int(r) <= n
}

func (r Rank) String() string {
	return fmt.Sprintf("#%d", r)
}

// RankChange is previousRank - currentRank. Positive means the learner moved up.
type RankChange int

// Direction returns the direction of the change.
func (rc RankChange) Direction() RankDirection {
	switch {
	case rc > 0:
		return RankDirectionUp
	case rc < 0:
		return RankDirectionDown
	default:
		return RankDirectionStable
	}
}

// Abs returns the magnitude of the change.
func (rc RankChange) Abs() int {
	if rc < 0 {
		return int(-rc)
	}
	return int(rc)
}

// IsSignificant reports a move of at least threshold positions.
func (rc RankChange) IsSignificant(threshold int) bool {
	return rc.Abs() >= threshold
}

func (rc RankChange) String() string {
	switch {
	case rc > 0:
		return fmt.Sprintf("+%d", rc)
	case rc < 0:
		return fmt.Sprintf("%d", rc)
	default:
		return "±0"
	}
}

// RankDirection classifies a rank change.
type RankDirection string

const (
	RankDirectionUp     RankDirection = "up"
	RankDirectionDown   RankDirection = "down"
	RankDirectionStable RankDirection = "stable"
	RankDirectionNew    RankDirection = "new"
)

// ══════════════════════════════════════════════════════════════════════════════
// BOARDS
// ══════════════════════════════════════════════════════════════════════════════

// BoardType selects which XP entries feed a board.
type BoardType string

const (
	BoardGlobal  BoardType = "global"
	BoardCourse  BoardType = "course"
	BoardWeekly  BoardType = "weekly"
	BoardMonthly BoardType = "monthly"
	BoardFriends BoardType = "friends"
)

// Board identifies one leaderboard.
type Board struct {
	Type BoardType
	// CourseID is set for course boards.
	CourseID string
	// PeriodStart is the start of a weekly or monthly period.
	PeriodStart time.Time
	// Owner and Members describe a friends board. Members are supplied by
	// the caller and include the owner.
	Owner   shared.LearnerID
	Members []shared.LearnerID
}

// GlobalBoard ranks all XP.
func GlobalBoard() Board { return Board{Type: BoardGlobal} }

// CourseBoard ranks XP earned in one course.
func CourseBoard(courseID string) Board { return Board{Type: BoardCourse, CourseID: courseID} }

// WeeklyBoard ranks XP earned in the week containing at, weeks starting Monday in loc.
func WeeklyBoard(at time.Time, loc *time.Location) Board {
	return Board{Type: BoardWeekly, PeriodStart: timeutil.StartOfWeek(at.In(loc))}
}

// MonthlyBoard ranks XP earned in the month containing at.
func MonthlyBoard(at time.Time, loc *time.Location) Board {
	return Board{Type: BoardMonthly, PeriodStart: timeutil.StartOfMonth(at.In(loc))}
}

// FriendsBoard ranks the owner against members.
func FriendsBoard(owner shared.LearnerID, members []shared.LearnerID) Board {
	set := map[shared.LearnerID]struct{}{owner: {}}
	all := []shared.LearnerID{owner}
	for _, m := range members {
		if _, ok := set[m]; ok || m.IsEmpty() {
			continue
		}
		set[m] = struct{}{}
		all = append(all, m)
	}
	return Board{Type: BoardFriends, Owner: owner, Members: all}
}

// Key is the storage key of the board's snapshot.
func (b Board) Key() string {
	switch b.Type {
	case BoardCourse:
		return "course:" + b.CourseID
	case BoardWeekly:
		return "weekly:" + b.PeriodStart.Format("2006-01-02")
	case BoardMonthly:
		return "monthly:" + b.PeriodStart.Format("2006-01")
	case BoardFriends:
		return "friends:" + b.Owner.String()
	default:
		return string(BoardGlobal)
	}
}

func (b Board) String() string { return b.Key() }

// Window returns the [since, until) range of XP entries the board counts.
// Zero times mean unbounded.
func (b Board) Window() (since, until time.Time) {
	switch b.Type {
	case BoardWeekly:
		return b.PeriodStart, b.PeriodStart.AddDate(0, 0, 7)
	case BoardMonthly:
		return b.PeriodStart, b.PeriodStart.AddDate(0, 1, 0)
	}
	return time.Time{}, time.Time{}
}

// Validate checks that the board carries what its type needs.
func (b Board) Validate() error {
	switch b.Type {
	case BoardGlobal:
	case BoardCourse:
		if b.CourseID == "" {
			return shared.Validationf("leaderboard", "Board.Validate", "course board needs a course id")
		}
	case BoardWeekly, BoardMonthly:
		if b.PeriodStart.IsZero() {
			return shared.Validationf("leaderboard", "Board.Validate", "%s board needs a period", b.Type)
		}
	case BoardFriends:
		if b.Owner.IsEmpty() {
			return shared.Validationf("leaderboard", "Board.Validate", "friends board needs an owner")
		}
	default:
		return shared.Validationf("leaderboard", "Board.Validate", "unknown board type %q", b.Type)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// Entry is one learner's line on a board.
type Entry struct {
	Rank      Rank             `json:"rank"`
	LearnerID shared.LearnerID `json:"learner_id"`
	TotalXP   int64            `json:"total_xp"`

	// ReachedAt is when the learner's XP last increased in the board's scope.
	ReachedAt time.Time `json:"reached_at"`

	// PreviousRank is 0 for a learner new to the board.
	PreviousRank Rank       `json:"previous_rank"`
	RankChange   RankChange `json:"rank_change"`
}

// Direction returns the direction of the last rank change.
func (e *Entry) Direction() RankDirection {
	if !e.PreviousRank.IsValid() {
		return RankDirectionNew
	}
	return e.RankChange.Direction()
}

// XPToNext returns how much XP the learner needs to pass nextXP.
func (e *Entry) XPToNext(nextXP int64) int64 {
	if nextXP < e.TotalXP {
		return 0
	}
	return nextXP - e.TotalXP + 1
}

func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func (e *Entry) String() string {
	return fmt.Sprintf("Entry{Rank: %d, Learner: %s, XP: %d, Change: %s}",
		e.Rank, e.LearnerID, e.TotalXP, e.RankChange.String())
}

// ══════════════════════════════════════════════════════════════════════════════
// RANKING
// ══════════════════════════════════════════════════════════════════════════════

// Ranking is a working buffer built off to the side during a refresh.
type Ranking struct {
	entries []*Entry
	byID    map[shared.LearnerID]*Entry
}

// NewRanking creates an empty ranking with room for n entries.
func NewRanking(n int) *Ranking {
	return &Ranking{
		entries: make([]*Entry, 0, n),
		byID:    make(map[shared.LearnerID]*Entry, n),
	}
}

// Add appends an unranked entry.
func (r *Ranking) Add(learnerID shared.LearnerID, xp int64, reachedAt time.Time) error {
	if learnerID.IsEmpty() {
		return shared.Validationf("leaderboard", "Ranking.Add", "empty learner id")
	}
	if _, ok := r.byID[learnerID]; ok {
		return shared.Validationf("leaderboard", "Ranking.Add", "learner %s already ranked", learnerID)
	}
	e := &Entry{LearnerID: learnerID, TotalXP: xp, ReachedAt: reachedAt}
	r.entries = append(r.entries, e)
	r.byID[learnerID] = e
	return nil
}

// Sort orders by XP descending, then by who reached the total first, then by
// learner ID, and assigns distinct ranks 1..n.
func (r *Ranking) Sort() {
	sort.Slice(r.entries, func(i, j int) bool {
		a, b := r.entries[i], r.entries[j]
		if a.TotalXP != b.TotalXP {
			return a.TotalXP > b.TotalXP
		}
		if !a.ReachedAt.Equal(b.ReachedAt) {
			return a.ReachedAt.Before(b.ReachedAt)
		}
		return a.LearnerID < b.LearnerID
	})
	for i, e := range r.entries {
		e.Rank = Rank(i + 1)
	}
}

// Get returns a learner's entry or nil.
func (r *Ranking) Get(learnerID shared.LearnerID) *Entry {
	return r.byID[learnerID]
}

func (r *Ranking) Count() int { return len(r.entries) }

// All returns the entries in their current order.
func (r *Ranking) All() []*Entry {
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
