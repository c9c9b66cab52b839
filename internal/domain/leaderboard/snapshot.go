package leaderboard

import (
	"fmt"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot is a complete, immutable ranking of one board. Readers only ever
// see whole snapshots; a refresh replaces one with the next.
type Snapshot struct {
	ID         string    `json:"id"`
	BoardKey   string    `json:"board_key"`
	Board      Board     `json:"-"`
	ComputedAt time.Time `json:"computed_at"`
	TotalXP    int64     `json:"total_xp"`
	Entries    []*Entry  `json:"entries"`

	byID map[shared.LearnerID]*Entry
}

// NewSnapshot freezes a sorted ranking.
func NewSnapshot(id string, board Board, ranking *Ranking, now time.Time) *Snapshot {
	s := &Snapshot{
		ID:         id,
		BoardKey:   board.Key(),
		Board:      board,
		ComputedAt: now,
	}
	if ranking != nil {
		s.Entries = ranking.All()
	} else {
		s.Entries = make([]*Entry, 0)
	}
	for _, e := range s.Entries {
		s.TotalXP += e.TotalXP
	}
	s.RebuildIndex()
	return s
}

// RebuildIndex rebuilds the learner index after decoding.
func (s *Snapshot) RebuildIndex() {
	s.byID = make(map[shared.LearnerID]*Entry, len(s.Entries))
	for _, e := range s.Entries {
		s.byID[e.LearnerID] = e
	}
}

// Get returns a learner's entry or nil.
func (s *Snapshot) Get(learnerID shared.LearnerID) *Entry {
	if s.byID == nil {
		s.RebuildIndex()
	}
	return s.byID[learnerID]
}

// RankOf returns the learner's rank, 0 when absent.
func (s *Snapshot) RankOf(learnerID shared.LearnerID) Rank {
	if e := s.Get(learnerID); e != nil {
		return e.Rank
	}
	return 0
}

// Top returns the first n entries.
func (s *Snapshot) Top(n int) []*Entry {
	if n <= 0 {
		return nil
	}
	if n > len(s.Entries) {
		n = len(s.Entries)
	}
	out := make([]*Entry, n)
	copy(out, s.Entries[:n])
	return out
}

// Page returns a 1-based page of entries.
func (s *Snapshot) Page(page, pageSize int) []*Entry {
	if page < 1 || pageSize <= 0 {
		return nil
	}
	from := (page - 1) * pageSize
	if from >= len(s.Entries) {
		return nil
	}
	to := from + pageSize
	if to > len(s.Entries) {
		to = len(s.Entries)
	}
	out := make([]*Entry, to-from)
	copy(out, s.Entries[from:to])
	return out
}

// Neighbors returns the learner's entry with rangeSize entries on each side.
func (s *Snapshot) Neighbors(learnerID shared.LearnerID, rangeSize int) []*Entry {
	e := s.Get(learnerID)
	if e == nil {
		return nil
	}
	idx := int(e.Rank) - 1
	from, to := idx-rangeSize, idx+rangeSize+1
	if from < 0 {
		from = 0
	}
	if to > len(s.Entries) {
		to = len(s.Entries)
	}
	out := make([]*Entry, to-from)
	copy(out, s.Entries[from:to])
	return out
}

func (s *Snapshot) IsEmpty() bool { return len(s.Entries) == 0 }
func (s *Snapshot) Count() int    { return len(s.Entries) }

func (s *Snapshot) String() string {
	return fmt.Sprintf("Snapshot{ID: %s, Board: %s, Entries: %d, At: %s}",
		s.ID, s.BoardKey, len(s.Entries), s.ComputedAt.Format(time.RFC3339))
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT DIFF
// ══════════════════════════════════════════════════════════════════════════════

// Mover is a learner whose rank changed between two snapshots.
type Mover struct {
	LearnerID    shared.LearnerID
	PreviousRank Rank
	CurrentRank  Rank
}

func (m Mover) Change() RankChange { return RankChange(m.PreviousRank - m.CurrentRank) }

// Diff describes what changed between the previous and the next snapshot.
type Diff struct {
	Movers  []Mover
	New     []shared.LearnerID
	Removed []shared.LearnerID
}

// HasChanges reports whether anything moved.
func (d *Diff) HasChanges() bool {
	return len(d.Movers) > 0 || len(d.New) > 0 || len(d.Removed) > 0
}

// Significant returns movers that changed by at least threshold positions.
func (d *Diff) Significant(threshold int) []Mover {
	var out []Mover
	for _, m := range d.Movers {
		if m.Change().IsSignificant(threshold) {
			out = append(out, m)
		}
	}
	return out
}

// ApplyPrevious fills PreviousRank and RankChange on next from prev and
// returns the differences. prev may be nil for a first refresh.
func ApplyPrevious(prev, next *Snapshot) *Diff {
	d := &Diff{}
	for _, e := range next.Entries {
		var old *Entry
		if prev != nil {
			old = prev.Get(e.LearnerID)
		}
		if old == nil {
			e.PreviousRank, e.RankChange = 0, 0
			d.New = append(d.New, e.LearnerID)
			continue
		}
		e.PreviousRank = old.Rank
		e.RankChange = RankChange(old.Rank - e.Rank)
		if e.RankChange != 0 {
			d.Movers = append(d.Movers, Mover{LearnerID: e.LearnerID, PreviousRank: old.Rank, CurrentRank: e.Rank})
		}
	}
	if prev != nil {
		for _, e := range prev.Entries {
			if next.Get(e.LearnerID) == nil {
				d.Removed = append(d.Removed, e.LearnerID)
			}
		}
	}
	return d
}
