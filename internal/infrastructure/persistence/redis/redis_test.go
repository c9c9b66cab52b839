package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
)

func TestKeys(t *testing.T) {
	k := Keys{Prefix: "p:"}
	assert.Equal(t, "p:leaderboard:course:c1:doc", k.SnapshotDoc("course:c1"))
	assert.Equal(t, "p:leaderboard:global:ranks", k.SnapshotRanks("global"))
	assert.Equal(t, "p:leaderboard:global:doc:staging:s1", k.Staging(k.SnapshotDoc("global"), "s1"))
	assert.Equal(t, "p:step:abc", k.Step("abc"))
	assert.Equal(t, "p:lock:refresh", k.Lock("refresh"))
}

func TestStoredSnapshot_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	board := leaderboard.WeeklyBoard(at, time.UTC)
	r := leaderboard.NewRanking(2)
	require.NoError(t, r.Add("a", 5, at))
	require.NoError(t, r.Add("b", 9, at))
	r.Sort()
	snap := leaderboard.NewSnapshot("s1", board, r, at)

	data, err := json.Marshal(storedSnapshot{Board: board, Snapshot: snap})
	require.NoError(t, err)

	var stored storedSnapshot
	require.NoError(t, json.Unmarshal(data, &stored))
	got, err := restore(stored)
	require.NoError(t, err)

	assert.Equal(t, board.Key(), got.Board.Key())
	assert.Equal(t, snap.BoardKey, got.BoardKey)
	require.NotNil(t, got.Get("b"))
	assert.Equal(t, leaderboard.Rank(1), got.Get("b").Rank)
}

func TestRestore_RejectsEmptyDocument(t *testing.T) {
	_, err := restore(storedSnapshot{})
	assert.ErrorIs(t, err, ErrCacheSerialization)
}
