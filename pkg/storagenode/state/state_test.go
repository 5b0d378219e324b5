package state_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/state"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) *state.Store {
	s, err := state.Open(path, 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTrunkFileIDMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s := openStore(t, path)

	cur, err := s.CurrentTrunkFileID()
	require.NoError(t, err)
	require.Zero(t, cur)

	for want := uint32(1); want <= 5; want++ {
		id, err := s.NextTrunkFileID()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}

	require.NoError(t, s.Close())

	// counter survives reopen
	s = openStore(t, path)
	id, err := s.NextTrunkFileID()
	require.NoError(t, err)
	require.Equal(t, uint32(6), id)
}

func TestCompactionStagePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s := openStore(t, path)

	st, err := s.CompactionStage()
	require.NoError(t, err)
	require.Equal(t, state.StageNone, st)

	require.NoError(t, s.SetCompactionStage(state.StageCommitMerging))
	require.NoError(t, s.Close())

	s = openStore(t, path)
	st, err = s.CompactionStage()
	require.NoError(t, err)
	require.Equal(t, state.StageCommitMerging, st)

	require.NoError(t, s.SetCompactionStage(state.StageNone))
	st, err = s.CompactionStage()
	require.NoError(t, err)
	require.Equal(t, state.StageNone, st)
}

func TestLastCompactionRoundTrip(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.db"))

	when, size, err := s.LastCompaction()
	require.NoError(t, err)
	require.True(t, when.IsZero())
	require.Zero(t, size)

	now := time.Unix(time.Now().Unix(), 0)
	require.NoError(t, s.SetLastCompaction(now, 12345))

	when, size, err = s.LastCompaction()
	require.NoError(t, err)
	require.True(t, now.Equal(when))
	require.EqualValues(t, 12345, size)
}

func TestStageString(t *testing.T) {
	require.Equal(t, "NONE", state.StageNone.String())
	require.Equal(t, "COMMIT_MERGING", state.StageCommitMerging.String())
	require.Equal(t, "ROLLBACK_MERGING", state.StageRollbackMerging.String())
}
