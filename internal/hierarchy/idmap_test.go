package hierarchy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDMapPutIsIdempotent(t *testing.T) {
	m := NewIDMap()
	require.NoError(t, m.Put("sto-0001", "TRK-100"))
	require.NoError(t, m.Put("sto-0001", "TRK-100"))
	assert.Equal(t, 1, m.Len())

	remote, ok := m.Get("sto-0001")
	require.True(t, ok)
	assert.Equal(t, "TRK-100", remote)
}

func TestIDMapPutConflicts(t *testing.T) {
	m := NewIDMap()
	require.NoError(t, m.Put("sto-0001", "TRK-100"))

	err := m.Put("sto-0001", "TRK-999")
	require.Error(t, err)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "sto-0001", conflict.LocalID)
	assert.Equal(t, "TRK-100", conflict.Existing)
	assert.Equal(t, "TRK-999", conflict.Proposed)

	// The original mapping survives.
	remote, _ := m.Get("sto-0001")
	assert.Equal(t, "TRK-100", remote)
}

func TestIDMapTimestampsWithInjectedClock(t *testing.T) {
	m := NewIDMap()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	require.NoError(t, m.Put("ini-0001", "TRK-1"))
	require.NoError(t, m.Put("fea-0001", "TRK-2"))

	first, ok := m.Entry("ini-0001")
	require.True(t, ok)
	second, ok := m.Entry("fea-0001")
	require.True(t, ok)
	assert.True(t, first.CreatedAt.Before(second.CreatedAt),
		"parent mapping must be stamped before the child's")
}

func TestIDMapSnapshotAndLocalIDs(t *testing.T) {
	m := NewIDMap()
	require.NoError(t, m.Put("tas-0002", "TRK-2"))
	require.NoError(t, m.Put("tas-0001", "TRK-1"))

	assert.Equal(t, []string{"tas-0001", "tas-0002"}, m.LocalIDs())

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	snap["tas-0001"] = IDMapEntry{RemoteID: "mutated"}
	remote, _ := m.Get("tas-0001")
	assert.Equal(t, "TRK-1", remote)
}
