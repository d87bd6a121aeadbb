package internalqueue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltPersistence_SaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	p, err := NewBoltPersistence(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	snapshot := map[string][]*Job{
		"dev-1": {{ID: "job-1", DeviceID: "dev-1", Priority: 3}},
	}
	require.NoError(t, p.Save(snapshot))

	got, err := p.Load()
	require.NoError(t, err)
	require.Contains(t, got, "dev-1")
	require.Len(t, got["dev-1"], 1)
	assert.Equal(t, "job-1", got["dev-1"][0].ID)
}

func TestBoltPersistence_LoadWithNoSnapshotReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	p, err := NewBoltPersistence(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	got, err := p.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBoltPersistence_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	p, err := NewBoltPersistence(path)
	require.NoError(t, err)

	snapshot := map[string][]*Job{"dev-1": {{ID: "job-1", DeviceID: "dev-1"}}}
	require.NoError(t, p.Save(snapshot))
	require.NoError(t, p.Close())

	reopened, err := NewBoltPersistence(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, got["dev-1"], 1)
}
