package syncer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockExcludesSecondHolderUntilReleased(t *testing.T) {
	dataDir := t.TempDir()
	first, err := NewLock(dataDir)
	require.NoError(t, err)
	second, err := NewLock(dataDir)
	require.NoError(t, err)

	release, acquired, err := first.TryAcquire()
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = second.TryAcquire()
	require.NoError(t, err)
	require.False(t, acquired)

	_, acquired, err = first.TryAcquire()
	require.NoError(t, err)
	require.False(t, acquired)

	require.NoError(t, release())

	releaseAgain, acquired, err := second.TryAcquire()
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, releaseAgain())
}

func TestNewLockRequiresDataDir(t *testing.T) {
	_, err := NewLock("  ")
	require.Error(t, err)
}
