package dedupe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenBeforeDetectsRepeat(t *testing.T) {
	f, err := New(1024)
	require.NoError(t, err)

	data := []byte("fragment-abc")
	require.False(t, f.SeenBefore(data))
	require.True(t, f.SeenBefore(data))
}

func TestRotateDropsOldEntriesEventually(t *testing.T) {
	f, err := New(1024)
	require.NoError(t, err)

	data := []byte("fragment-xyz")
	require.False(t, f.SeenBefore(data))

	require.NoError(t, f.Rotate())
	// Still remembered via the "previous" filter immediately after one rotation.
	require.True(t, f.SeenBefore(data))

	require.NoError(t, f.Rotate())
	require.NoError(t, f.Rotate())
	// Two rotations past insertion without reinsertion: gone from both filters.
	require.False(t, f.SeenBefore(data))
}
