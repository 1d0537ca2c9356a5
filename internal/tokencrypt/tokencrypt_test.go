package tokencrypt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	b, err := NewBox(key)
	require.NoError(t, err)

	sealed, err := b.Seal("A1")
	require.NoError(t, err)
	require.NotEqual(t, "A1", sealed)

	opened, err := b.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "A1", opened)
}

func TestTrackingIDIsDeterministic(t *testing.T) {
	id1 := TrackingID("ua", "rjid", "A1", "R1", "scope")
	id2 := TrackingID("ua", "rjid", "A1", "R1", "scope")
	require.Equal(t, id1, id2)
	require.Len(t, id1, 64)
}
