package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	err := Newf(KindCorruptData, "hash mismatch on %s", "a/b")
	require.True(t, Is(err, ErrCorruptData))
	require.False(t, Is(err, ErrNetwork))
	require.Equal(t, KindCorruptData, KindOf(err))
}

func TestWrapPreservesKindThroughChains(t *testing.T) {
	inner := New(KindCorruptData, "codec choked")
	outer := New(KindIo, "write staging").Wrap(fmt.Errorf("copy: %w", inner))
	require.True(t, Is(outer, ErrCorruptData))
	require.True(t, Is(outer, ErrIo))
	// KindOf sees the outermost kind
	require.Equal(t, KindIo, KindOf(outer))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := New(KindNetwork, "fetch range").Wrap(fmt.Errorf("connection reset"))
	require.Equal(t, "fetch range: connection reset", err.Error())
}

func TestKindString(t *testing.T) {
	require.Equal(t, "corrupt data", KindCorruptData.String())
	require.Equal(t, "locked", KindLocked.String())
	require.Equal(t, "unknown", Kind(0).String())
}
