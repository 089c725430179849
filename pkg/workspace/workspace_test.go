package workspace

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
)

func memWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := Open("install", Filesystem(afero.NewMemMapFs()))
	require.NoError(t, err)
	return w
}

func TestOpenNewWorkspace(t *testing.T) {
	w := memWorkspace(t)
	require.Equal(t, StateNew, w.State().Kind)
	require.Empty(t, w.State().Revision)
}

func TestStateRoundTrip(t *testing.T) {
	s := &State{
		Kind:     StateUpdating,
		Revision: "1.0.0",
		Failures: []string{"b", "a"},
		Goal:     &Goal{From: "1.0.0", To: "1.1.0", Packages: []string{"p1", "p2"}},
		Manifest: map[string]FileRecord{
			"bin/game": {Sha1: "aa", Size: 10, Executable: true},
			"data/pak": {Sha1: "bb", Size: 20},
		},
	}
	data, err := s.encode()
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(data, []byte("\n")))

	back, err := decodeState(data)
	require.NoError(t, err)
	require.Equal(t, s.Kind, back.Kind)
	require.Equal(t, s.Goal, back.Goal)
	require.Equal(t, s.Manifest, back.Manifest)

	_, err = decodeState([]byte(`{"state":"exploded"}`))
	require.True(t, errors.Is(err, errors.ErrUnsupportedFormat))
}

func TestStateTamperedManifestDetected(t *testing.T) {
	s := &State{
		Kind:     StateStable,
		Revision: "1.0.0",
		Manifest: map[string]FileRecord{
			"bin/game": {Sha1: "aaaa", Size: 10},
		},
	}
	data, err := s.encode()
	require.NoError(t, err)

	// an edited manifest entry no longer matches the recorded digest
	tampered := bytes.Replace(data, []byte(`"sha1":"aaaa"`), []byte(`"sha1":"bbbb"`), 1)
	require.NotEqual(t, data, tampered)
	_, err = decodeState(tampered)
	require.True(t, errors.Is(err, errors.ErrCorruptData))

	// a state written before digests were recorded still loads
	legacy := []byte(`{"manifest":{"bin/game":{"sha1":"aaaa","size":10}},"state":"stable"}`)
	back, err := decodeState(legacy)
	require.NoError(t, err)
	require.Equal(t, "aaaa", back.Manifest["bin/game"].Sha1)
}

func TestJournalChain(t *testing.T) {
	ctx := context.Background()
	w := memWorkspace(t)
	entries := []JournalEntry{
		{PackageID: "p1", Status: StatusDownloading, Cursor: 128},
		{PackageID: "p1", Status: StatusDownloaded},
		{PackageID: "p1", Path: "a", Status: StatusVerified},
	}
	for _, e := range entries {
		require.NoError(t, w.AppendJournal(ctx, e))
	}
	replayed, err := w.Journal(ctx)
	require.NoError(t, err)
	require.Equal(t, entries, replayed)
}

func TestJournalTruncatedTail(t *testing.T) {
	ctx := context.Background()
	w := memWorkspace(t)
	require.NoError(t, w.AppendJournal(ctx, JournalEntry{PackageID: "p1", Status: StatusQueued}))
	require.NoError(t, w.AppendJournal(ctx, JournalEntry{PackageID: "p1", Status: StatusDownloaded}))

	// simulate a crash mid-append: chop bytes off the tail
	data, err := w.readAll(ctx, model.JournalPath)
	require.NoError(t, err)
	require.NoError(t, w.store.Put(ctx, model.JournalPath, bytes.NewReader(data[:len(data)-5])))

	replayed, err := w.Journal(ctx)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	require.Equal(t, StatusQueued, replayed[0].Status)
}

func TestStagePromote(t *testing.T) {
	ctx := context.Background()
	w := memWorkspace(t)
	content := []byte("file content")
	sha := model.Sha1Bytes(content)

	require.NoError(t, w.StageBlob(ctx, sha, bytes.NewReader(content)))
	require.True(t, w.HasStaged(ctx, sha))
	require.NoError(t, w.Promote(ctx, sha, "data/file.bin", uint64(len(content)), false))

	sum, size, err := w.HashFile(ctx, "data/file.bin")
	require.NoError(t, err)
	require.Equal(t, sha, sum)
	require.Equal(t, uint64(len(content)), size)
	require.Equal(t, sha, w.State().Manifest["data/file.bin"].Sha1)
	require.False(t, w.HasStaged(ctx, sha))
}

func TestStageBlobHashMismatch(t *testing.T) {
	ctx := context.Background()
	w := memWorkspace(t)
	err := w.StageBlob(ctx, strings.Repeat("0", 40), bytes.NewReader([]byte("x")))
	require.True(t, errors.Is(err, errors.ErrCorruptData))
	require.False(t, w.HasStaged(ctx, strings.Repeat("0", 40)))
}

func TestCaseCollision(t *testing.T) {
	ctx := context.Background()
	w := memWorkspace(t)
	a := []byte("a")
	require.NoError(t, w.StageBlob(ctx, model.Sha1Bytes(a), bytes.NewReader(a)))
	require.NoError(t, w.Promote(ctx, model.Sha1Bytes(a), "Data/File", 1, false))

	b := []byte("b")
	require.NoError(t, w.StageBlob(ctx, model.Sha1Bytes(b), bytes.NewReader(b)))
	err := w.Promote(ctx, model.Sha1Bytes(b), "data/file", 1, false)
	require.True(t, errors.Is(err, errors.ErrCorruptData))
}

func TestCheckDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	w := memWorkspace(t)
	content := []byte("payload")
	sha := model.Sha1Bytes(content)
	require.NoError(t, w.StageBlob(ctx, sha, bytes.NewReader(content)))
	require.NoError(t, w.Promote(ctx, sha, "game/data.pak", uint64(len(content)), false))
	require.NoError(t, w.CommitUpdate(ctx, "1.0.0"))

	failures, err := w.Check(ctx)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Equal(t, StateStable, w.State().Kind)

	// corrupt the installed file behind the workspace's back
	require.NoError(t, w.store.Put(ctx, "game/data.pak", bytes.NewReader([]byte("tampered"))))
	failures, err = w.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"game/data.pak"}, failures)
	require.Equal(t, StateCorrupted, w.State().Kind)
}

func TestCommitClearsJournalAndStaging(t *testing.T) {
	ctx := context.Background()
	w := memWorkspace(t)
	require.NoError(t, w.BeginUpdate(ctx, Goal{To: "1.0.0", Packages: []string{"p"}}))
	require.NoError(t, w.AppendJournal(ctx, JournalEntry{PackageID: "p", Status: StatusQueued}))
	require.NoError(t, w.CommitUpdate(ctx, "1.0.0"))

	replayed, err := w.Journal(ctx)
	require.NoError(t, err)
	require.Empty(t, replayed)
	require.Equal(t, StateStable, w.State().Kind)
	require.Nil(t, w.State().Goal)

	// reload from disk
	w2, err := Open("install", Filesystem(w.fs))
	require.NoError(t, err)
	require.Equal(t, StateStable, w2.State().Kind)
	require.Equal(t, "1.0.0", w2.State().Revision)
}
