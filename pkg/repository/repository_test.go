package repository

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
)

func memRepo(t *testing.T) *Repository {
	t.Helper()
	r := New("repo", Filesystem(afero.NewMemMapFs()))
	require.NoError(t, r.Init(context.Background()))
	return r
}

func TestInitIsIdempotent(t *testing.T) {
	r := memRepo(t)
	require.NoError(t, r.Init(context.Background()))
	cur, err := r.CurrentVersion(context.Background())
	require.NoError(t, err)
	require.Empty(t, cur)
}

func TestRegisterVersion(t *testing.T) {
	ctx := context.Background()
	r := memRepo(t)
	require.NoError(t, r.RegisterVersion(ctx, model.Version{Revision: "1.0.0", Description: "first"}))
	require.NoError(t, r.RegisterVersion(ctx, model.Version{Revision: "1.1.0"}))

	err := r.RegisterVersion(ctx, model.Version{Revision: "1.0.0"})
	require.True(t, errors.Is(err, errors.ErrDuplicate))

	doc, err := r.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Versions, 2)
	require.Equal(t, model.CleanName("1.0.0"), doc.Versions[0].Revision)
}

func TestSetCurrentVersion(t *testing.T) {
	ctx := context.Background()
	r := memRepo(t)
	err := r.SetCurrentVersion(ctx, "1.0.0")
	require.True(t, errors.Is(err, errors.ErrUnknownRevision))

	require.NoError(t, r.RegisterVersion(ctx, model.Version{Revision: "1.0.0"}))
	require.NoError(t, r.SetCurrentVersion(ctx, "1.0.0"))
	cur, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", cur)
}

func TestUnregisterVersion(t *testing.T) {
	ctx := context.Background()
	r := memRepo(t)
	require.NoError(t, r.RegisterVersion(ctx, model.Version{Revision: "1.0.0"}))
	require.NoError(t, r.UnregisterVersion(ctx, "1.0.0"))
	err := r.UnregisterVersion(ctx, "1.0.0")
	require.True(t, errors.Is(err, errors.ErrUnknownRevision))
}

func TestLog(t *testing.T) {
	ctx := context.Background()
	r := memRepo(t)
	for _, rev := range []model.CleanName{"1.0.0", "1.1.0", "1.2.0"} {
		require.NoError(t, r.RegisterVersion(ctx, model.Version{Revision: rev}))
	}
	out, err := r.Log(ctx, "1.1.0", "1.2.0")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, model.CleanName("1.1.0"), out[0].Revision)

	_, err = r.Log(ctx, "9.9.9", "")
	require.True(t, errors.Is(err, errors.ErrUnknownRevision))
}

// putPackage writes metadata+blob on disk and registers it.
func putPackage(t *testing.T, r *Repository, from, to string) string {
	t.Helper()
	ctx := context.Background()
	meta := &model.PackageMetadata{
		From:        from,
		To:          to,
		Compressors: []string{"raw"},
		Patchers:    []string{"raw"},
		Operations: []model.Operation{
			&model.Add{FilePath: "f", Size: 1, Sha1: "x", Codec: "raw", PackedSize: 1},
		},
	}
	data, err := meta.Encode()
	require.NoError(t, err)
	id := model.Sha1Bytes(data)
	require.NoError(t, r.Store().Put(ctx, model.PackageDataPath(id), bytes.NewReader([]byte{0})))
	require.NoError(t, r.Store().Put(ctx, model.PackageMetadataPath(id), bytes.NewReader(data)))
	require.NoError(t, r.RegisterPackage(ctx, id))
	return id
}

func TestRegisterPackage(t *testing.T) {
	ctx := context.Background()
	r := memRepo(t)
	id := putPackage(t, r, "", "1.0.0")

	err := r.RegisterPackage(ctx, id)
	require.True(t, errors.Is(err, errors.ErrDuplicate))

	doc, err := r.Packages(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Packages, 1)
	require.Equal(t, id, doc.Packages[0].ID)
	require.True(t, doc.Packages[0].IsInstall())

	meta, err := r.PackageMetadata(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", meta.To)
}

func TestUnregisterPackageReachability(t *testing.T) {
	ctx := context.Background()
	r := memRepo(t)
	require.NoError(t, r.RegisterVersion(ctx, model.Version{Revision: "1.0.0"}))
	require.NoError(t, r.RegisterVersion(ctx, model.Version{Revision: "1.1.0"}))

	install100 := putPackage(t, r, "", "1.0.0")
	patch := putPackage(t, r, "1.0.0", "1.1.0")
	install110 := putPackage(t, r, "", "1.1.0")

	// patch is redundant with install110: 1.1.0 stays reachable from
	// the install root, but 1.0.0 -> 1.1.0 becomes disconnected, so
	// removal is refused.
	err := r.UnregisterPackage(ctx, patch)
	require.Error(t, err)

	// install110 is redundant: empty -> 1.1.0 still holds via
	// install100 + patch.
	require.NoError(t, r.UnregisterPackage(ctx, install110))

	// now the patch became load-bearing for empty -> 1.1.0
	err = r.UnregisterPackage(ctx, patch)
	require.Error(t, err)

	_ = install100
}

func TestDeleteFile(t *testing.T) {
	ctx := context.Background()
	r := memRepo(t)
	require.NoError(t, r.Store().Put(ctx, "orphan.data", bytes.NewReader([]byte{1})))
	require.NoError(t, r.DeleteFile(ctx, "orphan.data"))
	err := r.DeleteFile(ctx, "../outside")
	require.True(t, errors.Is(err, errors.ErrUnsupportedFormat))
}

func TestLockExclusion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r1 := New(dir)
	require.NoError(t, r1.Init(ctx))

	// concurrent writers: every failure must be Locked or Duplicate,
	// and exactly one registration wins
	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := New(dir)
			results[i] = r.RegisterVersion(ctx, model.Version{Revision: "2.0.0"})
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, errors.ErrLocked), errors.Is(err, errors.ErrDuplicate):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)

	doc, err := r1.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Versions, 1)

	// lock file lives inside the repository root
	_, err = afero.NewOsFs().Stat(filepath.Join(dir, model.RepoLockPath))
	require.NoError(t, err)
}
