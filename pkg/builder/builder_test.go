package builder

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Ludea/speedupdate/pkg/model"
	"github.com/Ludea/speedupdate/pkg/progress"
	"github.com/Ludea/speedupdate/pkg/repository"
)

func newRepo(t *testing.T, fs afero.Fs) *repository.Repository {
	t.Helper()
	repo := repository.New("repo", repository.Filesystem(fs))
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func write(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
}

func TestEmptySourceBuildHasOnlyAddsAndMkDirs(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	repo := newRepo(t, fs)
	write(t, fs, "dst/a.txt", "hello")
	write(t, fs, "dst/sub/b.txt", "world")
	require.NoError(t, fs.MkdirAll("dst/empty", 0755))

	b := New(repo, "1.0.0", "dst", Filesystem(fs), Workers(2))
	id, err := b.Build(ctx)
	require.NoError(t, err)

	meta, err := repo.PackageMetadata(ctx, id)
	require.NoError(t, err)
	require.Empty(t, meta.From)
	require.Equal(t, "1.0.0", meta.To)
	for _, op := range meta.Operations {
		switch op.(type) {
		case *model.Add, *model.MkDir:
		default:
			t.Fatalf("unexpected operation %s in empty-source build", op.Op())
		}
	}
	// the empty directory survives as an explicit mkdir
	var sawEmptyDir bool
	for _, op := range meta.Operations {
		if op.Op() == model.OpMkDir && op.Path() == "empty" {
			sawEmptyDir = true
		}
	}
	require.True(t, sawEmptyDir)
}

func TestPatchChosenForSharedContent(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	repo := newRepo(t, fs)

	var chunks strings.Builder
	for i := 0; i < 800; i++ {
		chunks.WriteString(strings.Repeat(string(rune('a'+i%26)), 7))
		chunks.WriteString(strings.ToUpper(strings.Repeat(string(rune('a'+(i*11)%26)), 5)))
		chunks.WriteByte(byte('0' + i%10))
	}
	shared := chunks.String()
	write(t, fs, "src/a", "hello")
	write(t, fs, "src/b", shared)
	write(t, fs, "dst/a", "hello")
	write(t, fs, "dst/b", shared+"!")

	b := New(repo, "1.1.0", "dst", Filesystem(fs), Workers(2))
	b.SetPrevious("1.0.0", "src")
	id, err := b.Build(ctx)
	require.NoError(t, err)

	meta, err := repo.PackageMetadata(ctx, id)
	require.NoError(t, err)
	require.Len(t, meta.Operations, 1)
	patch, ok := meta.Operations[0].(*model.Patch)
	require.True(t, ok, "expected a patch, got %s", meta.Operations[0].Op())
	require.Equal(t, "b", patch.FilePath)
	require.Equal(t, "vcdiff", patch.Patcher)
	// the delta must be far smaller than restating the content
	require.Less(t, patch.PackedSize, uint64(len(shared))/4)
}

func TestSmallChangeCollapsesToAdd(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	repo := newRepo(t, fs)
	write(t, fs, "src/b", "world")
	write(t, fs, "dst/b", "world!")

	b := New(repo, "1.1.0", "dst", Filesystem(fs), Workers(1))
	b.SetPrevious("1.0.0", "src")
	id, err := b.Build(ctx)
	require.NoError(t, err)

	meta, err := repo.PackageMetadata(ctx, id)
	require.NoError(t, err)
	require.Len(t, meta.Operations, 1)
	// for a six byte file the delta header costs more than the
	// content, so the full-content candidate wins
	require.Equal(t, model.OpAdd, meta.Operations[0].Op())
}

func TestRemoveAndRmDir(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	repo := newRepo(t, fs)
	write(t, fs, "src/keep", "same")
	write(t, fs, "src/old/gone.txt", "bye")
	write(t, fs, "dst/keep", "same")

	b := New(repo, "1.1.0", "dst", Filesystem(fs), Workers(1))
	b.SetPrevious("1.0.0", "src")
	id, err := b.Build(ctx)
	require.NoError(t, err)

	meta, err := repo.PackageMetadata(ctx, id)
	require.NoError(t, err)
	require.Len(t, meta.Operations, 2)
	require.Equal(t, model.OpRemove, meta.Operations[0].Op())
	require.Equal(t, "old/gone.txt", meta.Operations[0].Path())
	require.Equal(t, model.OpRmDir, meta.Operations[1].Op())
	require.Equal(t, "old", meta.Operations[1].Path())
}

func TestBuildIsDeterministic(t *testing.T) {
	ctx := context.Background()
	build := func() (string, []byte) {
		fs := afero.NewMemMapFs()
		repo := newRepo(t, fs)
		write(t, fs, "dst/one", strings.Repeat("content one ", 100))
		write(t, fs, "dst/two", strings.Repeat("content two ", 100))
		write(t, fs, "dst/three", strings.Repeat("content three ", 100))
		b := New(repo, "1.0.0", "dst", Filesystem(fs), Workers(4))
		id, err := b.Build(ctx)
		require.NoError(t, err)
		blob, err := afero.ReadFile(fs, "repo/"+model.PackageDataPath(id))
		require.NoError(t, err)
		return id, blob
	}
	id1, blob1 := build()
	id2, blob2 := build()
	require.Equal(t, id1, id2)
	require.Equal(t, blob1, blob2)
}

func TestFailedBuildLeavesRepositoryUntouched(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	repo := newRepo(t, fs)
	write(t, fs, "dst/a", "content")

	b := New(repo, "1.0.0", "dst", Filesystem(fs), Workers(1),
		Compressors([]CoderConfig{{Name: "no-such-codec"}}))
	_, err := b.Build(ctx)
	require.Error(t, err)

	doc, err := repo.Packages(ctx)
	require.NoError(t, err)
	require.Empty(t, doc.Packages)
}

func TestBuildPublishesWorkerProgress(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	repo := newRepo(t, fs)
	write(t, fs, "dst/a", strings.Repeat("payload ", 200))

	bus := progress.NewBus()
	b := New(repo, "1.0.0", "dst", Filesystem(fs), Workers(2), EventBus(bus))
	_, err := b.Build(ctx)
	require.NoError(t, err)
	bus.Close()

	var stages []progress.BuildStage
	for e := range bus.Events() {
		if bp, ok := e.(progress.BuildProgress); ok {
			stages = append(stages, bp.Stage)
		}
	}
	require.NotEmpty(t, stages)
	require.Equal(t, progress.BuildingPackage, stages[len(stages)-1])
}

func TestExecutableBitIsRecorded(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	repo := newRepo(t, fs)
	require.NoError(t, afero.WriteFile(fs, "dst/run.sh", []byte("#!/bin/sh\n"), 0755))

	b := New(repo, "1.0.0", "dst", Filesystem(fs), Workers(1))
	id, err := b.Build(ctx)
	require.NoError(t, err)

	meta, err := repo.PackageMetadata(ctx, id)
	require.NoError(t, err)
	require.Len(t, meta.Operations, 1)
	add := meta.Operations[0].(*model.Add)
	require.True(t, add.Executable)
}
