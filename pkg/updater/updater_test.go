package updater

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Ludea/speedupdate/pkg/builder"
	"github.com/Ludea/speedupdate/pkg/dlogger"
	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
	"github.com/Ludea/speedupdate/pkg/progress"
	"github.com/Ludea/speedupdate/pkg/repository"
	"github.com/Ludea/speedupdate/pkg/storage/localfs"
	"github.com/Ludea/speedupdate/pkg/workspace"
)

// fixture builds a repository with two revisions on one in-memory
// filesystem:
//
//	1.0.0: install package from empty
//	1.1.0: patch package from 1.0.0 and the trees on disk
type fixture struct {
	fs   afero.Fs
	repo *repository.Repository
	ws   *workspace.Workspace
	t    Transport
}

// pakContent is numbered, modestly compressible data so the builder
// reliably prefers a delta over restating the file.
func pakContent(lines int) string {
	var sb strings.Builder
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&sb, "asset %04d blob %08x payload %d\n", i, i*2654435761, i*i)
	}
	return sb.String()
}

var tree100 = map[string]string{
	"game/data.pak":  pakContent(600),
	"game/index.txt": "index v1\n",
	"bin/launcher":   strings.Repeat("\x7fELF fake binary ", 300),
}

var tree110 = map[string]string{
	"game/data.pak":  pakContent(600) + "level two appended.",
	"game/index.txt": "index v2\n",
	"bin/launcher":   strings.Repeat("\x7fELF fake binary ", 300),
	"game/patch.txt": "new in 1.1.0\n",
}

func writeTree(t *testing.T, fs afero.Fs, dir string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		require.NoError(t, afero.WriteFile(fs, dir+"/"+p, []byte(content), 0644))
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	repo := repository.New("repo", repository.Filesystem(fs))
	require.NoError(t, repo.Init(ctx))
	require.NoError(t, repo.RegisterVersion(ctx, model.Version{Revision: "1.0.0"}))
	require.NoError(t, repo.RegisterVersion(ctx, model.Version{Revision: "1.1.0"}))

	writeTree(t, fs, "trees/1.0.0", tree100)
	writeTree(t, fs, "trees/1.1.0", tree110)

	b := builder.New(repo, "1.0.0", "trees/1.0.0",
		builder.Filesystem(fs), builder.Workers(2))
	_, err := b.Build(ctx)
	require.NoError(t, err)

	b = builder.New(repo, "1.1.0", "trees/1.1.0",
		builder.Filesystem(fs), builder.Workers(2))
	b.SetPrevious("1.0.0", "trees/1.0.0")
	_, err = b.Build(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.SetCurrentVersion(ctx, "1.1.0"))

	ws, err := workspace.Open("install", workspace.Filesystem(fs))
	require.NoError(t, err)

	return &fixture{
		fs:   fs,
		repo: repo,
		ws:   ws,
		t:    StoreTransport{Store: localfs.New(fs, "repo")},
	}
}

func (f *fixture) requireTree(t *testing.T, files map[string]string) {
	t.Helper()
	for p, want := range files {
		got, err := afero.ReadFile(f.fs, "install/"+p)
		require.NoError(t, err, p)
		require.Equal(t, want, string(got), p)
	}
}

func fastOpts() UpdateOptions {
	return UpdateOptions{RetryBase: time.Millisecond, RangeTimeout: 5 * time.Second}
}

func TestInstallFromEmpty(t *testing.T) {
	f := newFixture(t)
	u := New(f.ws, f.t, Logger(dlogger.Must(dlogger.LogLevelNone)))
	opts := fastOpts()
	opts.TargetRevision = "1.0.0"
	require.NoError(t, u.Update(context.Background(), opts))
	require.Equal(t, workspace.StateStable, f.ws.State().Kind)
	require.Equal(t, "1.0.0", f.ws.State().Revision)
	f.requireTree(t, tree100)
}

func TestUpdateToCurrentByDefault(t *testing.T) {
	f := newFixture(t)
	u := New(f.ws, f.t)
	require.NoError(t, u.Update(context.Background(), fastOpts()))
	require.Equal(t, "1.1.0", f.ws.State().Revision)
	f.requireTree(t, tree110)
}

func TestPatchUpdateRoundTrip(t *testing.T) {
	f := newFixture(t)
	u := New(f.ws, f.t)
	opts := fastOpts()
	opts.TargetRevision = "1.0.0"
	require.NoError(t, u.Update(context.Background(), opts))

	opts.TargetRevision = "1.1.0"
	require.NoError(t, u.Update(context.Background(), opts))
	require.Equal(t, workspace.StateStable, f.ws.State().Kind)
	require.Equal(t, "1.1.0", f.ws.State().Revision)
	f.requireTree(t, tree110)

	// the manifest holds exactly the 1.1.0 files
	require.Len(t, f.ws.State().Manifest, len(tree110))
}

func TestCorruptionTriggersRepair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := New(f.ws, f.t)
	opts := fastOpts()
	opts.TargetRevision = "1.0.0"
	require.NoError(t, u.Update(ctx, opts))

	// corrupt an installed file behind the workspace's back
	require.NoError(t, afero.WriteFile(f.fs, "install/game/data.pak", []byte("oops"), 0644))

	bus := progress.NewBus()
	u = New(f.ws, f.t, EventBus(bus))
	opts.TargetRevision = "1.1.0"
	require.NoError(t, u.Update(ctx, opts))
	bus.Close()

	require.Equal(t, workspace.StateStable, f.ws.State().Kind)
	require.Equal(t, "1.1.0", f.ws.State().Revision)
	f.requireTree(t, tree110)

	// two plans were announced: the patch plan, then the repair plan
	var plans int
	for e := range bus.Events() {
		if _, ok := e.(progress.PlanReady); ok {
			plans++
		}
	}
	require.Equal(t, 2, plans)
}

func TestNoRepairSurfacesCorruption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := New(f.ws, f.t)
	opts := fastOpts()
	opts.TargetRevision = "1.0.0"
	require.NoError(t, u.Update(ctx, opts))

	opts.NoRepair = true
	// data.pak is patched 1.0.0 -> 1.1.0; corrupt it so the patch
	// pre-image check fails
	require.NoError(t, afero.WriteFile(f.fs, "install/game/data.pak", []byte("tampered"), 0644))
	opts.TargetRevision = "1.1.0"
	err := u.Update(ctx, opts)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrCorruptData))
	require.Equal(t, workspace.StateCorrupted, f.ws.State().Kind)
}

func TestUnreachableLeavesWorkspaceUntouched(t *testing.T) {
	f := newFixture(t)
	u := New(f.ws, f.t)
	opts := fastOpts()
	opts.TargetRevision = "9.9.9"
	err := u.Update(context.Background(), opts)
	require.True(t, errors.Is(err, errors.ErrUnreachable))
	require.Equal(t, workspace.StateNew, f.ws.State().Kind)
	require.Nil(t, f.ws.State().Goal)
}

// flakyTransport drops the connection once, halfway through the
// first ranged blob read, and records every requested range start.
type flakyTransport struct {
	Transport
	mu       sync.Mutex
	starts   []uint64
	tripped  bool
	failFrac float64
}

func (f *flakyTransport) Range(ctx context.Context, key string, start uint64, length int64) (io.ReadCloser, error) {
	if !strings.HasSuffix(key, ".data") {
		return f.Transport.Range(ctx, key, start, length)
	}
	f.mu.Lock()
	f.starts = append(f.starts, start)
	trip := !f.tripped
	f.tripped = true
	f.mu.Unlock()

	rd, err := f.Transport.Range(ctx, key, start, length)
	if err != nil {
		return nil, err
	}
	if !trip {
		return rd, nil
	}
	data, err := io.ReadAll(rd)
	rd.Close()
	if err != nil {
		return nil, err
	}
	half := int(float64(len(data)) * f.failFrac)
	return &failingReader{data: data[:half]}, nil
}

type failingReader struct {
	data []byte
	off  int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, errors.New(errors.KindNetwork, "connection reset")
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

func (r *failingReader) Close() error { return nil }

func TestResumeAfterInterruptedDownload(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyTransport{Transport: f.t, failFrac: 0.5}
	u := New(f.ws, flaky)
	opts := fastOpts()
	opts.TargetRevision = "1.0.0"
	require.NoError(t, u.Update(context.Background(), opts))
	f.requireTree(t, tree100)

	// exactly one resume, starting at the interrupt offset
	require.Len(t, flaky.starts, 2)
	require.Equal(t, uint64(0), flaky.starts[0])
	require.Greater(t, flaky.starts[1], uint64(0))
}

func TestRemoteReadsRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	remote := NewRemote(f.t)

	cur, err := remote.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, "1.1.0", cur)

	versions, err := remote.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions.Versions, 2)

	packages, err := remote.Packages(ctx)
	require.NoError(t, err)
	require.Len(t, packages.Packages, 2)

	meta, err := remote.PackageMetadata(ctx, packages.Packages[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, meta.Operations)
}

func TestConcurrentUpdateRejected(t *testing.T) {
	// lock exclusion needs the real filesystem
	dir := t.TempDir()
	ws1, err := workspace.Open(dir)
	require.NoError(t, err)
	require.NoError(t, ws1.Lock())
	defer ws1.Unlock()

	ws2, err := workspace.Open(dir)
	require.NoError(t, err)
	err = ws2.Lock()
	require.True(t, errors.Is(err, errors.ErrLocked))
}

func TestDownloadProgressEvents(t *testing.T) {
	f := newFixture(t)
	bus := progress.NewBus()
	u := New(f.ws, f.t, EventBus(bus))
	opts := fastOpts()
	opts.TargetRevision = "1.0.0"
	require.NoError(t, u.Update(context.Background(), opts))
	bus.Close()

	var sawPlan, sawDownload, sawApply, sawCompleted bool
	for e := range bus.Events() {
		switch e.(type) {
		case progress.PlanReady:
			sawPlan = true
		case progress.DownloadProgress:
			sawDownload = true
		case progress.ApplyProgress:
			sawApply = true
		case progress.PackageCompleted:
			sawCompleted = true
		}
	}
	require.True(t, sawPlan)
	require.True(t, sawDownload)
	require.True(t, sawApply)
	require.True(t, sawCompleted)
}
