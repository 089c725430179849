// Package workspace is the client-side store: the installed tree
// plus the .update bookkeeping (state document, crash-safe journal,
// staging area). No partially written file is ever visible at its
// final path; content lands in staging under its sha1 and moves into
// place by rename only after verification.
package workspace

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Ludea/speedupdate/pkg/dlogger"
	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
	"github.com/Ludea/speedupdate/pkg/storage"
	"github.com/Ludea/speedupdate/pkg/storage/localfs"
)

// Workspace is one client install directory.
type Workspace struct {
	dir   string
	fs    afero.Fs
	store storage.Store
	lock  *flock.Flock
	l     *zap.Logger
	state *State
	// journal appends come from downloader goroutines and the apply
	// loop alike; the chain tail is guarded
	journalMu   sync.Mutex
	journalTail []byte
}

// Option configures a Workspace.
type Option func(*Workspace)

// Logger sets the zap logger (default: dlogger.Default(), silent
// unless SPEEDUPDATE_LOG names a level).
func Logger(l *zap.Logger) Option {
	return func(w *Workspace) { w.l = l }
}

// Filesystem substitutes the backing filesystem; any substituted
// filesystem also switches the advisory lock off, which only tests
// should rely on.
func Filesystem(fs afero.Fs) Option {
	return func(w *Workspace) { w.fs = fs }
}

// Open loads (or assumes new) the workspace at dir. Stale staging
// content from an abandoned update is garbage-collected here.
func Open(dir string, opts ...Option) (*Workspace, error) {
	w := &Workspace{dir: dir, l: dlogger.Default()}
	for _, opt := range opts {
		opt(w)
	}
	if w.fs == nil {
		w.fs = afero.NewOsFs()
		w.lock = flock.New(filepath.Join(dir, model.WorkspaceLockPath))
	}
	w.store = localfs.New(w.fs, dir)

	ctx := context.Background()
	data, err := w.readAll(ctx, model.StatePath)
	switch {
	case err == storage.ErrNotFound:
		w.state = newState()
	case err != nil:
		return nil, errors.New(errors.KindIo, "read workspace state").Wrap(err)
	default:
		if w.state, err = decodeState(data); err != nil {
			return nil, err
		}
	}
	if w.state.Kind != StateUpdating {
		w.gcTransient(ctx)
	} else {
		_, w.journalTail, err = replayJournal(ctx, w.store)
		if err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Dir is the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// State returns the current state document (shared, not a copy).
func (w *Workspace) State() *State { return w.state }

// Store exposes the raw keyed access to the workspace tree.
func (w *Workspace) Store() storage.Store { return w.store }

// Lock takes the exclusive workspace lock; concurrent updates on the
// same workspace are rejected with Locked.
func (w *Workspace) Lock() error {
	if w.lock == nil {
		return nil
	}
	if err := w.fs.MkdirAll(filepath.Join(w.dir, model.UpdateDir), 0700); err != nil {
		return errors.New(errors.KindIo, "create update dir").Wrap(err)
	}
	ok, err := w.lock.TryLock()
	if err != nil {
		return errors.New(errors.KindIo, "acquire workspace lock").Wrap(err)
	}
	if !ok {
		return errors.New(errors.KindLocked, "workspace is locked by another updater")
	}
	return nil
}

// Unlock releases the workspace lock.
func (w *Workspace) Unlock() {
	if w.lock != nil {
		_ = w.lock.Unlock()
	}
}

func (w *Workspace) readAll(ctx context.Context, key string) ([]byte, error) {
	rd, err := w.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

// persistState rewrites the state document atomically.
func (w *Workspace) persistState(ctx context.Context) error {
	data, err := w.state.encode()
	if err != nil {
		return err
	}
	tmpDir := model.UpdateDir + "/tmp"
	if err := w.store.PutAtomic(ctx, model.StatePath, tmpDir, strings.NewReader(string(data))); err != nil {
		return errors.New(errors.KindIo, "write workspace state").Wrap(err)
	}
	w.syncDir(model.UpdateDir)
	return nil
}

// BeginUpdate records the goal and moves the workspace to Updating.
func (w *Workspace) BeginUpdate(ctx context.Context, goal Goal) error {
	w.state.Goal = &goal
	w.state.Kind = StateUpdating
	return w.persistState(ctx)
}

// CommitUpdate is the atomic final swap: revision = target, goal and
// journal cleared, failures reset. Any failure before this leaves
// the previous revision intact.
func (w *Workspace) CommitUpdate(ctx context.Context, revision string) error {
	w.state.Kind = StateStable
	w.state.Revision = revision
	w.state.Goal = nil
	w.state.Failures = nil
	if err := w.persistState(ctx); err != nil {
		return err
	}
	w.journalMu.Lock()
	w.journalTail = nil
	w.journalMu.Unlock()
	_ = w.store.Delete(ctx, model.JournalPath)
	w.gcTransient(ctx)
	w.l.Info("workspace committed", zap.String("revision", revision))
	return nil
}

// MarkCorrupted records verification failures; the planner turns
// this into a repair plan.
func (w *Workspace) MarkCorrupted(ctx context.Context, failures []string) error {
	w.state.Kind = StateCorrupted
	w.state.Failures = failures
	w.state.Goal = nil
	return w.persistState(ctx)
}

// AppendJournal logs one transition, chained to the previous entry.
func (w *Workspace) AppendJournal(ctx context.Context, entry JournalEntry) error {
	w.journalMu.Lock()
	defer w.journalMu.Unlock()
	frame, err := appendJournal(ctx, w.store, w.journalTail, entry)
	if err != nil {
		return err
	}
	w.journalTail = frame
	return nil
}

// Journal replays the trusted prefix of the journal.
func (w *Workspace) Journal(ctx context.Context) ([]JournalEntry, error) {
	w.journalMu.Lock()
	defer w.journalMu.Unlock()
	entries, tail, err := replayJournal(ctx, w.store)
	if err != nil {
		return nil, err
	}
	w.journalTail = tail
	return entries, nil
}

// gcTransient drops staging and in-progress blobs that no active
// update references.
func (w *Workspace) gcTransient(ctx context.Context) {
	for _, dir := range []string{model.StagingDir, model.InProgressDir, model.UpdateDir + "/tmp"} {
		entries, err := afero.ReadDir(w.fs, filepath.Join(w.dir, dir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				_ = w.store.Delete(ctx, dir+"/"+e.Name())
			}
		}
	}
}

// StageBlob streams content into the staging area under its expected
// sha1, hashing it as it is written and verifying once the stream
// ends. A hash mismatch is CorruptData and the staged file is dropped.
func (w *Workspace) StageBlob(ctx context.Context, sha1 string, content io.Reader) (retErr error) {
	key := model.StagingPath(sha1)
	if err := w.fs.MkdirAll(filepath.Join(w.dir, model.StagingDir), 0700); err != nil {
		return errors.New(errors.KindIo, "create staging dir").Wrap(err)
	}
	h := model.NewSha1()
	if err := w.store.Put(ctx, key, io.TeeReader(content, h)); err != nil {
		return errors.Newf(errors.KindIo, "stage blob %s", sha1).Wrap(err)
	}
	if got := model.HexSum(h); got != sha1 {
		_ = w.store.Delete(ctx, key)
		return errors.Newf(errors.KindCorruptData,
			"staged content hashes to %s, expected %s", got, sha1)
	}
	return nil
}

// HasStaged reports whether a verified blob is already staged.
func (w *Workspace) HasStaged(ctx context.Context, sha1 string) bool {
	has, _ := w.store.Has(ctx, model.StagingPath(sha1))
	return has
}

// Promote moves a verified staged blob into its final path, fsyncs
// the enclosing directory and updates the manifest. The caller must
// have verified the blob (StageBlob did).
func (w *Workspace) Promote(ctx context.Context, sha1, relPath string, size uint64, executable bool) error {
	if err := w.checkCaseCollision(relPath); err != nil {
		return err
	}
	if err := w.store.Rename(ctx, model.StagingPath(sha1), relPath); err != nil {
		return errors.Newf(errors.KindIo, "install %s", relPath).Wrap(err)
	}
	mode := os.FileMode(0644)
	if executable {
		mode = 0755
	}
	if err := w.fs.Chmod(filepath.Join(w.dir, relPath), mode); err != nil && !os.IsNotExist(err) {
		return errors.Newf(errors.KindIo, "chmod %s", relPath).Wrap(err)
	}
	w.syncDir(path.Dir(relPath))
	w.state.Manifest[relPath] = FileRecord{Sha1: sha1, Size: size, Executable: executable}
	return nil
}

// checkCaseCollision refuses two manifest paths that collide on a
// case-insensitive filesystem: paths are stored as given and compared
// case-sensitively, so a collision is corruption, not a merge.
func (w *Workspace) checkCaseCollision(relPath string) error {
	lower := strings.ToLower(relPath)
	for p := range w.state.Manifest {
		if p != relPath && strings.ToLower(p) == lower {
			return errors.Newf(errors.KindCorruptData,
				"path %q collides with %q on case-insensitive filesystems", relPath, p)
		}
	}
	return nil
}

// RemoveFile unlinks an installed file and drops it from the
// manifest.
func (w *Workspace) RemoveFile(ctx context.Context, relPath string) error {
	if err := w.store.Delete(ctx, relPath); err != nil {
		return errors.Newf(errors.KindIo, "remove %s", relPath).Wrap(err)
	}
	w.syncDir(path.Dir(relPath))
	delete(w.state.Manifest, relPath)
	return nil
}

// MkDir creates an empty directory in the installed tree.
func (w *Workspace) MkDir(relPath string) error {
	if err := w.fs.MkdirAll(filepath.Join(w.dir, relPath), 0755); err != nil {
		return errors.Newf(errors.KindIo, "mkdir %s", relPath).Wrap(err)
	}
	return nil
}

// RmDir removes an empty directory.
func (w *Workspace) RmDir(relPath string) error {
	err := w.fs.Remove(filepath.Join(w.dir, relPath))
	if err != nil && !os.IsNotExist(err) {
		return errors.Newf(errors.KindIo, "rmdir %s", relPath).Wrap(err)
	}
	return nil
}

// OpenFile opens an installed file for reading.
func (w *Workspace) OpenFile(ctx context.Context, relPath string) (io.ReadCloser, error) {
	rd, err := w.store.Get(ctx, relPath)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errors.Newf(errors.KindCorruptData, "installed file %s is missing", relPath)
		}
		return nil, errors.Newf(errors.KindIo, "open %s", relPath).Wrap(err)
	}
	return rd, nil
}

// HashFile re-hashes an installed file.
func (w *Workspace) HashFile(ctx context.Context, relPath string) (string, uint64, error) {
	rd, err := w.OpenFile(ctx, relPath)
	if err != nil {
		return "", 0, err
	}
	defer rd.Close()
	return model.Sha1Reader(rd)
}

// Check re-hashes the installed tree against the manifest and moves
// the workspace to Stable or Corrupted accordingly. It returns the
// paths that failed.
func (w *Workspace) Check(ctx context.Context) ([]string, error) {
	if w.state.Kind == StateNew {
		return nil, nil
	}
	var failures []string
	for p, rec := range w.state.Manifest {
		sum, size, err := w.HashFile(ctx, p)
		if err != nil || sum != rec.Sha1 || size != rec.Size {
			failures = append(failures, p)
		}
	}
	if len(failures) > 0 {
		if err := w.MarkCorrupted(ctx, failures); err != nil {
			return failures, err
		}
		w.l.Warn("workspace corrupted", zap.Int("failures", len(failures)))
		return failures, nil
	}
	w.state.Kind = StateStable
	w.state.Failures = nil
	return nil, w.persistState(ctx)
}

// RemoveMetadata drops the whole .update bookkeeping tree, leaving
// only the installed files.
func (w *Workspace) RemoveMetadata() error {
	return w.fs.RemoveAll(filepath.Join(w.dir, model.UpdateDir))
}

// syncDir fsyncs a directory of the installed tree. Best effort: on
// filesystems without directory handles this is a no-op.
func (w *Workspace) syncDir(relDir string) {
	if relDir == "." {
		relDir = ""
	}
	d, err := os.Open(filepath.Join(w.dir, relDir))
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
