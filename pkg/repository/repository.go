// Package repository is the server-side store: an append-ordered
// versions history, a current-version pointer and a package index,
// all canonical JSON on disk. Mutations take a repository-wide
// advisory lock; reads are lock-free and rely on every writer going
// through write-to-temp-then-rename.
package repository

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Ludea/speedupdate/pkg/dlogger"
	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
	"github.com/Ludea/speedupdate/pkg/storage"
	"github.com/Ludea/speedupdate/pkg/storage/localfs"
)

// Repository exposes one on-disk repository root.
type Repository struct {
	dir   string
	fs    afero.Fs
	store storage.Store
	lock  *flock.Flock
	l     *zap.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// Logger sets the zap logger (default: dlogger.Default(), silent
// unless SPEEDUPDATE_LOG names a level).
func Logger(l *zap.Logger) Option {
	return func(r *Repository) { r.l = l }
}

// Filesystem substitutes the backing filesystem; any substituted
// filesystem also switches the advisory lock off, which only tests
// should rely on.
func Filesystem(fs afero.Fs) Option {
	return func(r *Repository) { r.fs = fs }
}

// New opens a repository rooted at dir. The layout is not touched
// until Init or a mutation runs.
func New(dir string, opts ...Option) *Repository {
	r := &Repository{
		dir: dir,
		l:   dlogger.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fs == nil {
		r.fs = afero.NewOsFs()
		r.lock = flock.New(filepath.Join(dir, model.RepoLockPath))
	}
	r.store = localfs.New(r.fs, dir)
	return r
}

// Dir is the repository root.
func (r *Repository) Dir() string { return r.dir }

// Store exposes the underlying blob store; the builder streams
// package data through it.
func (r *Repository) Store() storage.Store { return r.store }

// withLock runs fn holding the exclusive repository lock.
func (r *Repository) withLock(fn func() error) error {
	if r.lock != nil {
		ok, err := r.lock.TryLock()
		if err != nil {
			return errors.New(errors.KindIo, "acquire repository lock").Wrap(err)
		}
		if !ok {
			return errors.New(errors.KindLocked, "repository is locked by another writer")
		}
		defer r.lock.Unlock()
	}
	return fn()
}

// Init creates the empty layout. Idempotent when the layout is
// already present.
func (r *Repository) Init(ctx context.Context) error {
	return r.withLock(func() error {
		if err := r.fs.MkdirAll(filepath.Join(r.dir, model.RepoTmpDir), 0700); err != nil {
			return errors.New(errors.KindIo, "create repository layout").Wrap(err)
		}
		if has, _ := r.store.Has(ctx, model.VersionsPath); !has {
			if err := r.writeDoc(ctx, model.VersionsPath, &model.VersionsDocument{}); err != nil {
				return err
			}
		}
		if has, _ := r.store.Has(ctx, model.PackagesPath); !has {
			if err := r.writeDoc(ctx, model.PackagesPath, &model.PackagesDocument{}); err != nil {
				return err
			}
		}
		r.cleanTmp(ctx)
		r.l.Info("repository initialized", zap.String("dir", r.dir))
		return nil
	})
}

// cleanTmp drops staging leftovers from interrupted builds.
func (r *Repository) cleanTmp(ctx context.Context) {
	entries, err := afero.ReadDir(r.fs, filepath.Join(r.dir, model.RepoTmpDir))
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_ = r.store.Delete(ctx, model.RepoTmpDir+"/"+e.Name())
	}
}

type encodable interface {
	Encode() ([]byte, error)
}

func (r *Repository) writeDoc(ctx context.Context, key string, doc encodable) error {
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	if err := r.store.PutAtomic(ctx, key, model.RepoTmpDir, bytes.NewReader(data)); err != nil {
		return errors.Newf(errors.KindIo, "write %s", key).Wrap(err)
	}
	return nil
}

func (r *Repository) readAll(ctx context.Context, key string) ([]byte, error) {
	rd, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

// Versions loads the history document.
func (r *Repository) Versions(ctx context.Context) (*model.VersionsDocument, error) {
	data, err := r.readAll(ctx, model.VersionsPath)
	if err != nil {
		if err == storage.ErrNotFound {
			return &model.VersionsDocument{}, nil
		}
		return nil, errors.New(errors.KindIo, "read versions").Wrap(err)
	}
	return model.DecodeVersions(data)
}

// CurrentVersion returns the current revision, or "" when the
// pointer is absent.
func (r *Repository) CurrentVersion(ctx context.Context) (string, error) {
	data, err := r.readAll(ctx, model.CurrentPath)
	if err != nil {
		if err == storage.ErrNotFound {
			return "", nil
		}
		return "", errors.New(errors.KindIo, "read current").Wrap(err)
	}
	doc, err := model.DecodeCurrent(data)
	if err != nil {
		return "", err
	}
	return string(doc.Revision), nil
}

// RegisterVersion appends a version to the history.
func (r *Repository) RegisterVersion(ctx context.Context, v model.Version) error {
	return r.withLock(func() error {
		doc, err := r.Versions(ctx)
		if err != nil {
			return err
		}
		if doc.IndexOf(string(v.Revision)) >= 0 {
			return errors.Newf(errors.KindDuplicate, "version %s already registered", v.Revision)
		}
		if v.Timestamp.IsZero() {
			v.Timestamp = time.Now()
		}
		doc.Versions = append(doc.Versions, v)
		if err := r.writeDoc(ctx, model.VersionsPath, doc); err != nil {
			return err
		}
		r.l.Info("version registered", zap.String("revision", string(v.Revision)))
		return nil
	})
}

// UnregisterVersion removes a version record from the history.
func (r *Repository) UnregisterVersion(ctx context.Context, rev string) error {
	return r.withLock(func() error {
		doc, err := r.Versions(ctx)
		if err != nil {
			return err
		}
		idx := doc.IndexOf(rev)
		if idx < 0 {
			return errors.Newf(errors.KindUnknownRevision, "version %s not registered", rev)
		}
		doc.Versions = append(doc.Versions[:idx], doc.Versions[idx+1:]...)
		return r.writeDoc(ctx, model.VersionsPath, doc)
	})
}

// SetCurrentVersion swaps the current pointer to a registered
// revision.
func (r *Repository) SetCurrentVersion(ctx context.Context, rev string) error {
	return r.withLock(func() error {
		doc, err := r.Versions(ctx)
		if err != nil {
			return err
		}
		if doc.IndexOf(rev) < 0 {
			return errors.Newf(errors.KindUnknownRevision, "version %s not registered", rev)
		}
		name, err := model.NewCleanName(rev)
		if err != nil {
			return err
		}
		return r.writeDoc(ctx, model.CurrentPath, &model.CurrentDocument{Revision: name})
	})
}

// Packages loads the package index.
func (r *Repository) Packages(ctx context.Context) (*model.PackagesDocument, error) {
	data, err := r.readAll(ctx, model.PackagesPath)
	if err != nil {
		if err == storage.ErrNotFound {
			return &model.PackagesDocument{}, nil
		}
		return nil, errors.New(errors.KindIo, "read packages").Wrap(err)
	}
	return model.DecodePackages(data)
}

// PackageMetadata loads one package metadata document by id.
func (r *Repository) PackageMetadata(ctx context.Context, id string) (*model.PackageMetadata, error) {
	data, err := r.readAll(ctx, model.PackageMetadataPath(id))
	if err != nil {
		return nil, errors.Newf(errors.KindIo, "read package %s metadata", id).Wrap(err)
	}
	if model.Sha1Bytes(data) != id {
		return nil, errors.Newf(errors.KindCorruptData,
			"package %s metadata does not hash to its id", id)
	}
	return model.DecodePackageMetadata(data)
}

// RegisterPackage adds a package whose metadata and data blob are
// already on disk to the index. The blob is written first, the
// metadata second and the index last, so a concurrent reader never
// observes a dangling reference.
func (r *Repository) RegisterPackage(ctx context.Context, id string) error {
	return r.withLock(func() error {
		meta, err := r.PackageMetadata(ctx, id)
		if err != nil {
			return err
		}
		if has, _ := r.store.Has(ctx, model.PackageDataPath(id)); !has {
			return errors.Newf(errors.KindIo, "package %s data blob missing", id)
		}
		desc, err := meta.Descriptor()
		if err != nil {
			return err
		}
		desc.ID = id
		doc, err := r.Packages(ctx)
		if err != nil {
			return err
		}
		if doc.Find(id) != nil {
			return errors.Newf(errors.KindDuplicate, "package %s already registered", id)
		}
		doc.Packages = append(doc.Packages, *desc)
		if err := r.writeDoc(ctx, model.PackagesPath, doc); err != nil {
			return err
		}
		r.l.Info("package registered",
			zap.String("id", id),
			zap.String("from", desc.From),
			zap.String("to", desc.To),
		)
		return nil
	})
}

// UnregisterPackage removes a package from the index, refusing when
// doing so would disconnect a reachable revision pair.
func (r *Repository) UnregisterPackage(ctx context.Context, id string) error {
	return r.withLock(func() error {
		doc, err := r.Packages(ctx)
		if err != nil {
			return err
		}
		target := doc.Find(id)
		if target == nil {
			return errors.Newf(errors.KindUnknownRevision, "package %s not registered", id)
		}
		versions, err := r.Versions(ctx)
		if err != nil {
			return err
		}
		if inUse(versions, doc, id) {
			return errors.Newf(errors.KindUnreachable,
				"unregistering package %s would disconnect the versions graph", id)
		}
		kept := doc.Packages[:0]
		for _, p := range doc.Packages {
			if p.ID != id {
				kept = append(kept, p)
			}
		}
		doc.Packages = kept
		return r.writeDoc(ctx, model.PackagesPath, doc)
	})
}

// DeleteFile removes a raw file under the repository root, a
// maintenance escape hatch for blobs of unregistered packages.
func (r *Repository) DeleteFile(ctx context.Context, path string) error {
	if strings.Contains(path, "..") || strings.HasPrefix(path, "/") {
		return errors.Newf(errors.KindUnsupportedFormat, "invalid repository path %q", path)
	}
	return r.withLock(func() error {
		return r.store.Delete(ctx, path)
	})
}

// Log lists versions from `from` (or the start of history) up to and
// including `to`, in history order.
func (r *Repository) Log(ctx context.Context, from, to string) ([]model.Version, error) {
	doc, err := r.Versions(ctx)
	if err != nil {
		return nil, err
	}
	start := 0
	if from != "" {
		if start = doc.IndexOf(from); start < 0 {
			return nil, errors.Newf(errors.KindUnknownRevision, "version %s not registered", from)
		}
	}
	var out []model.Version
	for _, v := range doc.Versions[start:] {
		out = append(out, v)
		if string(v.Revision) == to {
			return out, nil
		}
	}
	if to != "" {
		return nil, errors.Newf(errors.KindUnknownRevision, "version %s not registered", to)
	}
	return out, nil
}
