// Package localfs backs a storage.Store with a directory tree.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/Ludea/speedupdate/pkg/storage"
)

// New creates a local file system backed storage store rooted at dir.
func New(fs afero.Fs, dir string) storage.Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir != "" {
		fs = afero.NewBasePathFs(fs, dir)
	}
	return &localFS{fs: fs, dir: dir}
}

type localFS struct {
	fs  afero.Fs
	dir string
}

func (l *localFS) String() string {
	return fmt.Sprint("localfs@", l.dir)
}

func (l *localFS) Has(_ context.Context, key string) (bool, error) {
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return l.GetAt(ctx, key, 0, -1)
}

func (l *localFS) GetAt(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	has, err := l.Has(ctx, key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, storage.ErrNotFound
	}
	f, err := l.fs.Open(key)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	if length < 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, nil
}

type limitedFile struct {
	io.Reader
	f afero.File
}

func (r *limitedFile) Close() error { return r.f.Close() }

func (l *localFS) Size(_ context.Context, key string) (int64, error) {
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.ErrNotFound
		}
		return 0, err
	}
	return fi.Size(), nil
}

func (l *localFS) Put(_ context.Context, key string, source io.Reader) error {
	if err := l.ensureDir(key); err != nil {
		return err
	}
	target, err := l.fs.OpenFile(key, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create record for %q: %w", key, err)
	}
	if _, err = storage.PipeIO(target, source); err != nil {
		target.Close()
		return fmt.Errorf("write record for %q: %w", key, err)
	}
	return target.Close()
}

func (l *localFS) PutAtomic(ctx context.Context, key, tmpDir string, source io.Reader) error {
	if err := l.fs.MkdirAll(tmpDir, 0700); err != nil {
		return err
	}
	tmp, err := afero.TempFile(l.fs, tmpDir, path.Base(key)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = storage.PipeIO(tmp, source); err != nil {
		tmp.Close()
		l.fs.Remove(tmpName)
		return fmt.Errorf("stage record for %q: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		l.fs.Remove(tmpName)
		return err
	}
	if err := l.ensureDir(key); err != nil {
		l.fs.Remove(tmpName)
		return err
	}
	if err := l.fs.Rename(tmpName, key); err != nil {
		l.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (l *localFS) Append(_ context.Context, key string, source io.Reader) (int64, error) {
	if err := l.ensureDir(key); err != nil {
		return 0, err
	}
	target, err := l.fs.OpenFile(key, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, err
	}
	if _, err = storage.PipeIO(target, source); err != nil {
		target.Close()
		return 0, err
	}
	if err := target.Close(); err != nil {
		return 0, err
	}
	fi, err := l.fs.Stat(key)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (l *localFS) Rename(_ context.Context, from, to string) error {
	if err := l.ensureDir(to); err != nil {
		return err
	}
	return l.fs.Rename(from, to)
}

func (l *localFS) Delete(_ context.Context, key string) error {
	if err := l.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *localFS) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := afero.Walk(l.fs, "", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		keys = append(keys, strings.TrimPrefix(p, "/"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (l *localFS) ensureDir(key string) error {
	dir := path.Dir(key)
	if dir != "" && dir != "." {
		if err := l.fs.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("ensuring directories for %q: %w", key, err)
		}
	}
	return nil
}
