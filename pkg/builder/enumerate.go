package builder

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
)

// fileEntry is one enumerated file of a tree.
type fileEntry struct {
	sha1       string
	size       uint64
	executable bool
}

// tree is the enumerated content of one directory.
type tree struct {
	root  string
	files map[string]fileEntry
	dirs  map[string]struct{}
}

func (t *tree) sortedFiles() []string {
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// enumerate walks dir, hashing every file. An empty dir name yields
// an empty tree (the "from empty" build).
func enumerate(ctx context.Context, fs afero.Fs, dir string) (*tree, error) {
	t := &tree{root: dir, files: map[string]fileEntry{}, dirs: map[string]struct{}{}}
	if dir == "" {
		return t, nil
	}
	type job struct {
		rel  string
		abs  string
		mode os.FileMode
	}
	var jobs []job
	err := afero.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(dir, p)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			t.dirs[rel] = struct{}{}
			return nil
		}
		jobs = append(jobs, job{rel: rel, abs: p, mode: info.Mode()})
		return nil
	})
	if err != nil {
		return nil, errors.Newf(errors.KindIo, "walk %s", dir).Wrap(err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	results := make([]fileEntry, len(jobs))
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return errors.New(errors.KindCancelled, "enumerate cancelled").Wrap(err)
			}
			f, err := fs.Open(j.abs)
			if err != nil {
				return errors.Newf(errors.KindIo, "open %s", j.abs).Wrap(err)
			}
			defer f.Close()
			sum, size, err := model.Sha1Reader(f)
			if err != nil {
				return errors.Newf(errors.KindIo, "hash %s", j.abs).Wrap(err)
			}
			results[i] = fileEntry{sha1: sum, size: size, executable: j.mode&0o111 != 0}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, j := range jobs {
		t.files[j.rel] = results[i]
	}
	return t, nil
}

// pendingOp is one classified change before codec work ran.
type pendingOp struct {
	kind   string // model.OpAdd etc
	path   string
	source *fileEntry // present for patch/remove
	dest   *fileEntry // present for add/patch
}

// classify diffs two enumerated trees into an ordered operation
// list: directory creations first, content changes next, removals
// last with directories deepest-first, everything sorted by path so
// two identical builds emit identical operation order.
func classify(src, dst *tree) []pendingOp {
	var ops []pendingOp

	// new directories that no file creation implies
	var newDirs []string
	for d := range dst.dirs {
		if _, ok := src.dirs[d]; ok {
			continue
		}
		implied := false
		for p := range dst.files {
			if strings.HasPrefix(p, d+"/") {
				implied = true
				break
			}
		}
		if !implied {
			newDirs = append(newDirs, d)
		}
	}
	sort.Strings(newDirs)
	for _, d := range newDirs {
		ops = append(ops, pendingOp{kind: model.OpMkDir, path: d})
	}

	for _, p := range dst.sortedFiles() {
		d := dst.files[p]
		s, inSrc := src.files[p]
		switch {
		case !inSrc:
			ops = append(ops, pendingOp{kind: model.OpAdd, path: p, dest: &d})
		case s.sha1 != d.sha1 || s.executable != d.executable:
			ops = append(ops, pendingOp{kind: model.OpPatch, path: p, source: &s, dest: &d})
		}
	}

	var removed []string
	for p := range src.files {
		if _, ok := dst.files[p]; !ok {
			removed = append(removed, p)
		}
	}
	sort.Strings(removed)
	for _, p := range removed {
		s := src.files[p]
		ops = append(ops, pendingOp{kind: model.OpRemove, path: p, source: &s})
	}

	var goneDirs []string
	for d := range src.dirs {
		if _, ok := dst.dirs[d]; !ok {
			goneDirs = append(goneDirs, d)
		}
	}
	// deepest first so children go before parents
	sort.Slice(goneDirs, func(a, b int) bool {
		da, db := strings.Count(goneDirs[a], "/"), strings.Count(goneDirs[b], "/")
		if da != db {
			return da > db
		}
		return goneDirs[a] < goneDirs[b]
	})
	for _, d := range goneDirs {
		ops = append(ops, pendingOp{kind: model.OpRmDir, path: d})
	}
	return ops
}
