// Package builder turns the difference between two directory trees
// into a package: classified operations, codec-selected payloads and
// canonical metadata, written into a repository.
package builder

import (
	"bytes"
	"context"
	"io"
	"runtime"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Ludea/speedupdate/pkg/dlogger"
	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
	"github.com/Ludea/speedupdate/pkg/progress"
	"github.com/Ludea/speedupdate/pkg/repository"
)

// Builder assembles one package.
type Builder struct {
	repo        *repository.Repository
	fs          afero.Fs
	toRevision  string
	destDir     string
	prevRev     string
	prevDir     string
	compressors []CoderConfig
	patchers    []CoderConfig
	workers     int
	bus         *progress.Bus
	l           *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// Logger sets the zap logger.
func Logger(l *zap.Logger) Option {
	return func(b *Builder) { b.l = l }
}

// Filesystem substitutes the filesystem the trees are read from.
func Filesystem(fs afero.Fs) Option {
	return func(b *Builder) { b.fs = fs }
}

// Compressors declares the acceptable compressors in preference
// order.
func Compressors(configs []CoderConfig) Option {
	return func(b *Builder) { b.compressors = configs }
}

// Patchers declares the acceptable patchers in preference order.
func Patchers(configs []CoderConfig) Option {
	return func(b *Builder) { b.patchers = configs }
}

// Workers sizes the codec worker pool (default: CPU count).
func Workers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// EventBus attaches a progress bus.
func EventBus(bus *progress.Bus) Option {
	return func(b *Builder) { b.bus = bus }
}

// New prepares a build of destDir as toRevision into repo.
func New(repo *repository.Repository, toRevision, destDir string, opts ...Option) *Builder {
	b := &Builder{
		repo:        repo,
		toRevision:  toRevision,
		destDir:     destDir,
		compressors: DefaultCompressors(),
		patchers:    DefaultPatchers(),
		workers:     runtime.NumCPU(),
		l:           dlogger.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.fs == nil {
		b.fs = afero.NewOsFs()
	}
	return b
}

// SetPrevious makes this a delta build from prevDir at prevRev;
// without it the package installs from nothing.
func (b *Builder) SetPrevious(rev, dir string) {
	b.prevRev = rev
	b.prevDir = dir
}

func (b *Builder) publish(e progress.Event) {
	if b.bus != nil {
		b.bus.Publish(e)
	}
}

// codecTask is one Add/Patch dispatched to the worker pool.
type codecTask struct {
	index int
	op    pendingOp
}

// codecResult is the worker output: the payload bytes for one
// operation index.
type codecResult struct {
	index int
	op    model.Operation // offset not yet assigned
	data  []byte
	err   error
}

// Build runs the full pipeline and returns the registered package
// id. On any failure the repository is left exactly as it was.
func (b *Builder) Build(ctx context.Context) (string, error) {
	b.publish(progress.BuildProgress{Stage: progress.BuildingTaskList})
	src, err := enumerate(ctx, b.fs, b.prevDir)
	if err != nil {
		return "", err
	}
	dst, err := enumerate(ctx, b.fs, b.destDir)
	if err != nil {
		return "", err
	}
	pending := classify(src, dst)

	var processBytes uint64
	for _, op := range pending {
		if op.dest != nil {
			processBytes += op.dest.size
		}
	}
	b.publish(progress.BuildProgress{Stage: progress.BuildingOperations, ProcessBytes: processBytes})

	operations, blob, err := b.runCodecs(ctx, pending, processBytes)
	if err != nil {
		return "", err
	}
	if err := model.ValidateOperations(operations); err != nil {
		return "", err
	}

	b.publish(progress.BuildProgress{Stage: progress.BuildingPackage, ProcessBytes: processBytes, ProcessedBytes: processBytes})
	return b.finalize(ctx, operations, blob)
}

// runCodecs dispatches codec work across the pool and serialises
// payloads in operation order. Workers write into a bounded channel;
// the single serialiser assigns offsets, so identical inputs always
// produce identical bytes.
func (b *Builder) runCodecs(ctx context.Context, pending []pendingOp, processBytes uint64) ([]model.Operation, []byte, error) {
	tasks := make(chan codecTask)
	results := make(chan codecResult, 2*b.workers)

	var (
		workerMu sync.Mutex
		workers  = make([]progress.BuildWorkerProgress, b.workers)
		done     uint64
	)
	reportWorker := func(slot int, task string, size uint64) {
		workerMu.Lock()
		workers[slot] = progress.BuildWorkerProgress{TaskName: task, ProcessBytes: size}
		snapshot := append([]progress.BuildWorkerProgress(nil), workers...)
		processed := done
		workerMu.Unlock()
		b.publish(progress.BuildProgress{
			Stage:          progress.BuildingOperations,
			Workers:        snapshot,
			ProcessedBytes: processed,
			ProcessBytes:   processBytes,
		})
	}

	var wg sync.WaitGroup
	for slot := 0; slot < b.workers; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for task := range tasks {
				if err := ctx.Err(); err != nil {
					results <- codecResult{index: task.index,
						err: errors.New(errors.KindCancelled, "build cancelled").Wrap(err)}
					continue
				}
				reportWorker(slot, task.op.path, taskSize(task.op))
				op, data, err := b.encodeOperation(task.op)
				workerMu.Lock()
				done += taskSize(task.op)
				workerMu.Unlock()
				results <- codecResult{index: task.index, op: op, data: data, err: err}
			}
		}(slot)
	}

	go func() {
		for i, op := range pending {
			tasks <- codecTask{index: i, op: op}
		}
		close(tasks)
		wg.Wait()
		close(results)
	}()

	// single serialiser: drain results, commit payloads strictly in
	// operation index order
	reorder := make(map[int]codecResult)
	operations := make([]model.Operation, 0, len(pending))
	var blob bytes.Buffer
	var errs error
	next := 0
	commit := func(res codecResult) {
		if res.err != nil {
			errs = multierr.Append(errs, res.err)
			return
		}
		switch op := res.op.(type) {
		case *model.Add:
			op.Offset = uint64(blob.Len())
			blob.Write(res.data)
		case *model.Patch:
			op.Offset = uint64(blob.Len())
			blob.Write(res.data)
		}
		operations = append(operations, res.op)
	}
	for res := range results {
		reorder[res.index] = res
		for {
			pendingRes, ok := reorder[next]
			if !ok {
				break
			}
			delete(reorder, next)
			commit(pendingRes)
			next++
		}
	}
	if errs != nil {
		return nil, nil, errs
	}
	return operations, blob.Bytes(), nil
}

func taskSize(op pendingOp) uint64 {
	if op.dest != nil {
		return op.dest.size
	}
	return 0
}

// encodeOperation does the per-operation codec work; pure aside from
// reading the input trees, so safe on any worker.
func (b *Builder) encodeOperation(op pendingOp) (model.Operation, []byte, error) {
	switch op.kind {
	case model.OpMkDir:
		return &model.MkDir{FilePath: op.path}, nil, nil
	case model.OpRmDir:
		return &model.RmDir{FilePath: op.path}, nil, nil
	case model.OpRemove:
		return &model.Remove{FilePath: op.path, PriorSha1: op.source.sha1}, nil, nil
	case model.OpAdd:
		content, err := b.readFile(b.destDir, op.path)
		if err != nil {
			return nil, nil, err
		}
		chosen, err := encodeAdd(b.compressors, content)
		if err != nil {
			return nil, nil, err
		}
		return &model.Add{
			FilePath:   op.path,
			Size:       op.dest.size,
			Sha1:       op.dest.sha1,
			Executable: op.dest.executable,
			Codec:      chosen.config.Name,
			Params:     chosen.config.Params,
			PackedSize: uint64(len(chosen.packed)),
		}, chosen.packed, nil
	case model.OpPatch:
		source, err := b.readFile(b.prevDir, op.path)
		if err != nil {
			return nil, nil, err
		}
		target, err := b.readFile(b.destDir, op.path)
		if err != nil {
			return nil, nil, err
		}
		res, err := encodePatch(b.compressors, b.patchers, source, target)
		if err != nil {
			return nil, nil, err
		}
		if res.patcher == "" {
			// full content beat every delta
			return &model.Add{
				FilePath:   op.path,
				Size:       op.dest.size,
				Sha1:       op.dest.sha1,
				Executable: op.dest.executable,
				Codec:      res.compressor.Name,
				Params:     res.compressor.Params,
				PackedSize: uint64(len(res.packed)),
			}, res.packed, nil
		}
		return &model.Patch{
			FilePath:   op.path,
			BeforeSha1: op.source.sha1,
			AfterSha1:  op.dest.sha1,
			BeforeSize: op.source.size,
			AfterSize:  op.dest.size,
			Executable: op.dest.executable,
			Patcher:    res.patcher,
			Codec:      res.compressor.Name,
			Params:     res.compressor.Params,
			PackedSize: uint64(len(res.packed)),
		}, res.packed, nil
	}
	return nil, nil, errors.Newf(errors.KindUnsupportedFormat, "unknown pending operation %q", op.kind)
}

func (b *Builder) readFile(dir, rel string) ([]byte, error) {
	f, err := b.fs.Open(dir + "/" + rel)
	if err != nil {
		return nil, errors.Newf(errors.KindIo, "open %s/%s", dir, rel).Wrap(err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Newf(errors.KindIo, "read %s/%s", dir, rel).Wrap(err)
	}
	return data, nil
}

// finalize writes blob then metadata then index, the order readers
// rely on, staging everything through the repository tmp dir.
func (b *Builder) finalize(ctx context.Context, operations []model.Operation, blob []byte) (string, error) {
	compressorNames := make([]string, 0, len(b.compressors))
	for _, c := range b.compressors {
		compressorNames = append(compressorNames, c.Name)
	}
	patcherNames := make([]string, 0, len(b.patchers))
	for _, p := range b.patchers {
		patcherNames = append(patcherNames, p.Name)
	}
	meta := &model.PackageMetadata{
		From:        b.prevRev,
		To:          b.toRevision,
		Compressors: compressorNames,
		Patchers:    patcherNames,
		Operations:  operations,
	}
	data, err := meta.Encode()
	if err != nil {
		return "", err
	}
	id := model.Sha1Bytes(data)

	store := b.repo.Store()
	if err := store.PutAtomic(ctx, model.PackageDataPath(id), model.RepoTmpDir, bytes.NewReader(blob)); err != nil {
		return "", errors.Newf(errors.KindIo, "write package %s data", id).Wrap(err)
	}
	if err := store.PutAtomic(ctx, model.PackageMetadataPath(id), model.RepoTmpDir, bytes.NewReader(data)); err != nil {
		_ = store.Delete(ctx, model.PackageDataPath(id))
		return "", errors.Newf(errors.KindIo, "write package %s metadata", id).Wrap(err)
	}
	if err := b.repo.RegisterPackage(ctx, id); err != nil {
		_ = store.Delete(ctx, model.PackageMetadataPath(id))
		_ = store.Delete(ctx, model.PackageDataPath(id))
		return "", err
	}
	b.l.Info("package built",
		zap.String("id", id),
		zap.String("from", b.prevRev),
		zap.String("to", b.toRevision),
		zap.Int("operations", len(operations)),
		zap.Int("payload_bytes", len(blob)),
	)
	return id, nil
}
