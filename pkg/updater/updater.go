// Package updater plans and applies the package sequence that moves
// a workspace to a target revision: shortest-path planning over the
// package manifest, resumable ranged downloads, strictly ordered
// verified applies and an atomic final commit.
package updater

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Ludea/speedupdate/pkg/codec"
	"github.com/Ludea/speedupdate/pkg/dlogger"
	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
	"github.com/Ludea/speedupdate/pkg/progress"
	"github.com/Ludea/speedupdate/pkg/workspace"
)

const (
	defaultRangeTimeout = 60 * time.Second
	defaultRetryBase    = time.Second
	maxRangeAttempts    = 6
	downloadChunkSize   = 256 * 1024
)

// UpdateOptions tune one Update run.
type UpdateOptions struct {
	// TargetRevision; empty targets the repository's current.
	TargetRevision string
	// DownloadConcurrency is how many package blobs may download in
	// parallel; only the head of the plan feeds the apply stage.
	DownloadConcurrency int
	// Check re-hashes the whole workspace before planning.
	Check bool
	// NoRepair disables the automatic from-empty re-plan on
	// corruption.
	NoRepair bool
	// RangeTimeout bounds each range request (default 60s).
	RangeTimeout time.Duration
	// RetryBase is the initial retry backoff (default 1s).
	RetryBase time.Duration
}

func (o *UpdateOptions) withDefaults() UpdateOptions {
	out := *o
	if out.DownloadConcurrency <= 0 {
		out.DownloadConcurrency = 1
	}
	if out.RangeTimeout <= 0 {
		out.RangeTimeout = defaultRangeTimeout
	}
	if out.RetryBase <= 0 {
		out.RetryBase = defaultRetryBase
	}
	return out
}

// Updater drives updates of one workspace from one remote.
type Updater struct {
	ws     *workspace.Workspace
	remote *Remote
	t      Transport
	bus    *progress.Bus
	l      *zap.Logger
}

// Option configures an Updater.
type Option func(*Updater)

// Logger sets the zap logger.
func Logger(l *zap.Logger) Option {
	return func(u *Updater) { u.l = l }
}

// EventBus attaches a progress bus.
func EventBus(bus *progress.Bus) Option {
	return func(u *Updater) { u.bus = bus }
}

// New builds an Updater over a workspace and a transport.
func New(ws *workspace.Workspace, t Transport, opts ...Option) *Updater {
	u := &Updater{ws: ws, remote: NewRemote(t), t: t, l: dlogger.Default()}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Updater) publish(e progress.Event) {
	if u.bus != nil {
		u.bus.Publish(e)
	}
}

// Update moves the workspace to the target revision. On corruption
// it re-plans once from empty, reusing local files whose hashes
// still match.
func (u *Updater) Update(ctx context.Context, opts UpdateOptions) error {
	opts = opts.withDefaults()
	if err := u.ws.Lock(); err != nil {
		return err
	}
	defer u.ws.Unlock()

	target := opts.TargetRevision
	if target == "" {
		var err error
		if target, err = u.remote.CurrentVersion(ctx); err != nil {
			return err
		}
	}
	if opts.Check {
		if _, err := u.ws.Check(ctx); err != nil {
			return err
		}
	}

	manifest, err := u.remote.Packages(ctx)
	if err != nil {
		return err
	}

	current, repair := u.planOrigin(target)
	plan, err := Plan(manifest, current, target)
	if err != nil {
		return err
	}
	if err := u.runPlan(ctx, opts, plan, current, target); err != nil {
		if errors.Is(err, errors.ErrCorruptData) && !opts.NoRepair && !repair {
			u.l.Warn("corruption during update, re-planning from empty", zap.Error(err))
			repairPlan, perr := Plan(manifest, emptyRevision, target)
			if perr != nil {
				return perr
			}
			if err := u.runPlan(ctx, opts, repairPlan, emptyRevision, target); err != nil {
				return err
			}
			return u.ws.CommitUpdate(ctx, target)
		}
		return err
	}
	return u.ws.CommitUpdate(ctx, target)
}

// planOrigin decides where planning starts from, given the
// workspace state.
func (u *Updater) planOrigin(target string) (current string, repair bool) {
	state := u.ws.State()
	switch state.Kind {
	case workspace.StateStable:
		return state.Revision, false
	case workspace.StateUpdating:
		if state.Goal != nil && state.Goal.To == target && state.Goal.From != "" {
			return state.Goal.From, false
		}
		return emptyRevision, true
	case workspace.StateCorrupted:
		return emptyRevision, true
	}
	return emptyRevision, false
}

// runPlan executes one package sequence: downloads may overlap
// (bounded), applies run strictly in plan order.
func (u *Updater) runPlan(ctx context.Context, opts UpdateOptions, plan []model.PackageDescriptor, from, target string) error {
	if len(plan) == 0 {
		return nil
	}
	ids := make([]string, 0, len(plan))
	for i := range plan {
		ids = append(ids, plan[i].ID)
	}
	u.publish(progress.PlanReady{Packages: ids, TotalBytes: PlanBytes(plan)})
	if err := u.ws.BeginUpdate(ctx, workspace.Goal{From: from, To: target, Packages: ids}); err != nil {
		return err
	}

	// fetch all metadata up-front: apply needs op lists, and blob
	// sizes come from them
	metas := make([]*model.PackageMetadata, len(plan))
	for i := range plan {
		meta, err := u.fetchMetadata(ctx, opts, plan[i].ID)
		if err != nil {
			return err
		}
		metas[i] = meta
	}

	downloads := make([]*download, len(plan))
	for i := range plan {
		downloads[i] = newDownload(plan[i].ID, metas[i].DataSize())
	}

	// download pump: keeps up to DownloadConcurrency blobs in
	// flight, dispatched in plan order, while the apply loop below
	// consumes the head
	dctx, cancelDownloads := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(len(downloads))
	defer wg.Wait()
	defer cancelDownloads()
	sem := make(chan struct{}, opts.DownloadConcurrency)
	go func() {
		for i := range downloads {
			d := downloads[i]
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				u.runDownload(dctx, opts, d)
			}()
		}
	}()

	for i := range plan {
		if err := u.applyPackage(ctx, plan[i].ID, metas[i], downloads[i]); err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) fetchMetadata(ctx context.Context, opts UpdateOptions, id string) (*model.PackageMetadata, error) {
	var meta *model.PackageMetadata
	err := u.withRetry(ctx, opts, "metadata "+id, func(attemptCtx context.Context) error {
		var err error
		meta, err = u.remote.PackageMetadata(attemptCtx, id)
		return err
	})
	return meta, err
}

// withRetry retries transient network failures with exponential
// backoff (1s base, factor 2, 30s cap, ±20% jitter, 6 attempts).
func (u *Updater) withRetry(ctx context.Context, opts UpdateOptions, what string, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryBase
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset() // start the interval sequence at RetryBase

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.RangeTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.New(errors.KindCancelled, "update cancelled").Wrap(ctx.Err())
		}
		if !errors.Is(err, errors.ErrNetwork) || attempt >= maxRangeAttempts {
			return err
		}
		u.publish(progress.Retry{Reason: what + ": " + err.Error(), Attempt: attempt})
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return errors.New(errors.KindCancelled, "update cancelled").Wrap(ctx.Err())
		}
	}
}

// download tracks one in-progress package blob.
type download struct {
	id    string
	total uint64

	mu     sync.Mutex
	cond   *sync.Cond
	cursor uint64
	err    error
	done   bool
}

func newDownload(id string, total uint64) *download {
	d := &download{id: id, total: total}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *download) advance(n uint64) {
	d.mu.Lock()
	d.cursor += n
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *download) finish(err error) {
	d.mu.Lock()
	d.done = true
	d.err = err
	d.cond.Broadcast()
	d.mu.Unlock()
}

// waitFor blocks until offset bytes are locally present (or the
// download failed).
func (d *download) waitFor(offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.cursor < offset && !d.done {
		d.cond.Wait()
	}
	if d.cursor >= offset {
		return nil
	}
	return d.err
}

// runDownload streams the package blob into the in-progress file,
// resuming from its current size and retrying ranges with backoff;
// every retried range starts at the cursor, never at zero.
func (u *Updater) runDownload(ctx context.Context, opts UpdateOptions, d *download) {
	store := u.ws.Store()
	key := model.InProgressPath(d.id)
	blobKey := model.PackageDataPath(d.id)

	// resume: whatever already landed on disk is trusted; blob
	// verification happens per-operation during apply
	if size, err := store.Size(ctx, key); err == nil && size > 0 {
		if uint64(size) > d.total {
			_ = store.Delete(ctx, key)
		} else {
			d.advance(uint64(size))
		}
	}
	_ = u.ws.AppendJournal(ctx, workspace.JournalEntry{
		PackageID: d.id, Status: workspace.StatusDownloading, Cursor: d.cursor,
	})

	for d.cursor < d.total {
		before := d.cursor
		err := u.withRetry(ctx, opts, "download "+d.id, func(attemptCtx context.Context) error {
			rd, err := u.t.Range(attemptCtx, blobKey, d.cursor, -1)
			if err != nil {
				return err
			}
			defer rd.Close()
			buf := make([]byte, downloadChunkSize)
			for {
				n, rerr := rd.Read(buf)
				if n > 0 {
					if _, werr := store.Append(ctx, key, newByteReader(buf[:n])); werr != nil {
						return errors.Newf(errors.KindIo, "write in-progress blob %s", d.id).Wrap(werr)
					}
					d.advance(uint64(n))
					u.publish(progress.DownloadProgress{
						PackageID:  d.id,
						BytesStart: d.cursor - uint64(n),
						BytesEnd:   d.cursor,
						Total:      d.total,
					})
				}
				if rerr == io.EOF {
					return nil
				}
				if rerr != nil {
					return errors.Newf(errors.KindNetwork, "download %s interrupted at byte %d", d.id, d.cursor).Wrap(rerr)
				}
			}
		})
		if err != nil {
			d.finish(err)
			return
		}
		if d.cursor < d.total && d.cursor == before {
			// clean EOF with no progress: the blob is shorter than
			// its metadata claims
			d.finish(errors.Newf(errors.KindCorruptData,
				"package %s blob ends at byte %d, expected %d", d.id, d.cursor, d.total))
			return
		}
	}
	_ = u.ws.AppendJournal(ctx, workspace.JournalEntry{
		PackageID: d.id, Status: workspace.StatusDownloaded, Cursor: d.cursor,
	})
	d.finish(nil)
}

// applyPackage applies every operation of one package in index
// order, consuming downloaded bytes as soon as each payload is
// fully present.
func (u *Updater) applyPackage(ctx context.Context, id string, meta *model.PackageMetadata, d *download) error {
	var inputBytes, outputBytes uint64
	total := len(meta.Operations)
	for i, op := range meta.Operations {
		if err := ctx.Err(); err != nil {
			return errors.New(errors.KindCancelled, "update cancelled").Wrap(err)
		}
		if err := u.applyOperation(ctx, id, op, d); err != nil {
			_ = u.ws.AppendJournal(ctx, workspace.JournalEntry{
				PackageID: id, Path: op.Path(), Status: workspace.StatusFailed,
			})
			if errors.Is(err, errors.ErrCorruptData) {
				_ = u.ws.MarkCorrupted(ctx, []string{op.Path()})
			}
			return err
		}
		switch o := op.(type) {
		case *model.Add:
			inputBytes += o.PackedSize
			outputBytes += o.Size
		case *model.Patch:
			inputBytes += o.PackedSize
			outputBytes += o.AfterSize
		}
		u.publish(progress.ApplyProgress{
			PackageID:   id,
			OpIndex:     i + 1,
			Total:       total,
			InputBytes:  inputBytes,
			OutputBytes: outputBytes,
		})
	}
	if err := u.ws.AppendJournal(ctx, workspace.JournalEntry{
		PackageID: id, Status: workspace.StatusVerified,
	}); err != nil {
		return err
	}
	_ = u.ws.Store().Delete(ctx, model.InProgressPath(id))
	u.publish(progress.PackageCompleted{ID: id})
	u.l.Info("package applied", zap.String("id", id), zap.Int("operations", total))
	return nil
}

func (u *Updater) applyOperation(ctx context.Context, pkgID string, op model.Operation, d *download) error {
	switch o := op.(type) {
	case *model.MkDir:
		return u.ws.MkDir(o.FilePath)
	case *model.RmDir:
		return u.ws.RmDir(o.FilePath)
	case *model.Remove:
		if o.PriorSha1 != "" {
			sum, _, err := u.ws.HashFile(ctx, o.FilePath)
			if err != nil {
				return err
			}
			if sum != o.PriorSha1 {
				return errors.Newf(errors.KindCorruptData,
					"%s: content differs from the revision being removed", o.FilePath)
			}
		}
		return u.ws.RemoveFile(ctx, o.FilePath)
	case *model.Add:
		// reuse a local file that already matches (repair path)
		if rec, ok := u.ws.State().Manifest[o.FilePath]; ok && rec.Sha1 == o.Sha1 {
			if sum, _, err := u.ws.HashFile(ctx, o.FilePath); err == nil && sum == o.Sha1 {
				return nil
			}
		}
		payload, err := u.payload(ctx, pkgID, o.Offset, o.PackedSize, d)
		if err != nil {
			return err
		}
		defer payload.Close()
		c, err := codec.LookupCompressor(o.Codec)
		if err != nil {
			return err
		}
		content, err := c.Decompress(payload, o.Params)
		if err != nil {
			return err
		}
		defer content.Close()
		if err := u.ws.StageBlob(ctx, o.Sha1, content); err != nil {
			return err
		}
		return u.ws.Promote(ctx, o.Sha1, o.FilePath, o.Size, o.Executable)
	case *model.Patch:
		before, err := u.readInstalled(ctx, o.FilePath, o.BeforeSha1)
		if err != nil {
			return err
		}
		payload, err := u.payload(ctx, pkgID, o.Offset, o.PackedSize, d)
		if err != nil {
			return err
		}
		defer payload.Close()
		c, err := codec.LookupCompressor(o.Codec)
		if err != nil {
			return err
		}
		delta, err := c.Decompress(payload, o.Params)
		if err != nil {
			return err
		}
		defer delta.Close()
		p, err := codec.LookupPatcher(o.Patcher)
		if err != nil {
			return err
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(p.Apply(before, delta, pw))
		}()
		if err := u.ws.StageBlob(ctx, o.AfterSha1, pr); err != nil {
			pr.CloseWithError(err)
			return err
		}
		return u.ws.Promote(ctx, o.AfterSha1, o.FilePath, o.AfterSize, o.Executable)
	}
	return errors.Newf(errors.KindUnsupportedFormat, "unknown operation kind %q", op.Op())
}

// payload waits for one operation's byte range and opens it from the
// in-progress blob.
func (u *Updater) payload(ctx context.Context, pkgID string, offset, size uint64, d *download) (io.ReadCloser, error) {
	if err := d.waitFor(offset + size); err != nil {
		return nil, err
	}
	rd, err := u.ws.Store().GetAt(ctx, model.InProgressPath(pkgID), int64(offset), int64(size))
	if err != nil {
		return nil, errors.Newf(errors.KindIo, "read package %s payload", pkgID).Wrap(err)
	}
	return rd, nil
}

// readInstalled loads and hash-verifies the pre-image of a patch.
func (u *Updater) readInstalled(ctx context.Context, relPath, wantSha1 string) ([]byte, error) {
	rd, err := u.ws.OpenFile(ctx, relPath)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, errors.Newf(errors.KindIo, "read %s", relPath).Wrap(err)
	}
	if model.Sha1Bytes(data) != wantSha1 {
		return nil, errors.Newf(errors.KindCorruptData,
			"%s: content differs from the revision being patched", relPath)
	}
	return data, nil
}

// newByteReader avoids aliasing the download buffer across Append
// calls.
func newByteReader(b []byte) io.Reader {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &sliceReader{data: cp}
}

type sliceReader struct {
	data []byte
	off  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}
