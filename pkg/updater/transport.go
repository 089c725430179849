package updater

import (
	"context"
	"io"

	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/storage"
)

// Transport is the byte-range fetcher the updater consumes; the
// HTTP implementation lives with the transport collaborator. Keys
// are repository-relative paths. Implementations surface transient
// failures as Network errors (retryable) and permanent ones as
// their own kinds.
type Transport interface {
	// Metadata fetches a whole (small) metadata document.
	Metadata(ctx context.Context, key string) ([]byte, error)
	// Range streams [start, start+length) of a blob; length < 0
	// reads to EOF.
	Range(ctx context.Context, key string, start uint64, length int64) (io.ReadCloser, error)
	// Head reports the blob's total size.
	Head(ctx context.Context, key string) (HeadInfo, error)
}

// HeadInfo is the blob identity returned by Head.
type HeadInfo struct {
	TotalSize uint64
	ETag      string
}

// StoreTransport serves a repository directly from a storage.Store,
// the transport used by local links and by tests.
type StoreTransport struct {
	Store storage.Store
}

func (t StoreTransport) Metadata(ctx context.Context, key string) ([]byte, error) {
	rd, err := t.Store.Get(ctx, key)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errors.Newf(errors.KindUnknownRevision, "remote document %s not found", key)
		}
		return nil, errors.Newf(errors.KindNetwork, "fetch %s", key).Wrap(err)
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, errors.Newf(errors.KindNetwork, "fetch %s", key).Wrap(err)
	}
	return data, nil
}

func (t StoreTransport) Range(ctx context.Context, key string, start uint64, length int64) (io.ReadCloser, error) {
	rd, err := t.Store.GetAt(ctx, key, int64(start), length)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errors.Newf(errors.KindUnknownRevision, "remote blob %s not found", key)
		}
		return nil, errors.Newf(errors.KindNetwork, "fetch range of %s", key).Wrap(err)
	}
	return rd, nil
}

func (t StoreTransport) Head(ctx context.Context, key string) (HeadInfo, error) {
	size, err := t.Store.Size(ctx, key)
	if err != nil {
		if err == storage.ErrNotFound {
			return HeadInfo{}, errors.Newf(errors.KindUnknownRevision, "remote blob %s not found", key)
		}
		return HeadInfo{}, errors.Newf(errors.KindNetwork, "head %s", key).Wrap(err)
	}
	return HeadInfo{TotalSize: uint64(size)}, nil
}
