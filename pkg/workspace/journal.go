package workspace

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
	"github.com/Ludea/speedupdate/pkg/storage"
)

// The journal is a monotone append-only log of per-file update
// transitions, truncated at commit. Each frame is:
//
//	uint32 BE payload length | sha1 of the previous frame | payload
//
// The prior-frame hash makes truncation or tampering across a crash
// detectable: replay stops at the first frame whose chain breaks,
// and everything before it is trusted.

// FileStatus is the per-package per-file progress marker.
type FileStatus string

const (
	StatusQueued      FileStatus = "queued"
	StatusDownloading FileStatus = "downloading"
	StatusDownloaded  FileStatus = "downloaded"
	StatusApplying    FileStatus = "applying"
	StatusApplied     FileStatus = "applied"
	StatusVerified    FileStatus = "verified"
	StatusFailed      FileStatus = "failed"
)

// JournalEntry is one logged transition.
type JournalEntry struct {
	PackageID string     `json:"package"`
	Path      string     `json:"path,omitempty"`
	Status    FileStatus `json:"status"`
	// Cursor is the byte offset into the package blob reached by a
	// downloading entry when it was logged. Resume itself starts its
	// Range request at the in-progress blob's size on disk.
	Cursor uint64 `json:"cursor,omitempty"`
}

const journalHashSize = 20

// appendJournal frames and appends entry, chaining it to prev (the
// raw bytes of the previous frame, nil for the first).
func appendJournal(ctx context.Context, store storage.Store, prev []byte, entry JournalEntry) ([]byte, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, errors.New(errors.KindIo, "encode journal entry").Wrap(err)
	}
	frame := make([]byte, 4+journalHashSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	if prev != nil {
		h := model.NewSha1()
		h.Write(prev)
		copy(frame[4:], h.Sum(nil))
	}
	copy(frame[4+journalHashSize:], payload)
	if _, err := store.Append(ctx, model.JournalPath, bytes.NewReader(frame)); err != nil {
		return nil, errors.New(errors.KindIo, "append journal").Wrap(err)
	}
	return frame, nil
}

// replayJournal reads back the journal, validating the chain.
// A broken or truncated tail ends the replay without error: the
// entries before it are the trusted crash-safe prefix. The raw bytes
// of the last valid frame are returned for chaining.
func replayJournal(ctx context.Context, store storage.Store) ([]JournalEntry, []byte, error) {
	rd, err := store.Get(ctx, model.JournalPath)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil, nil
		}
		return nil, nil, errors.New(errors.KindIo, "open journal").Wrap(err)
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, nil, errors.New(errors.KindIo, "read journal").Wrap(err)
	}

	var entries []JournalEntry
	var prev []byte
	off := 0
	for off+4+journalHashSize <= len(data) {
		payloadLen := int(binary.BigEndian.Uint32(data[off:]))
		end := off + 4 + journalHashSize + payloadLen
		if end > len(data) {
			break // truncated tail, crash mid-append
		}
		frame := data[off:end]
		var wantHash [journalHashSize]byte
		if prev != nil {
			h := model.NewSha1()
			h.Write(prev)
			copy(wantHash[:], h.Sum(nil))
		}
		if !bytes.Equal(frame[4:4+journalHashSize], wantHash[:]) {
			break // chain broken, distrust the rest
		}
		var entry JournalEntry
		if err := json.Unmarshal(frame[4+journalHashSize:], &entry); err != nil {
			break
		}
		entries = append(entries, entry)
		prev = frame
		off = end
	}
	return entries, prev, nil
}
