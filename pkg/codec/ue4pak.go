package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
)

// ue4pak is a structural patcher for UE4 pak containers. A pak file
// keeps an index of named entries at its tail; entries that carry
// identical name and hash between two paks are emitted as COPY
// instructions over the source byte range instead of being
// re-discovered by the generic matcher. The output is a plain vcdiff
// stream, so Apply simply delegates.
//
// Paks that fail to parse fall back to the generic vcdiff matcher.

const (
	pakMagic      = 0x5a6f12e1
	pakFooterSize = 44 // magic + version + index offset/size + index sha1
)

func init() {
	RegisterPatcher(ue4pakPatcher{})
}

type ue4pakPatcher struct{}

func (ue4pakPatcher) Name() string { return "ue4pak" }

func (ue4pakPatcher) Apply(source []byte, delta io.Reader, w io.Writer) error {
	return vcdiffPatcher{}.Apply(source, delta, w)
}

type pakEntry struct {
	name   string
	hash   [20]byte
	offset uint64
	end    uint64
}

type pakIndex struct {
	entries []pakEntry
}

func parsePak(data []byte) (*pakIndex, bool) {
	if len(data) < pakFooterSize {
		return nil, false
	}
	footer := data[len(data)-pakFooterSize:]
	if binary.LittleEndian.Uint32(footer[0:4]) != pakMagic {
		return nil, false
	}
	indexOffset := binary.LittleEndian.Uint64(footer[8:16])
	indexSize := binary.LittleEndian.Uint64(footer[16:24])
	if indexOffset+indexSize > uint64(len(data)) {
		return nil, false
	}
	r := bytes.NewReader(data[indexOffset : indexOffset+indexSize])
	if _, ok := readPakString(r); !ok { // mount point
		return nil, false
	}
	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil || count < 0 {
		return nil, false
	}
	idx := &pakIndex{entries: make([]pakEntry, 0, count)}
	for i := int32(0); i < count; i++ {
		name, ok := readPakString(r)
		if !ok {
			return nil, false
		}
		var rec struct {
			Offset           uint64
			Size             uint64
			UncompressedSize uint64
			CompressionKind  uint32
			Hash             [20]byte
		}
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, false
		}
		if rec.Offset > uint64(len(data)) {
			return nil, false
		}
		idx.entries = append(idx.entries, pakEntry{
			name:   name,
			hash:   rec.Hash,
			offset: rec.Offset,
		})
		// Compressed entries carry a block list we have no need
		// for; entry payload ranges come from sorting offsets.
		if rec.CompressionKind != 0 {
			return nil, false
		}
	}
	// Payload of an entry runs to the start of the next one (or the
	// index). Entry records on disk are prefixed with a serialized
	// copy of their index record, so the range includes it.
	sorted := make([]int, len(idx.entries))
	for i := range sorted {
		sorted[i] = i
	}
	sort.Slice(sorted, func(a, b int) bool {
		return idx.entries[sorted[a]].offset < idx.entries[sorted[b]].offset
	})
	for si, i := range sorted {
		if si+1 < len(sorted) {
			idx.entries[i].end = idx.entries[sorted[si+1]].offset
		} else {
			idx.entries[i].end = indexOffset
		}
	}
	return idx, true
}

func readPakString(r *bytes.Reader) (string, bool) {
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", false
	}
	if n < 0 || int64(n) > int64(r.Len()) {
		return "", false
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", false
	}
	return string(bytes.TrimRight(buf, "\x00")), true
}

// Diff matches entries by name and hash, copying unchanged payload
// ranges from the source pak and emitting everything else as literal
// ADD data; the generic matcher is not run over those ranges.
func (ue4pakPatcher) Diff(source, target []byte, w io.Writer) error {
	srcIdx, srcOK := parsePak(source)
	tgtIdx, tgtOK := parsePak(target)
	if !srcOK || !tgtOK {
		return vcdiffPatcher{}.Diff(source, target, w)
	}

	srcByName := make(map[string]*pakEntry, len(srcIdx.entries))
	for i := range srcIdx.entries {
		srcByName[srcIdx.entries[i].name] = &srcIdx.entries[i]
	}

	// Build instruction/data/address sections directly: walk the
	// target in offset order, COPY matched entries, ADD the rest.
	var data, inst, addr bytes.Buffer
	emitAdd := func(lo, hi uint64) {
		if hi <= lo {
			return
		}
		inst.WriteByte(vcdOpAdd)
		writeVarint(&inst, hi-lo)
		data.Write(target[lo:hi])
	}
	emitCopy := func(srcLo, srcHi uint64) {
		inst.WriteByte(vcdOpCopy)
		writeVarint(&inst, srcHi-srcLo)
		writeVarint(&addr, srcLo)
	}

	ordered := make([]*pakEntry, 0, len(tgtIdx.entries))
	for i := range tgtIdx.entries {
		ordered = append(ordered, &tgtIdx.entries[i])
	}
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].offset < ordered[b].offset })

	var cursor uint64
	for _, e := range ordered {
		if e.offset < cursor || e.end < e.offset {
			return vcdiffPatcher{}.Diff(source, target, w) // overlapping index, be safe
		}
		src, ok := srcByName[e.name]
		if !ok || src.hash != e.hash || src.end <= src.offset ||
			src.end-src.offset != e.end-e.offset {
			continue // changed entry, stays in the literal run
		}
		emitAdd(cursor, e.offset)
		emitCopy(src.offset, src.end)
		cursor = e.end
	}
	emitAdd(cursor, uint64(len(target)))

	var win bytes.Buffer
	writeVarint(&win, uint64(len(target)))
	win.WriteByte(0)
	writeVarint(&win, uint64(data.Len()))
	writeVarint(&win, uint64(inst.Len()))
	writeVarint(&win, uint64(addr.Len()))
	win.Write(data.Bytes())
	win.Write(inst.Bytes())
	win.Write(addr.Bytes())

	var out bytes.Buffer
	out.Write([]byte{vcdMagic0, vcdMagic1, vcdMagic2, vcdVer})
	out.WriteByte(0)
	out.WriteByte(vcdSourceFlag)
	writeVarint(&out, uint64(len(source)))
	writeVarint(&out, 0)
	writeVarint(&out, uint64(win.Len()))
	out.Write(win.Bytes())
	_, err := w.Write(out.Bytes())
	return err
}
