package codec

import (
	"bufio"
	"bytes"
	"hash/fnv"
	"io"

	"github.com/Ludea/speedupdate/pkg/errors"
)

// vcdiff implements the RFC 3284 generic binary delta. The whole
// ecosystem only offers decode-only implementations, so both
// directions live here. The encoder emits a single window per delta
// using explicit-size ADD (opcode 1) and mode-SELF COPY (opcode 19)
// instructions; the decoder accepts the single-instruction subset of
// the default code table with SELF addressing, which is a superset
// of what the encoder produces.

const (
	vcdMagic0 = 0xd6 // 'V' | 0x80
	vcdMagic1 = 0xc3 // 'C' | 0x80
	vcdMagic2 = 0xc4 // 'D' | 0x80
	vcdVer    = 0x00

	vcdSourceFlag = 0x01

	vcdOpRun     = 0
	vcdOpAdd     = 1  // explicit size
	vcdOpCopy    = 19 // mode 0 (SELF), explicit size
	vcdBlockSize = 16
	vcdMinMatch  = 24
)

func init() {
	RegisterPatcher(vcdiffPatcher{})
	RegisterPatcher(rawPatcher{})
}

// rawPatcher ignores the source and streams the full new content.
type rawPatcher struct{}

func (rawPatcher) Name() string { return "raw" }

func (rawPatcher) Diff(_, target []byte, w io.Writer) error {
	_, err := w.Write(target)
	return err
}

func (rawPatcher) Apply(_ []byte, delta io.Reader, w io.Writer) error {
	_, err := io.Copy(w, delta)
	return err
}

type vcdiffPatcher struct{}

func (vcdiffPatcher) Name() string { return "vcdiff" }

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [10]byte
	n := len(tmp)
	n--
	tmp[n] = byte(v & 0x7f)
	for v >>= 7; v > 0; v >>= 7 {
		n--
		tmp[n] = byte(v&0x7f) | 0x80
	}
	buf.Write(tmp[n:])
}

func readVarint(r io.ByteReader) (uint64, error) {
	var v uint64
	for i := 0; i < 10; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errors.New(errors.KindCorruptData, "vcdiff: varint overflow")
}

func blockHash(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// Diff encodes target against source into one VCDIFF window.
func (vcdiffPatcher) Diff(source, target []byte, w io.Writer) error {
	var data, inst, addr bytes.Buffer

	// index source at block granularity
	index := make(map[uint64][]int, len(source)/vcdBlockSize+1)
	for off := 0; off+vcdBlockSize <= len(source); off += vcdBlockSize {
		h := blockHash(source[off : off+vcdBlockSize])
		index[h] = append(index[h], off)
	}

	litStart := 0
	flushAdd := func(end int) {
		if end > litStart {
			inst.WriteByte(vcdOpAdd)
			writeVarint(&inst, uint64(end-litStart))
			data.Write(target[litStart:end])
		}
	}

	pos := 0
	for pos+vcdBlockSize <= len(target) {
		var bestOff, bestLen, bestBack int
		for _, cand := range index[blockHash(target[pos:pos+vcdBlockSize])] {
			// extend forward
			n := 0
			for pos+n < len(target) && cand+n < len(source) && target[pos+n] == source[cand+n] {
				n++
			}
			if n < vcdBlockSize {
				continue
			}
			// extend backward into the pending literal
			back := 0
			for pos-back > litStart && cand-back > 0 && target[pos-back-1] == source[cand-back-1] {
				back++
			}
			if n+back > bestLen {
				bestOff, bestLen, bestBack = cand-back, n+back, back
			}
		}
		if bestLen >= vcdMinMatch {
			pos -= bestBack
			flushAdd(pos)
			inst.WriteByte(vcdOpCopy)
			writeVarint(&inst, uint64(bestLen))
			writeVarint(&addr, uint64(bestOff))
			pos += bestLen
			litStart = pos
		} else {
			pos++
		}
	}
	flushAdd(len(target))

	var win bytes.Buffer
	writeVarint(&win, uint64(len(target))) // target window length
	win.WriteByte(0)                       // delta indicator
	writeVarint(&win, uint64(data.Len()))
	writeVarint(&win, uint64(inst.Len()))
	writeVarint(&win, uint64(addr.Len()))
	win.Write(data.Bytes())
	win.Write(inst.Bytes())
	win.Write(addr.Bytes())

	var out bytes.Buffer
	out.Write([]byte{vcdMagic0, vcdMagic1, vcdMagic2, vcdVer})
	out.WriteByte(0) // hdr_indicator: no secondary compression, no code table
	if len(source) > 0 {
		out.WriteByte(vcdSourceFlag)
		writeVarint(&out, uint64(len(source))) // source segment length
		writeVarint(&out, 0)                   // source segment position
	} else {
		out.WriteByte(0)
	}
	writeVarint(&out, uint64(win.Len()))
	out.Write(win.Bytes())
	_, err := w.Write(out.Bytes())
	return err
}

func corrupt(msg string) error {
	return errors.New(errors.KindCorruptData, "vcdiff: "+msg)
}

// Apply decodes a delta produced by Diff (or any encoder restricted
// to the same subset) over source.
func (vcdiffPatcher) Apply(source []byte, delta io.Reader, w io.Writer) error {
	br := bufio.NewReader(delta)
	var hdr [5]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return corrupt("short header")
	}
	if hdr[0] != vcdMagic0 || hdr[1] != vcdMagic1 || hdr[2] != vcdMagic2 || hdr[3] != vcdVer {
		return corrupt("bad magic")
	}
	if hdr[4] != 0 {
		return errors.New(errors.KindUnsupportedFormat,
			"vcdiff: secondary compression and custom code tables not supported")
	}

	for {
		winIndicator, err := br.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return corrupt("short window header")
		}
		var src []byte
		if winIndicator&vcdSourceFlag != 0 {
			segLen, err := readVarint(br)
			if err != nil {
				return corrupt("bad source segment length")
			}
			segPos, err := readVarint(br)
			if err != nil {
				return corrupt("bad source segment position")
			}
			if segPos+segLen > uint64(len(source)) {
				return corrupt("source segment out of range")
			}
			src = source[segPos : segPos+segLen]
		} else if winIndicator != 0 {
			return errors.New(errors.KindUnsupportedFormat, "vcdiff: unsupported window indicator")
		}
		if _, err := readVarint(br); err != nil { // delta encoding length
			return corrupt("bad delta length")
		}
		targetLen, err := readVarint(br)
		if err != nil {
			return corrupt("bad target window length")
		}
		deltaIndicator, err := br.ReadByte()
		if err != nil || deltaIndicator != 0 {
			return corrupt("bad delta indicator")
		}
		dataLen, err := readVarint(br)
		if err != nil {
			return corrupt("bad data section length")
		}
		instLen, err := readVarint(br)
		if err != nil {
			return corrupt("bad instruction section length")
		}
		addrLen, err := readVarint(br)
		if err != nil {
			return corrupt("bad address section length")
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(br, data); err != nil {
			return corrupt("short data section")
		}
		instBytes := make([]byte, instLen)
		if _, err := io.ReadFull(br, instBytes); err != nil {
			return corrupt("short instruction section")
		}
		addrBytes := make([]byte, addrLen)
		if _, err := io.ReadFull(br, addrBytes); err != nil {
			return corrupt("short address section")
		}

		target, err := decodeWindow(src, data, instBytes, addrBytes, targetLen)
		if err != nil {
			return err
		}
		if _, err := w.Write(target); err != nil {
			return err
		}
	}
}

func decodeWindow(src, data, instBytes, addrBytes []byte, targetLen uint64) ([]byte, error) {
	target := make([]byte, 0, targetLen)
	inst := bytes.NewReader(instBytes)
	addrs := bytes.NewReader(addrBytes)
	dataOff := 0

	takeData := func(n uint64) ([]byte, error) {
		if uint64(dataOff)+n > uint64(len(data)) {
			return nil, corrupt("data section exhausted")
		}
		b := data[dataOff : dataOff+int(n)]
		dataOff += int(n)
		return b, nil
	}

	for inst.Len() > 0 {
		op, _ := inst.ReadByte()
		switch {
		case op == vcdOpRun:
			size, err := readVarint(inst)
			if err != nil {
				return nil, corrupt("bad run size")
			}
			b, err := takeData(1)
			if err != nil {
				return nil, err
			}
			for i := uint64(0); i < size; i++ {
				target = append(target, b[0])
			}
		case op >= vcdOpAdd && op < vcdOpCopy: // ADD, sizes 0 (explicit) or 1..17
			size := uint64(op - vcdOpAdd)
			if size == 0 {
				var err error
				size, err = readVarint(inst)
				if err != nil {
					return nil, corrupt("bad add size")
				}
			}
			b, err := takeData(size)
			if err != nil {
				return nil, err
			}
			target = append(target, b...)
		case op >= vcdOpCopy && op < vcdOpCopy+16: // COPY mode 0, sizes 0 (explicit) or 4..18
			size := uint64(op - vcdOpCopy)
			if size == 0 {
				var err error
				size, err = readVarint(inst)
				if err != nil {
					return nil, corrupt("bad copy size")
				}
			} else {
				size += 3
			}
			address, err := readVarint(addrs)
			if err != nil {
				return nil, corrupt("bad copy address")
			}
			here := uint64(len(src)) + uint64(len(target))
			if address+size > here {
				return nil, corrupt("copy beyond current position")
			}
			for i := uint64(0); i < size; i++ {
				p := address + i
				if p < uint64(len(src)) {
					target = append(target, src[p])
				} else {
					target = append(target, target[p-uint64(len(src))])
				}
			}
		default:
			return nil, errors.Newf(errors.KindUnsupportedFormat,
				"vcdiff: unsupported instruction code %d", op)
		}
	}
	if uint64(len(target)) != targetLen {
		return nil, corrupt("window length mismatch")
	}
	return target, nil
}
