// Package codec holds the two parallel registries of named byte
// transformers used by package payloads: compressors (raw, brotli,
// lzma, zstd, lz4) and patchers (raw, vcdiff, ue4pak).
//
// Encoders are pure and safe to run concurrently. Lookup of an
// unknown name is UnsupportedFormat; malformed input during decode
// is CorruptData carrying the codec name and byte offset.
package codec

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
)

// Compressor pairs the encode and decode directions of one named
// compression scheme.
type Compressor interface {
	Name() string
	// Compress returns a writer encoding into w. Closing it
	// finalizes the stream without closing w.
	Compress(w io.Writer, params model.CodecParams) (io.WriteCloser, error)
	// Decompress returns a reader decoding from r.
	Decompress(r io.Reader, params model.CodecParams) (io.ReadCloser, error)
}

// Patcher is a binary delta algorithm. Diff produces a delta that
// Apply replays over the same source to reconstruct the target.
type Patcher interface {
	Name() string
	Diff(source, target []byte, w io.Writer) error
	Apply(source []byte, delta io.Reader, w io.Writer) error
}

var (
	compressors = map[string]Compressor{}
	patchers    = map[string]Patcher{}
)

// RegisterCompressor adds c to the catalog. Registration happens at
// init time; the table is read-only afterwards.
func RegisterCompressor(c Compressor) { compressors[c.Name()] = c }

// RegisterPatcher adds p to the catalog.
func RegisterPatcher(p Patcher) { patchers[p.Name()] = p }

// LookupCompressor resolves a compressor by name.
func LookupCompressor(name string) (Compressor, error) {
	c, ok := compressors[name]
	if !ok {
		return nil, errors.Newf(errors.KindUnsupportedFormat, "unknown compressor %q", name)
	}
	return c, nil
}

// LookupPatcher resolves a patcher by name.
func LookupPatcher(name string) (Patcher, error) {
	p, ok := patchers[name]
	if !ok {
		return nil, errors.Newf(errors.KindUnsupportedFormat, "unknown patcher %q", name)
	}
	return p, nil
}

// CompressorNames lists the registered compressors.
func CompressorNames() []string {
	names := make([]string, 0, len(compressors))
	for name := range compressors {
		names = append(names, name)
	}
	return names
}

// PatcherNames lists the registered patchers.
func PatcherNames() []string {
	names := make([]string, 0, len(patchers))
	for name := range patchers {
		names = append(names, name)
	}
	return names
}

// CompressBytes runs data through c, returning the packed bytes.
func CompressBytes(c Compressor, params model.CodecParams, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := c.Compress(&buf, params)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Newf(errors.KindIo, "%s: compress", c.Name()).Wrap(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Newf(errors.KindIo, "%s: finalize stream", c.Name()).Wrap(err)
	}
	return buf.Bytes(), nil
}

// DecompressBytes unpacks data through c.
func DecompressBytes(c Compressor, params model.CodecParams, data []byte) ([]byte, error) {
	r, err := c.Decompress(bytes.NewReader(data), params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// corruptReader classifies decode failures as CorruptData with the
// codec name and the offset reached.
type corruptReader struct {
	name   string
	r      io.Reader
	closer io.Closer
	off    int64
}

func (c *corruptReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.off += int64(n)
	if err != nil && err != io.EOF {
		return n, errors.Newf(errors.KindCorruptData,
			"%s: corrupt stream at byte %d", c.name, c.off).Wrap(err)
	}
	return n, err
}

func (c *corruptReader) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func newCorruptReader(name string, r io.Reader, closer io.Closer) io.ReadCloser {
	return &corruptReader{name: name, r: r, closer: closer}
}

// nopWriteCloser finalizes nothing on Close.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// intParam reads an integer codec parameter, tolerating the float64
// that JSON decoding produces.
func intParam(params model.CodecParams, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
