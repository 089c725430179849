package codec

import (
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"

	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
)

func init() {
	RegisterCompressor(rawCompressor{})
	RegisterCompressor(zstdCompressor{})
	RegisterCompressor(brotliCompressor{})
	RegisterCompressor(lzmaCompressor{})
	RegisterCompressor(lz4Compressor{})
}

// rawCompressor is the identity codec.
type rawCompressor struct{}

func (rawCompressor) Name() string { return "raw" }

func (rawCompressor) Compress(w io.Writer, _ model.CodecParams) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (rawCompressor) Decompress(r io.Reader, _ model.CodecParams) (io.ReadCloser, error) {
	return newCorruptReader("raw", r, nil), nil
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string { return "zstd" }

func (zstdCompressor) Compress(w io.Writer, params model.CodecParams) (io.WriteCloser, error) {
	level := zstd.EncoderLevelFromZstd(intParam(params, "level", 19))
	// single-goroutine encode: the builder parallelises across
	// operations, and package bytes must be deterministic
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, errors.New(errors.KindUnsupportedFormat, "zstd: bad encoder options").Wrap(err)
	}
	return enc, nil
}

func (zstdCompressor) Decompress(r io.Reader, _ model.CodecParams) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.New(errors.KindCorruptData, "zstd: corrupt stream at byte 0").Wrap(err)
	}
	rc := dec.IOReadCloser()
	return newCorruptReader("zstd", rc, rc), nil
}

type brotliCompressor struct{}

func (brotliCompressor) Name() string { return "brotli" }

func (brotliCompressor) Compress(w io.Writer, params model.CodecParams) (io.WriteCloser, error) {
	return brotli.NewWriterLevel(w, intParam(params, "level", brotli.BestCompression)), nil
}

func (brotliCompressor) Decompress(r io.Reader, _ model.CodecParams) (io.ReadCloser, error) {
	return newCorruptReader("brotli", brotli.NewReader(r), nil), nil
}

// lzmaCompressor encodes the raw LZMA stream, not an xz container.
type lzmaCompressor struct{}

func (lzmaCompressor) Name() string { return "lzma" }

func (lzmaCompressor) Compress(w io.Writer, params model.CodecParams) (io.WriteCloser, error) {
	cfg := lzma.WriterConfig{}
	if dictCap := intParam(params, "dict_cap", 0); dictCap > 0 {
		cfg.DictCap = dictCap
	}
	enc, err := cfg.NewWriter(w)
	if err != nil {
		return nil, errors.New(errors.KindUnsupportedFormat, "lzma: bad encoder options").Wrap(err)
	}
	return enc, nil
}

func (lzmaCompressor) Decompress(r io.Reader, _ model.CodecParams) (io.ReadCloser, error) {
	dec, err := lzma.NewReader(r)
	if err != nil {
		return nil, errors.New(errors.KindCorruptData, "lzma: corrupt stream at byte 0").Wrap(err)
	}
	return newCorruptReader("lzma", dec, nil), nil
}

type lz4Compressor struct{}

func (lz4Compressor) Name() string { return "lz4" }

func (lz4Compressor) Compress(w io.Writer, params model.CodecParams) (io.WriteCloser, error) {
	enc := lz4.NewWriter(w)
	if level := intParam(params, "level", 0); level > 0 {
		if err := enc.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(1 << (8 + level)))); err != nil {
			return nil, errors.New(errors.KindUnsupportedFormat, "lz4: bad encoder options").Wrap(err)
		}
	}
	return enc, nil
}

func (lz4Compressor) Decompress(r io.Reader, _ model.CodecParams) (io.ReadCloser, error) {
	return newCorruptReader("lz4", lz4.NewReader(r), nil), nil
}
