package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Ludea/speedupdate/pkg/errors"
)

func TestNewCleanName(t *testing.T) {
	_, err := NewCleanName("1.2.3-beta_4")
	require.NoError(t, err)
	_, err = NewCleanName("1.2/3")
	require.Error(t, err)
	_, err = NewCleanName("")
	require.Error(t, err)
}

func TestCompareRevisions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.1.0", -1},
		{"1.10.0", "1.9.0", 1},
		{"1.0", "1.0.0", -1},
		{"1.0.0", "1.0.0-rc1", -1},
		{"1.0.0-rc1", "1.0.0-rc2", -1},
		{"2", "10", -1},
	}
	for _, c := range cases {
		require.Equal(t, c.want, CompareRevisions(c.a, c.b), "%s vs %s", c.a, c.b)
	}
}

func TestVersionsRoundTripPreservesUnknownKeys(t *testing.T) {
	in := []byte(`{"future_field":{"a":1},"versions":[{"description":"first","revision":"1.0.0","timestamp":"2024-01-02T03:04:05Z"}]}` + "\n")
	doc, err := DecodeVersions(in)
	require.NoError(t, err)
	require.Len(t, doc.Versions, 1)
	require.Equal(t, CleanName("1.0.0"), doc.Versions[0].Revision)

	out, err := doc.Encode()
	require.NoError(t, err)
	require.Equal(t, string(in), string(out))
}

func TestPackageMetadataIDIsStable(t *testing.T) {
	meta := &PackageMetadata{
		From:        "1.0.0",
		To:          "1.1.0",
		Compressors: []string{"zstd", "raw"},
		Patchers:    []string{"vcdiff", "raw"},
		Operations: []Operation{
			&Add{FilePath: "a/b", Size: 3, Sha1: "da39a3ee5e6b4b0d3255bfef95601890afd80709", Codec: "zstd", Offset: 0, PackedSize: 9},
			&Remove{FilePath: "a/c"},
		},
	}
	d1, err := meta.Descriptor()
	require.NoError(t, err)
	d2, err := meta.Descriptor()
	require.NoError(t, err)
	require.Equal(t, d1.ID, d2.ID)
	require.Equal(t, uint64(9), d1.Size)
	require.Equal(t, map[string]uint64{"zstd": 1}, d1.CodecSummary)

	data, err := meta.Encode()
	require.NoError(t, err)
	require.Equal(t, Sha1Bytes(data), d1.ID)

	back, err := DecodePackageMetadata(data)
	require.NoError(t, err)
	again, err := back.Encode()
	require.NoError(t, err)
	require.Equal(t, string(data), string(again))
}

func TestDecodeOperationUnknownKind(t *testing.T) {
	_, err := DecodeOperation(json.RawMessage(`{"op":"truncate","path":"a"}`))
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrUnsupportedFormat))
}

func TestPackageMetadataBadMagic(t *testing.T) {
	_, err := DecodePackageMetadata([]byte(`{"magic":"nope","version":1}` + "\n"))
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrUnsupportedFormat))
}

func TestValidateOperations(t *testing.T) {
	err := ValidateOperations([]Operation{
		&Add{FilePath: "a"},
		&Patch{FilePath: "a"},
	})
	require.Error(t, err)

	err = ValidateOperations([]Operation{&Add{FilePath: "../evil"}})
	require.Error(t, err)

	err = ValidateOperations([]Operation{&Add{FilePath: "/abs"}})
	require.Error(t, err)

	err = ValidateOperations([]Operation{
		&Add{FilePath: "a"},
		&Remove{FilePath: "b"},
		&MkDir{FilePath: "d"},
	})
	require.NoError(t, err)
}

func TestPackagePaths(t *testing.T) {
	require.Equal(t, "abc.metadata", PackageMetadataPath("abc"))
	require.Equal(t, "abc.data", PackageDataPath("abc"))
	require.Equal(t, ".update/staging/ff", StagingPath("ff"))
}
