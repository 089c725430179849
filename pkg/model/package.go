package model

import (
	"encoding/json"

	"github.com/Ludea/speedupdate/pkg/errors"
)

// PackageMetadata is the per-package document: format header, codec
// catalogs and the ordered operations list.
type PackageMetadata struct {
	From        string // empty = fresh install
	To          string
	Compressors []string // catalog, in declared preference order
	Patchers    []string
	Operations  []Operation
	extra       map[string]json.RawMessage
}

func (m *PackageMetadata) Encode() ([]byte, error) {
	ops := make([]json.RawMessage, 0, len(m.Operations))
	for _, op := range m.Operations {
		rec, err := op.encode()
		if err != nil {
			return nil, err
		}
		ops = append(ops, rec)
	}
	fields := cloneExtra(m.extra)
	fields["magic"] = mustValue(PackageMagic)
	fields["version"] = mustValue(CurrentMetadataVersion)
	fields["to"] = mustValue(m.To)
	fields["compressors"] = mustValue(catalogOrEmpty(m.Compressors))
	fields["patchers"] = mustValue(catalogOrEmpty(m.Patchers))
	fields["operations"] = mustValue(ops)
	if m.From != "" {
		fields["from"] = mustValue(m.From)
	}
	return EncodeDocument(canonicalObject(fields)), nil
}

func catalogOrEmpty(c []string) []string {
	if c == nil {
		return []string{}
	}
	return c
}

func DecodePackageMetadata(data []byte) (*PackageMetadata, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	var header struct {
		Magic   string `json:"magic"`
		Version uint64 `json:"version"`
	}
	hb := canonicalObject(fields)
	if err := json.Unmarshal(hb, &header); err != nil {
		return nil, errors.New(errors.KindUnsupportedFormat, "parse package header").Wrap(err)
	}
	if header.Magic != PackageMagic {
		return nil, errors.Newf(errors.KindUnsupportedFormat, "bad package magic %q", header.Magic)
	}
	if header.Version > CurrentMetadataVersion {
		return nil, errors.Newf(errors.KindUnsupportedFormat,
			"package format version %d not supported", header.Version)
	}
	meta := &PackageMetadata{extra: fields}
	take := func(key string, dst interface{}) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return errors.Newf(errors.KindUnsupportedFormat, "parse package %s", key).Wrap(err)
		}
		delete(fields, key)
		return nil
	}
	delete(fields, "magic")
	delete(fields, "version")
	if err := take("from", &meta.From); err != nil {
		return nil, err
	}
	if err := take("to", &meta.To); err != nil {
		return nil, err
	}
	if err := take("compressors", &meta.Compressors); err != nil {
		return nil, err
	}
	if err := take("patchers", &meta.Patchers); err != nil {
		return nil, err
	}
	var rawOps []json.RawMessage
	if err := take("operations", &rawOps); err != nil {
		return nil, err
	}
	for _, rec := range rawOps {
		op, err := DecodeOperation(rec)
		if err != nil {
			return nil, err
		}
		meta.Operations = append(meta.Operations, op)
	}
	if err := ValidateOperations(meta.Operations); err != nil {
		return nil, err
	}
	return meta, nil
}

// Descriptor derives the index entry for this metadata at rest.
// The package id is the sha1 of the encoded metadata bytes.
func (m *PackageMetadata) Descriptor() (*PackageDescriptor, error) {
	data, err := m.Encode()
	if err != nil {
		return nil, err
	}
	desc := &PackageDescriptor{
		ID:           Sha1Bytes(data),
		From:         m.From,
		To:           m.To,
		CodecSummary: map[string]uint64{},
	}
	opsDigest := NewSha1()
	for _, op := range m.Operations {
		rec, err := op.encode()
		if err != nil {
			return nil, err
		}
		opsDigest.Write(rec)
		switch o := op.(type) {
		case *Add:
			desc.CodecSummary[o.Codec]++
			desc.Size += o.PackedSize
		case *Patch:
			desc.CodecSummary[o.Codec]++
			desc.Size += o.PackedSize
		}
	}
	desc.OperationsDigest = HexSum(opsDigest)
	return desc, nil
}

// DataSize is the total payload blob length implied by the
// operations list.
func (m *PackageMetadata) DataSize() uint64 {
	var size uint64
	for _, op := range m.Operations {
		switch o := op.(type) {
		case *Add:
			size += o.PackedSize
		case *Patch:
			size += o.PackedSize
		}
	}
	return size
}
