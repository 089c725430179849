package model

import (
	"encoding/json"
	"time"

	"github.com/Ludea/speedupdate/pkg/errors"
)

// CurrentMetadataVersion is the format version stamped into package
// metadata headers.
const CurrentMetadataVersion = 1

// PackageMagic identifies a package metadata document.
const PackageMagic = "spup"

// Version is one record of the repository history.
type Version struct {
	Revision    CleanName
	Description string
	Timestamp   time.Time
	_           struct{}
}

// VersionsDocument is the append-ordered repository history.
// Unknown top-level keys survive a read/write cycle.
type VersionsDocument struct {
	Versions []Version
	extra    map[string]json.RawMessage
}

func (d *VersionsDocument) Encode() ([]byte, error) {
	records := make([]json.RawMessage, 0, len(d.Versions))
	for _, v := range d.Versions {
		records = append(records, canonicalObject(map[string]json.RawMessage{
			"revision":    mustValue(v.Revision),
			"description": mustValue(v.Description),
			"timestamp":   mustValue(v.Timestamp.UTC().Format(time.RFC3339)),
		}))
	}
	fields := cloneExtra(d.extra)
	fields["versions"] = mustValue(records)
	return EncodeDocument(canonicalObject(fields)), nil
}

func DecodeVersions(data []byte) (*VersionsDocument, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	doc := &VersionsDocument{extra: fields}
	if raw, ok := fields["versions"]; ok {
		var records []struct {
			Revision    string `json:"revision"`
			Description string `json:"description"`
			Timestamp   string `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, errors.New(errors.KindUnsupportedFormat, "parse versions list").Wrap(err)
		}
		delete(fields, "versions")
		for _, r := range records {
			rev, err := NewCleanName(r.Revision)
			if err != nil {
				return nil, err
			}
			ts, _ := time.Parse(time.RFC3339, r.Timestamp)
			doc.Versions = append(doc.Versions, Version{
				Revision:    rev,
				Description: r.Description,
				Timestamp:   ts,
			})
		}
	}
	return doc, nil
}

// IndexOf returns the position of rev in history, or -1.
func (d *VersionsDocument) IndexOf(rev string) int {
	for i, v := range d.Versions {
		if string(v.Revision) == rev {
			return i
		}
	}
	return -1
}

// CurrentDocument points at the revision clients should target by
// default. The file is absent on an uninitialised repository.
type CurrentDocument struct {
	Revision CleanName
	extra    map[string]json.RawMessage
}

func (d *CurrentDocument) Encode() ([]byte, error) {
	fields := cloneExtra(d.extra)
	fields["current"] = mustValue(d.Revision)
	return EncodeDocument(canonicalObject(fields)), nil
}

func DecodeCurrent(data []byte) (*CurrentDocument, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	doc := &CurrentDocument{extra: fields}
	if raw, ok := fields["current"]; ok {
		var rev string
		if err := json.Unmarshal(raw, &rev); err != nil {
			return nil, errors.New(errors.KindUnsupportedFormat, "parse current revision").Wrap(err)
		}
		delete(fields, "current")
		doc.Revision, err = NewCleanName(rev)
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// PackageDescriptor is one entry of the packages index.
type PackageDescriptor struct {
	ID               string
	From             string // empty = fresh install package
	To               string
	OperationsDigest string
	Size             uint64
	CodecSummary     map[string]uint64 // codec name -> operation count
	_                struct{}
}

// IsInstall reports whether the package applies from nothing.
func (p *PackageDescriptor) IsInstall() bool { return p.From == "" }

func (p *PackageDescriptor) encode() json.RawMessage {
	fields := map[string]json.RawMessage{
		"id":                mustValue(p.ID),
		"to":                mustValue(p.To),
		"operations_digest": mustValue(p.OperationsDigest),
		"size":              mustValue(p.Size),
		"codecs":            mustValue(summaryOrEmpty(p.CodecSummary)),
	}
	if p.From != "" {
		fields["from"] = mustValue(p.From)
	}
	return canonicalObject(fields)
}

func summaryOrEmpty(s map[string]uint64) map[string]uint64 {
	if s == nil {
		return map[string]uint64{}
	}
	return s
}

// PackagesDocument is the package index.
type PackagesDocument struct {
	Packages []PackageDescriptor
	extra    map[string]json.RawMessage
}

func (d *PackagesDocument) Encode() ([]byte, error) {
	records := make([]json.RawMessage, 0, len(d.Packages))
	for i := range d.Packages {
		records = append(records, d.Packages[i].encode())
	}
	fields := cloneExtra(d.extra)
	fields["packages"] = mustValue(records)
	return EncodeDocument(canonicalObject(fields)), nil
}

func DecodePackages(data []byte) (*PackagesDocument, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	doc := &PackagesDocument{extra: fields}
	if raw, ok := fields["packages"]; ok {
		var records []struct {
			ID               string            `json:"id"`
			From             string            `json:"from"`
			To               string            `json:"to"`
			OperationsDigest string            `json:"operations_digest"`
			Size             uint64            `json:"size"`
			Codecs           map[string]uint64 `json:"codecs"`
		}
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, errors.New(errors.KindUnsupportedFormat, "parse packages index").Wrap(err)
		}
		delete(fields, "packages")
		for _, r := range records {
			doc.Packages = append(doc.Packages, PackageDescriptor{
				ID:               r.ID,
				From:             r.From,
				To:               r.To,
				OperationsDigest: r.OperationsDigest,
				Size:             r.Size,
				CodecSummary:     r.Codecs,
			})
		}
	}
	return doc, nil
}

// Find returns the descriptor with the given id, or nil.
func (d *PackagesDocument) Find(id string) *PackageDescriptor {
	for i := range d.Packages {
		if d.Packages[i].ID == id {
			return &d.Packages[i]
		}
	}
	return nil
}

func cloneExtra(extra map[string]json.RawMessage) map[string]json.RawMessage {
	fields := make(map[string]json.RawMessage, len(extra)+1)
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}
