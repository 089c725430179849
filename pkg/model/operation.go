package model

import (
	"encoding/json"

	"github.com/Ludea/speedupdate/pkg/errors"
)

// Operation kinds as they appear in the "op" discriminator.
const (
	OpAdd    = "add"
	OpPatch  = "patch"
	OpRemove = "remove"
	OpMkDir  = "mkdir"
	OpRmDir  = "rmdir"
)

// CodecParams is the small typed record passed to codecs
// (compression level, dictionary size, ...). Values must be JSON
// scalars so the canonical form stays stable.
type CodecParams map[string]interface{}

// Operation is a single file-level change inside a package.
// Paths are forward-slash relative POSIX form.
type Operation interface {
	Op() string
	Path() string
	encode() (json.RawMessage, error)
}

// Add creates path from a compressed payload slice.
type Add struct {
	FilePath   string
	Size       uint64 // final (decoded) size
	Sha1       string
	Executable bool
	Codec      string
	Params     CodecParams
	Offset     uint64 // into the package data blob
	PackedSize uint64
}

func (o *Add) Op() string   { return OpAdd }
func (o *Add) Path() string { return o.FilePath }

func (o *Add) encode() (json.RawMessage, error) {
	fields := map[string]json.RawMessage{
		"op":          mustValue(OpAdd),
		"path":        mustValue(o.FilePath),
		"size":        mustValue(o.Size),
		"sha1":        mustValue(o.Sha1),
		"codec":       mustValue(o.Codec),
		"offset":      mustValue(o.Offset),
		"packed_size": mustValue(o.PackedSize),
	}
	if o.Executable {
		fields["exe"] = mustValue(true)
	}
	params, err := canonicalValue(paramsOrEmpty(o.Params))
	if err != nil {
		return nil, err
	}
	fields["params"] = params
	return canonicalObject(fields), nil
}

// Patch rewrites path by streaming the existing content through a
// patcher fed with the decoded payload slice.
type Patch struct {
	FilePath   string
	BeforeSha1 string
	AfterSha1  string
	BeforeSize uint64
	AfterSize  uint64
	Executable bool
	Patcher    string
	Codec      string
	Params     CodecParams
	Offset     uint64
	PackedSize uint64
}

func (o *Patch) Op() string   { return OpPatch }
func (o *Patch) Path() string { return o.FilePath }

func (o *Patch) encode() (json.RawMessage, error) {
	fields := map[string]json.RawMessage{
		"op":          mustValue(OpPatch),
		"path":        mustValue(o.FilePath),
		"before_sha1": mustValue(o.BeforeSha1),
		"after_sha1":  mustValue(o.AfterSha1),
		"before_size": mustValue(o.BeforeSize),
		"after_size":  mustValue(o.AfterSize),
		"patcher":     mustValue(o.Patcher),
		"codec":       mustValue(o.Codec),
		"offset":      mustValue(o.Offset),
		"packed_size": mustValue(o.PackedSize),
	}
	if o.Executable {
		fields["exe"] = mustValue(true)
	}
	params, err := canonicalValue(paramsOrEmpty(o.Params))
	if err != nil {
		return nil, err
	}
	fields["params"] = params
	return canonicalObject(fields), nil
}

// Remove unlinks path.
type Remove struct {
	FilePath string
	// PriorSha1 is the expected hash of the file being removed; a
	// mismatch at apply time is corruption, not success.
	PriorSha1 string
}

func (o *Remove) Op() string   { return OpRemove }
func (o *Remove) Path() string { return o.FilePath }

func (o *Remove) encode() (json.RawMessage, error) {
	fields := map[string]json.RawMessage{
		"op":   mustValue(OpRemove),
		"path": mustValue(o.FilePath),
	}
	if o.PriorSha1 != "" {
		fields["sha1"] = mustValue(o.PriorSha1)
	}
	return canonicalObject(fields), nil
}

// MkDir creates an empty directory.
type MkDir struct {
	FilePath string
}

func (o *MkDir) Op() string   { return OpMkDir }
func (o *MkDir) Path() string { return o.FilePath }

func (o *MkDir) encode() (json.RawMessage, error) {
	return canonicalObject(map[string]json.RawMessage{
		"op":   mustValue(OpMkDir),
		"path": mustValue(o.FilePath),
	}), nil
}

// RmDir removes an empty directory.
type RmDir struct {
	FilePath string
}

func (o *RmDir) Op() string   { return OpRmDir }
func (o *RmDir) Path() string { return o.FilePath }

func (o *RmDir) encode() (json.RawMessage, error) {
	return canonicalObject(map[string]json.RawMessage{
		"op":   mustValue(OpRmDir),
		"path": mustValue(o.FilePath),
	}), nil
}

func paramsOrEmpty(p CodecParams) CodecParams {
	if p == nil {
		return CodecParams{}
	}
	return p
}

type rawOperation struct {
	Op         string      `json:"op"`
	Path       string      `json:"path"`
	Size       uint64      `json:"size"`
	Sha1       string      `json:"sha1"`
	Exe        bool        `json:"exe"`
	BeforeSha1 string      `json:"before_sha1"`
	AfterSha1  string      `json:"after_sha1"`
	BeforeSize uint64      `json:"before_size"`
	AfterSize  uint64      `json:"after_size"`
	Patcher    string      `json:"patcher"`
	Codec      string      `json:"codec"`
	Params     CodecParams `json:"params"`
	Offset     uint64      `json:"offset"`
	PackedSize uint64      `json:"packed_size"`
}

// DecodeOperation parses one operation record. Unknown kinds are
// UnsupportedFormat, never silently dropped.
func DecodeOperation(data json.RawMessage) (Operation, error) {
	var raw rawOperation
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.New(errors.KindUnsupportedFormat, "parse operation").Wrap(err)
	}
	switch raw.Op {
	case OpAdd:
		return &Add{
			FilePath:   raw.Path,
			Size:       raw.Size,
			Sha1:       raw.Sha1,
			Executable: raw.Exe,
			Codec:      raw.Codec,
			Params:     raw.Params,
			Offset:     raw.Offset,
			PackedSize: raw.PackedSize,
		}, nil
	case OpPatch:
		return &Patch{
			FilePath:   raw.Path,
			BeforeSha1: raw.BeforeSha1,
			AfterSha1:  raw.AfterSha1,
			BeforeSize: raw.BeforeSize,
			AfterSize:  raw.AfterSize,
			Executable: raw.Exe,
			Patcher:    raw.Patcher,
			Codec:      raw.Codec,
			Params:     raw.Params,
			Offset:     raw.Offset,
			PackedSize: raw.PackedSize,
		}, nil
	case OpRemove:
		return &Remove{FilePath: raw.Path, PriorSha1: raw.Sha1}, nil
	case OpMkDir:
		return &MkDir{FilePath: raw.Path}, nil
	case OpRmDir:
		return &RmDir{FilePath: raw.Path}, nil
	}
	return nil, errors.Newf(errors.KindUnsupportedFormat, "unknown operation kind %q", raw.Op)
}

// EncodeOperation yields the canonical record for op.
func EncodeOperation(op Operation) (json.RawMessage, error) {
	return op.encode()
}

// ValidateOperations enforces per-package operation invariants: a
// path appears in at most one Add or Patch, and all paths are
// relative forward-slash form.
func ValidateOperations(ops []Operation) error {
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		p := op.Path()
		if p == "" || p[0] == '/' || containsDotDot(p) {
			return errors.Newf(errors.KindUnsupportedFormat, "invalid operation path %q", p)
		}
		switch op.(type) {
		case *Add, *Patch:
			if _, dup := seen[p]; dup {
				return errors.Newf(errors.KindUnsupportedFormat,
					"path %q written by more than one operation", p)
			}
			seen[p] = struct{}{}
		}
	}
	return nil
}

func containsDotDot(p string) bool {
	for i := 0; i+1 < len(p); i++ {
		if p[i] == '.' && p[i+1] == '.' {
			if (i == 0 || p[i-1] == '/') && (i+2 == len(p) || p[i+2] == '/') {
				return true
			}
		}
	}
	return false
}
