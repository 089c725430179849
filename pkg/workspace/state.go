package workspace

import (
	"encoding/json"
	"sort"

	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
)

// StateKind is the coarse workspace status.
type StateKind string

const (
	// StateNew is an empty workspace with nothing installed.
	StateNew StateKind = "new"
	// StateStable is a fully verified revision.
	StateStable StateKind = "stable"
	// StateCorrupted is a revision with files failing verification.
	StateCorrupted StateKind = "corrupted"
	// StateUpdating is a partially applied goal.
	StateUpdating StateKind = "updating"
)

// FileRecord is the manifest snapshot of one installed file.
type FileRecord struct {
	Sha1       string
	Size       uint64
	Executable bool
}

// Goal is the target revision and the planned package sequence.
type Goal struct {
	From     string // revision the plan starts at; empty = install
	To       string
	Packages []string // ordered package ids
}

// State is the persisted workspace state document.
type State struct {
	Kind     StateKind
	Revision string
	Failures []string // paths pending repair
	Goal     *Goal
	Manifest map[string]FileRecord
}

func newState() *State {
	return &State{Kind: StateNew, Manifest: map[string]FileRecord{}}
}

func (s *State) encode() ([]byte, error) {
	manifest := make(map[string]interface{}, len(s.Manifest))
	for p, rec := range s.Manifest {
		entry := map[string]interface{}{
			"sha1": rec.Sha1,
			"size": rec.Size,
		}
		if rec.Executable {
			entry["exe"] = true
		}
		manifest[p] = entry
	}
	doc := map[string]interface{}{
		"state":         string(s.Kind),
		"manifest":      manifest,
		"manifest_sha1": s.manifestSha1(),
	}
	if s.Revision != "" {
		doc["revision"] = s.Revision
	}
	if len(s.Failures) > 0 {
		failures := append([]string(nil), s.Failures...)
		sort.Strings(failures)
		doc["failures"] = failures
	}
	if s.Goal != nil {
		goal := map[string]interface{}{
			"to":       s.Goal.To,
			"packages": s.Goal.Packages,
		}
		if s.Goal.From != "" {
			goal["from"] = s.Goal.From
		}
		doc["goal"] = goal
	}
	data, err := json.Marshal(doc) // map keys come out sorted
	if err != nil {
		return nil, errors.New(errors.KindUnsupportedFormat, "encode workspace state").Wrap(err)
	}
	return append(data, '\n'), nil
}

func decodeState(data []byte) (*State, error) {
	var raw struct {
		State        string   `json:"state"`
		Revision     string   `json:"revision"`
		ManifestSha1 string   `json:"manifest_sha1"`
		Failures     []string `json:"failures"`
		Goal     *struct {
			From     string   `json:"from"`
			To       string   `json:"to"`
			Packages []string `json:"packages"`
		} `json:"goal"`
		Manifest map[string]struct {
			Sha1 string `json:"sha1"`
			Size uint64 `json:"size"`
			Exe  bool   `json:"exe"`
		} `json:"manifest"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.New(errors.KindUnsupportedFormat, "parse workspace state").Wrap(err)
	}
	switch StateKind(raw.State) {
	case StateNew, StateStable, StateCorrupted, StateUpdating:
	default:
		return nil, errors.Newf(errors.KindUnsupportedFormat, "unknown workspace state %q", raw.State)
	}
	s := &State{
		Kind:     StateKind(raw.State),
		Revision: raw.Revision,
		Failures: raw.Failures,
		Manifest: map[string]FileRecord{},
	}
	if raw.Goal != nil {
		s.Goal = &Goal{From: raw.Goal.From, To: raw.Goal.To, Packages: raw.Goal.Packages}
	}
	for p, rec := range raw.Manifest {
		s.Manifest[p] = FileRecord{Sha1: rec.Sha1, Size: rec.Size, Executable: rec.Exe}
	}
	if raw.ManifestSha1 != "" && raw.ManifestSha1 != s.manifestSha1() {
		return nil, errors.New(errors.KindCorruptData,
			"workspace state manifest does not match its recorded digest")
	}
	return s, nil
}

// manifestSha1 is the root digest over the sorted manifest's paths
// and sha1s. It is stored alongside the manifest in the state
// document, so an edited path or hash is detected at load time
// rather than trusted; sizes, executable bits and the other state
// fields are not covered by it.
func (s *State) manifestSha1() string {
	paths := make([]string, 0, len(s.Manifest))
	for p := range s.Manifest {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := model.NewSha1()
	for _, p := range paths {
		rec := s.Manifest[p]
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(rec.Sha1))
		h.Write([]byte{0})
	}
	return model.HexSum(h)
}
