package builder

import (
	"bytes"

	"github.com/Ludea/speedupdate/pkg/codec"
	"github.com/Ludea/speedupdate/pkg/errors"
	"github.com/Ludea/speedupdate/pkg/model"
)

// CoderConfig names one acceptable codec and its parameters, in
// declared preference order.
type CoderConfig struct {
	Name   string
	Params model.CodecParams
}

// DefaultCompressors is the candidate order used when the caller
// declares none.
func DefaultCompressors() []CoderConfig {
	return []CoderConfig{
		{Name: "zstd", Params: model.CodecParams{"level": 19}},
		{Name: "brotli", Params: model.CodecParams{"level": 9}},
		{Name: "raw"},
	}
}

// DefaultPatchers is the default patcher candidate order.
func DefaultPatchers() []CoderConfig {
	return []CoderConfig{
		{Name: "vcdiff"},
		{Name: "raw"},
	}
}

// sizeBudget: the first candidate, in preference order, whose output
// is at most 95% of the smallest other candidate's output wins;
// otherwise the smallest output wins, ties broken by candidate order.
const sizeBudgetRatio = 0.95

type candidate struct {
	config CoderConfig
	packed []byte
}

// pickCandidate applies the size budget rule over candidates in
// declared order, returning the chosen index.
func pickCandidate(candidates []candidate) int {
	best := -1
	for i, c := range candidates {
		if best < 0 || len(c.packed) < len(candidates[best].packed) {
			best = i
		}
	}
	for i, c := range candidates {
		bestOther := -1
		for j, o := range candidates {
			if j == i {
				continue
			}
			if bestOther < 0 || len(o.packed) < bestOther {
				bestOther = len(o.packed)
			}
		}
		if bestOther < 0 || float64(len(c.packed)) <= sizeBudgetRatio*float64(bestOther) {
			return i
		}
	}
	return best
}

// compressCandidates runs content through every declared compressor.
func compressCandidates(configs []CoderConfig, content []byte) ([]candidate, error) {
	out := make([]candidate, 0, len(configs))
	for _, cfg := range configs {
		c, err := codec.LookupCompressor(cfg.Name)
		if err != nil {
			return nil, err
		}
		packed, err := codec.CompressBytes(c, cfg.Params, content)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{config: cfg, packed: packed})
	}
	return out, nil
}

// encodeAdd is the codec-selected payload for one Add.
func encodeAdd(compressors []CoderConfig, content []byte) (candidate, error) {
	candidates, err := compressCandidates(compressors, content)
	if err != nil {
		return candidate{}, err
	}
	if len(candidates) == 0 {
		return candidate{}, errors.New(errors.KindUnsupportedFormat, "no compressor candidates declared")
	}
	return candidates[pickCandidate(candidates)], nil
}

// patchResult is the codec-selected payload for one Patch, which may
// collapse into a full-content Add when the delta does not pay off.
type patchResult struct {
	patcher    string // empty when full content won
	compressor CoderConfig
	packed     []byte
}

func encodePatch(compressors, patchers []CoderConfig, source, target []byte) (patchResult, error) {
	addChoice, err := encodeAdd(compressors, target)
	if err != nil {
		return patchResult{}, err
	}

	// the declared patcher order is authoritative, so the same
	// budget rule that picks a compressor picks the patcher
	var patchChoices []candidate
	var patcherOf []string
	for _, pc := range patchers {
		p, err := codec.LookupPatcher(pc.Name)
		if err != nil {
			return patchResult{}, err
		}
		var delta bytes.Buffer
		if err := p.Diff(source, target, &delta); err != nil {
			return patchResult{}, err
		}
		candidates, err := compressCandidates(compressors, delta.Bytes())
		if err != nil {
			return patchResult{}, err
		}
		patchChoices = append(patchChoices, candidates[pickCandidate(candidates)])
		patcherOf = append(patcherOf, pc.Name)
	}
	if len(patchChoices) == 0 {
		return patchResult{compressor: addChoice.config, packed: addChoice.packed}, nil
	}

	bestIdx := pickCandidate(patchChoices)
	bestPatch := patchChoices[bestIdx]
	if len(addChoice.packed) <= len(bestPatch.packed) {
		return patchResult{compressor: addChoice.config, packed: addChoice.packed}, nil
	}
	return patchResult{
		patcher:    patcherOf[bestIdx],
		compressor: bestPatch.config,
		packed:     bestPatch.packed,
	}, nil
}
