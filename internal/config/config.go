package config

import (
	"fmt"
	"math"
	"strings"
)

// Strategy selects how next tokens are chosen, fixed for the lifetime of a run.
type Strategy int

const (
	StrategyGreedy Strategy = iota
	StrategyBeam
	StrategySample
)

func (s Strategy) String() string {
	switch s {
	case StrategyGreedy:
		return "greedy"
	case StrategyBeam:
		return "beam"
	case StrategySample:
		return "sample"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a CLI/config string to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "greedy":
		return StrategyGreedy, nil
	case "beam":
		return StrategyBeam, nil
	case "sample", "sampling":
		return StrategySample, nil
	}
	return StrategyGreedy, fmt.Errorf("unknown strategy %q (want greedy, beam or sample)", s)
}

// ExhaustedPolicy decides what happens when every candidate for an active
// hypothesis has been masked out.
type ExhaustedPolicy int

const (
	// ExhaustedAbort fails the whole run
	ExhaustedAbort ExhaustedPolicy = iota
	// ExhaustedEmptyItem freezes the affected item and keeps decoding the rest
	ExhaustedEmptyItem
)

// GenerationParams is the immutable per-run configuration. It is validated
// once when a run is initialized and never mutated afterwards.
type GenerationParams struct {
	Strategy Strategy

	BatchSize int
	NumBeams  int
	VocabSize int

	MaxLength int
	MinLength int

	PadTokenID int32
	EOSTokenID int32

	// VocabMask disables tokens for the whole run; 0 = disallowed.
	// Empty slice disables the mask. Length must equal VocabSize otherwise.
	VocabMask []int32

	// PrefixVocabMask constrains the first generated token only,
	// one mask row of VocabSize entries per batch item.
	PrefixVocabMask []int32

	NoRepeatNGramSize int
	RepetitionPenalty float32

	// PresencePenalty subtracts PresenceMask[i]*PresencePenalty from every score.
	PresencePenalty float32
	PresenceMask    []int32

	// Sampling controls. Temperature divides scores before any filtering.
	Temperature     float32
	TopK            int
	TopP            float32
	FilterValue     float32 // score assigned to filtered candidates
	MinTokensToKeep int
	Seed            int64

	// Beam search controls
	LengthPenalty float32
	EarlyStopping bool

	OutputScores bool
	OnExhausted  ExhaustedPolicy
}

func (p *GenerationParams) Validate() error {
	if p.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", p.BatchSize)
	}
	if p.NumBeams < 1 {
		return fmt.Errorf("invalid num_beams: %d (must be >= 1)", p.NumBeams)
	}
	if p.Strategy != StrategyBeam && p.NumBeams != 1 {
		return fmt.Errorf("num_beams %d requires beam strategy, got %s", p.NumBeams, p.Strategy)
	}
	if p.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", p.VocabSize)
	}
	if p.MinLength < 0 {
		return fmt.Errorf("invalid min_length: %d (must be non-negative)", p.MinLength)
	}
	if p.MaxLength < p.MinLength {
		return fmt.Errorf("invalid max_length: %d (must be >= min_length %d)", p.MaxLength, p.MinLength)
	}
	if p.MaxLength <= 0 {
		return fmt.Errorf("invalid max_length: %d (must be positive)", p.MaxLength)
	}
	if p.EOSTokenID < 0 || p.EOSTokenID >= int32(p.VocabSize) {
		return fmt.Errorf("eos_token_id %d out of vocab range [0, %d)", p.EOSTokenID, p.VocabSize)
	}
	if p.PadTokenID < 0 || p.PadTokenID >= int32(p.VocabSize) {
		return fmt.Errorf("pad_token_id %d out of vocab range [0, %d)", p.PadTokenID, p.VocabSize)
	}
	if len(p.VocabMask) != 0 && len(p.VocabMask) != p.VocabSize {
		return fmt.Errorf("vocab_mask length %d != vocab_size %d", len(p.VocabMask), p.VocabSize)
	}
	if len(p.PrefixVocabMask) != 0 && len(p.PrefixVocabMask) != p.BatchSize*p.VocabSize {
		return fmt.Errorf("prefix_vocab_mask length %d != batch_size*vocab_size %d",
			len(p.PrefixVocabMask), p.BatchSize*p.VocabSize)
	}
	if len(p.PresenceMask) != 0 && len(p.PresenceMask) != p.BatchSize*p.NumBeams*p.VocabSize {
		return fmt.Errorf("presence_mask length %d != batch*beams*vocab %d",
			len(p.PresenceMask), p.BatchSize*p.NumBeams*p.VocabSize)
	}
	if p.NoRepeatNGramSize < 0 {
		return fmt.Errorf("invalid no_repeat_ngram_size: %d (must be non-negative)", p.NoRepeatNGramSize)
	}
	if p.RepetitionPenalty < 0 {
		return fmt.Errorf("invalid repetition_penalty: %f (must be non-negative)", p.RepetitionPenalty)
	}
	if p.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %f (must be non-negative)", p.Temperature)
	}
	if p.TopK < 0 {
		return fmt.Errorf("invalid top_k: %d (must be non-negative)", p.TopK)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("invalid top_p: %f (must be in [0, 1])", p.TopP)
	}
	if p.MinTokensToKeep < 1 {
		return fmt.Errorf("invalid min_tokens_to_keep: %d (must be >= 1)", p.MinTokensToKeep)
	}
	if p.Strategy == StrategyBeam && p.LengthPenalty < 0 {
		return fmt.Errorf("invalid length_penalty: %f (must be non-negative)", p.LengthPenalty)
	}
	return nil
}

// BatchBeamSize is the number of hypothesis rows tracked during a run
func (p *GenerationParams) BatchBeamSize() int {
	return p.BatchSize * p.NumBeams
}

// TokenAllowed reports whether the run-wide vocab mask permits a token
func (p *GenerationParams) TokenAllowed(id int32) bool {
	if len(p.VocabMask) == 0 {
		return true
	}
	return p.VocabMask[id] != 0
}

func Default() GenerationParams {
	return GenerationParams{
		Strategy:          StrategyGreedy,
		BatchSize:         1,
		NumBeams:          1,
		MaxLength:         128,
		MinLength:         0,
		RepetitionPenalty: 1.0,
		Temperature:       1.0,
		TopK:              0,
		TopP:              0,
		FilterValue:       float32(math.Inf(-1)),
		MinTokensToKeep:   1,
		LengthPenalty:     1.0,
		EarlyStopping:     false,
		OnExhausted:       ExhaustedAbort,
	}
}
