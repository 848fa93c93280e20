package search

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
)

// StepState is the scratch for one decode step. It is allocated fresh per
// step; selectors must never retain references into it. Scores has one row
// per active hypothesis, in the order of Active; the slate slices span the
// full batch*beams layout and are pre-filled with pad/identity defaults.
type StepState struct {
	Step   int
	Active []int32
	Scores *ScoreMatrix

	NextTokens []int32
	NextScores []float32
	Origins    []int32
}

// Selector turns a processed score matrix into the next slate of tokens and
// origins. One selector instance lives for exactly one run; it owns the
// cumulative scores and the termination bookkeeping for its strategy.
type Selector interface {
	Name() string

	// Select fills the StepState slate from the processed scores.
	Select(st *StepState, seqs *Sequences) error

	// Advance runs after the slate has been appended: it freezes hypotheses
	// that emitted a stop token and recomputes the active set.
	Advance(st *StepState, seqs *Sequences)

	// Active lists the global rows that still need a forward pass.
	Active() []int32

	// Done reports whether every batch item has terminated.
	Done() bool

	// ForceFinish terminates all remaining hypotheses at the length cap.
	ForceFinish(seqs *Sequences)

	// Finalize emits the output sequences and their scores.
	Finalize(seqs *Sequences) ([][]int32, []float32)
}

// NewSelector builds the selector for the configured strategy
func NewSelector(p *config.GenerationParams, topk func([]float32, int) ([]float32, []int32)) (Selector, error) {
	switch p.Strategy {
	case config.StrategyGreedy:
		return newGreedySelector(p), nil
	case config.StrategySample:
		return newSampleSelector(p), nil
	case config.StrategyBeam:
		return newBeamSelector(p, topk), nil
	}
	return nil, fmt.Errorf("selector: unknown strategy %s: %w", p.Strategy, ErrInvalidState)
}

func identitySlate(st *StepState, pad int32, cum []float32) {
	for g := range st.NextTokens {
		st.NextTokens[g] = pad
		st.Origins[g] = int32(g)
		st.NextScores[g] = cum[g]
	}
}
