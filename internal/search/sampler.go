package search

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// sampleSelector draws the next token from the processed distribution of each
// active row. Rows are drawn in row order from a single seeded source, so a
// fixed seed reproduces the whole run exactly.
type sampleSelector struct {
	eos         int32
	pad         int32
	onExhausted config.ExhaustedPolicy
	rng         *rand.Rand

	cum    []float32
	probs  []float32
	active []int32
	done   bool
}

func newSampleSelector(p *config.GenerationParams) *sampleSelector {
	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rows := p.BatchBeamSize()
	s := &sampleSelector{
		eos:         p.EOSTokenID,
		pad:         p.PadTokenID,
		onExhausted: p.OnExhausted,
		rng:         rand.New(rand.NewSource(seed)),
		cum:         make([]float32, rows),
		probs:       make([]float32, p.VocabSize),
		active:      make([]int32, rows),
	}
	for i := range s.active {
		s.active[i] = int32(i)
	}
	return s
}

func (s *sampleSelector) Name() string    { return "sample" }
func (s *sampleSelector) Active() []int32 { return s.active }
func (s *sampleSelector) Done() bool      { return s.done }

func (s *sampleSelector) Select(st *StepState, seqs *Sequences) error {
	identitySlate(st, s.pad, s.cum)

	for i, ga := range st.Active {
		row := st.Scores.Row(i)
		global := int(ga)

		if st.Scores.RowExhausted(i) {
			if s.onExhausted == config.ExhaustedAbort {
				return fmt.Errorf("row %d at step %d: %w", global, st.Step, ErrScoresExhausted)
			}
			seqs.MarkFinished(global)
			continue
		}

		copy(s.probs, row)
		simd.Softmax(s.probs)
		tok := s.draw(s.probs)
		metrics.SamplingCandidateCount.Observe(float64(countCandidates(row)))

		s.cum[global] += row[tok] - simd.LogSumExp(row)
		st.NextTokens[global] = int32(tok)
		st.NextScores[global] = s.cum[global]
	}
	return nil
}

// countCandidates counts the finite entries left after filtering
func countCandidates(row []float32) int {
	n := 0
	for _, v := range row {
		if !math.IsInf(float64(v), -1) && !math.IsNaN(float64(v)) {
			n++
		}
	}
	return n
}

// draw picks an index proportionally to probs. The walk falls back to the
// last positive-probability index when rounding leaves the cursor past the
// accumulated mass.
func (s *sampleSelector) draw(probs []float32) int {
	r := s.rng.Float64()
	acc := 0.0
	last := 0
	for i, p := range probs {
		if p <= 0 || math.IsNaN(float64(p)) {
			continue
		}
		acc += float64(p)
		last = i
		if acc >= r {
			return i
		}
	}
	return last
}

func (s *sampleSelector) Advance(st *StepState, seqs *Sequences) {
	for _, ga := range st.Active {
		global := int(ga)
		if !seqs.Finished(global) && st.NextTokens[global] == s.eos {
			seqs.MarkFinished(global)
		}
	}
	s.active = s.active[:0]
	for r := 0; r < seqs.Rows(); r++ {
		if !seqs.Finished(r) {
			s.active = append(s.active, int32(r))
		}
	}
	s.done = len(s.active) == 0
}

func (s *sampleSelector) ForceFinish(seqs *Sequences) {
	for r := 0; r < seqs.Rows(); r++ {
		seqs.MarkFinished(r)
	}
	s.active = s.active[:0]
	s.done = true
}

func (s *sampleSelector) Finalize(seqs *Sequences) ([][]int32, []float32) {
	out := make([][]int32, seqs.Rows())
	scores := make([]float32, seqs.Rows())
	for r := 0; r < seqs.Rows(); r++ {
		out[r] = seqs.Sequence(r)
		scores[r] = s.cum[r]
	}
	return out, scores
}
