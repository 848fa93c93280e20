package search

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// greedySelector picks the argmax of every active row. Ties break toward the
// lower token id so identical inputs always yield identical outputs.
type greedySelector struct {
	eos         int32
	pad         int32
	onExhausted config.ExhaustedPolicy

	cum    []float32
	active []int32
	done   bool
}

func newGreedySelector(p *config.GenerationParams) *greedySelector {
	rows := p.BatchBeamSize()
	g := &greedySelector{
		eos:         p.EOSTokenID,
		pad:         p.PadTokenID,
		onExhausted: p.OnExhausted,
		cum:         make([]float32, rows),
		active:      make([]int32, rows),
	}
	for i := range g.active {
		g.active[i] = int32(i)
	}
	return g
}

func (g *greedySelector) Name() string    { return "greedy" }
func (g *greedySelector) Active() []int32 { return g.active }
func (g *greedySelector) Done() bool      { return g.done }

func (g *greedySelector) Select(st *StepState, seqs *Sequences) error {
	identitySlate(st, g.pad, g.cum)

	for i, ga := range st.Active {
		row := st.Scores.Row(i)
		global := int(ga)

		tok, ok := argmax(row)
		if !ok {
			if g.onExhausted == config.ExhaustedAbort {
				return fmt.Errorf("row %d at step %d: %w", global, st.Step, ErrScoresExhausted)
			}
			// Freeze the row before Append so no token lands on it
			seqs.MarkFinished(global)
			continue
		}

		g.cum[global] += row[tok] - simd.LogSumExp(row)
		st.NextTokens[global] = int32(tok)
		st.NextScores[global] = g.cum[global]
	}
	return nil
}

func (g *greedySelector) Advance(st *StepState, seqs *Sequences) {
	for _, ga := range st.Active {
		global := int(ga)
		if !seqs.Finished(global) && st.NextTokens[global] == g.eos {
			seqs.MarkFinished(global)
		}
	}
	g.active = g.active[:0]
	for r := 0; r < seqs.Rows(); r++ {
		if !seqs.Finished(r) {
			g.active = append(g.active, int32(r))
		}
	}
	g.done = len(g.active) == 0
}

func (g *greedySelector) ForceFinish(seqs *Sequences) {
	for r := 0; r < seqs.Rows(); r++ {
		seqs.MarkFinished(r)
	}
	g.active = g.active[:0]
	g.done = true
}

func (g *greedySelector) Finalize(seqs *Sequences) ([][]int32, []float32) {
	out := make([][]int32, seqs.Rows())
	scores := make([]float32, seqs.Rows())
	for r := 0; r < seqs.Rows(); r++ {
		out[r] = seqs.Sequence(r)
		scores[r] = g.cum[r]
	}
	return out, scores
}

// argmax returns the index of the largest finite score. ok is false when the
// row holds no finite candidate at all.
func argmax(row []float32) (int, bool) {
	best := -1
	bestVal := float32(math.Inf(-1))
	for i, v := range row {
		if math.IsNaN(float64(v)) {
			continue
		}
		if v > bestVal {
			bestVal = v
			best = i
		}
	}
	if best < 0 || math.IsInf(float64(bestVal), -1) {
		return 0, false
	}
	return best, true
}
