package search

import (
	"fmt"
	"math"
	"sort"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// scoredHyp is a finished hypothesis with its length-normalized score
type scoredHyp struct {
	tokens []int32
	score  float32
}

// hypPool collects finished hypotheses for one batch item, keeping at most
// maxBeams of them and evicting the worst on overflow.
type hypPool struct {
	maxBeams   int
	lenPenalty float32
	hyps       []scoredHyp
}

func newHypPool(maxBeams int, lenPenalty float32) *hypPool {
	return &hypPool{maxBeams: maxBeams, lenPenalty: lenPenalty}
}

// add inserts a hypothesis, normalizing its cumulative log-probability by
// length^penalty. The tokens slice is owned by the pool afterwards.
func (h *hypPool) add(tokens []int32, sumLogProbs float32) {
	score := sumLogProbs / float32(math.Pow(float64(len(tokens)), float64(h.lenPenalty)))
	if len(h.hyps) < h.maxBeams {
		h.hyps = append(h.hyps, scoredHyp{tokens: tokens, score: score})
		return
	}
	worst := h.worstIdx()
	if score > h.hyps[worst].score {
		h.hyps[worst] = scoredHyp{tokens: tokens, score: score}
	}
}

func (h *hypPool) worstIdx() int {
	w := 0
	for i := 1; i < len(h.hyps); i++ {
		if h.hyps[i].score < h.hyps[w].score {
			w = i
		}
	}
	return w
}

func (h *hypPool) worstScore() float32 {
	if len(h.hyps) == 0 {
		return float32(math.Inf(-1))
	}
	return h.hyps[h.worstIdx()].score
}

// isDone reports whether no running beam can still improve the pool.
// With early stopping, a full pool is enough; otherwise the best running
// cumulative score is compared against the worst pooled one under the same
// length normalization.
func (h *hypPool) isDone(bestSumLogProbs float32, curLen int, earlyStopping bool) bool {
	if len(h.hyps) < h.maxBeams {
		return false
	}
	if earlyStopping {
		return true
	}
	best := bestSumLogProbs / float32(math.Pow(float64(curLen), float64(h.lenPenalty)))
	return h.worstScore() >= best
}

// sorted returns the pooled hypotheses best-first. Equal scores order by
// insertion so the result is stable across runs.
func (h *hypPool) sorted() []scoredHyp {
	out := make([]scoredHyp, len(h.hyps))
	copy(out, h.hyps)
	sort.SliceStable(out, func(a, b int) bool { return out[a].score > out[b].score })
	return out
}

// beamCandidate is one (beam, token) continuation under consideration
type beamCandidate struct {
	score float32
	token int32
	beam  int32 // global row of the originating beam
	rank  int   // position after the per-item merge, eos bookkeeping only
}

// beamSelector keeps batch*numBeams running hypotheses and per-item pools of
// finished ones. Each step flattens beams x tokens per item, keeps the best
// 2*numBeams continuations, routes stop-token ones into the pool and refills
// the running slate with the rest. Cumulative scores are copied into each
// step's slate rather than shared, so a later reorder cannot corrupt an
// earlier step's bookkeeping.
type beamSelector struct {
	batch       int
	numBeams    int
	eos         int32
	pad         int32
	early       bool
	onExhausted config.ExhaustedPolicy
	topk        func([]float32, int) ([]float32, []int32)

	beamScores []float32
	pools      []*hypPool
	itemDone   []bool
	active     []int32
}

func newBeamSelector(p *config.GenerationParams, topk func([]float32, int) ([]float32, []int32)) *beamSelector {
	rows := p.BatchBeamSize()
	b := &beamSelector{
		batch:       p.BatchSize,
		numBeams:    p.NumBeams,
		eos:         p.EOSTokenID,
		pad:         p.PadTokenID,
		early:       p.EarlyStopping,
		onExhausted: p.OnExhausted,
		topk:        topk,
		beamScores:  make([]float32, rows),
		pools:       make([]*hypPool, p.BatchSize),
		itemDone:    make([]bool, p.BatchSize),
		active:      make([]int32, rows),
	}
	for i := range b.pools {
		b.pools[i] = newHypPool(p.NumBeams, p.LengthPenalty)
	}
	// All beams start from the same prompt. Biasing every beam but the first
	// makes step one pick numBeams distinct tokens instead of numBeams copies
	// of the argmax.
	for r := 0; r < rows; r++ {
		if r%p.NumBeams != 0 {
			b.beamScores[r] = -1e9
		}
		b.active[r] = int32(r)
	}
	return b
}

func (b *beamSelector) Name() string    { return "beam" }
func (b *beamSelector) Active() []int32 { return b.active }

func (b *beamSelector) Done() bool {
	for _, d := range b.itemDone {
		if !d {
			return false
		}
	}
	return true
}

func (b *beamSelector) Select(st *StepState, seqs *Sequences) error {
	identitySlate(st, b.pad, b.beamScores)

	scoreRow := make(map[int32]int, len(st.Active))
	for i, g := range st.Active {
		scoreRow[g] = i
	}

	next := make([]float32, len(b.beamScores))
	copy(next, b.beamScores)

	for item := 0; item < b.batch; item++ {
		if b.itemDone[item] {
			continue
		}
		cands, err := b.gatherCandidates(st, scoreRow, item)
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			if b.onExhausted == config.ExhaustedAbort {
				return fmt.Errorf("item %d at step %d: %w", item, st.Step, ErrScoresExhausted)
			}
			b.finishItem(item, seqs)
			continue
		}

		filled := 0
		for _, c := range cands {
			if c.token == b.eos {
				// Stop-token continuations outside the top numBeams lose to
				// hypotheses that are still running; pooling them would only
				// crowd out better ones.
				if c.rank < b.numBeams {
					b.pools[item].add(append(seqs.Sequence(int(c.beam)), b.eos), c.score)
				}
				continue
			}
			slot := item*b.numBeams + filled
			st.NextTokens[slot] = c.token
			st.Origins[slot] = c.beam
			st.NextScores[slot] = c.score
			next[slot] = c.score
			filled++
			if filled == b.numBeams {
				break
			}
		}
		if filled < b.numBeams {
			if b.onExhausted == config.ExhaustedAbort {
				return fmt.Errorf("item %d at step %d filled %d of %d beams: %w",
					item, st.Step, filled, b.numBeams, ErrScoresExhausted)
			}
			b.finishItem(item, seqs)
		}
	}

	b.beamScores = next
	return nil
}

// gatherCandidates flattens the item's beams against the vocab and returns
// the best 2*numBeams continuations, ordered by score descending with ties
// broken by token id then beam index.
func (b *beamSelector) gatherCandidates(st *StepState, scoreRow map[int32]int, item int) ([]beamCandidate, error) {
	want := 2 * b.numBeams
	cands := make([]beamCandidate, 0, want*b.numBeams)

	for k := 0; k < b.numBeams; k++ {
		global := int32(item*b.numBeams + k)
		i, ok := scoreRow[global]
		if !ok {
			return nil, fmt.Errorf("beam row %d missing from step batch: %w", global, ErrInvalidIndex)
		}
		row := st.Scores.Row(i)
		if st.Scores.RowExhausted(i) {
			continue
		}
		lse := simd.LogSumExp(row)
		vals, ids := b.topk(row, want)
		for j := range ids {
			if math.IsInf(float64(vals[j]), -1) || math.IsNaN(float64(vals[j])) {
				continue
			}
			cands = append(cands, beamCandidate{
				score: b.beamScores[global] + (vals[j] - lse),
				token: ids[j],
				beam:  global,
			})
		}
	}

	sort.SliceStable(cands, func(x, y int) bool {
		cx, cy := cands[x], cands[y]
		if cx.score != cy.score {
			return cx.score > cy.score
		}
		if cx.token != cy.token {
			return cx.token < cy.token
		}
		return cx.beam < cy.beam
	})
	if len(cands) > want {
		cands = cands[:want]
	}
	for j := range cands {
		cands[j].rank = j
	}
	return cands, nil
}

// finishItem retires an item immediately, keeping whatever the pool holds
func (b *beamSelector) finishItem(item int, seqs *Sequences) {
	b.itemDone[item] = true
	for k := 0; k < b.numBeams; k++ {
		seqs.MarkFinished(item*b.numBeams + k)
	}
	metrics.BeamItemsDone.Inc()
}

func (b *beamSelector) Advance(st *StepState, seqs *Sequences) {
	for item := 0; item < b.batch; item++ {
		if b.itemDone[item] {
			continue
		}
		best := float32(math.Inf(-1))
		for k := 0; k < b.numBeams; k++ {
			if s := b.beamScores[item*b.numBeams+k]; s > best {
				best = s
			}
		}
		if b.pools[item].isDone(best, seqs.Len(), b.early) {
			b.finishItem(item, seqs)
		}
	}

	b.active = b.active[:0]
	for item := 0; item < b.batch; item++ {
		if b.itemDone[item] {
			continue
		}
		for k := 0; k < b.numBeams; k++ {
			b.active = append(b.active, int32(item*b.numBeams+k))
		}
	}
}

func (b *beamSelector) ForceFinish(seqs *Sequences) {
	for item := 0; item < b.batch; item++ {
		if b.itemDone[item] {
			continue
		}
		for k := 0; k < b.numBeams; k++ {
			g := item*b.numBeams + k
			b.pools[item].add(seqs.Sequence(g), b.beamScores[g])
		}
		b.finishItem(item, seqs)
	}
	b.active = b.active[:0]
}

// Finalize emits numBeams hypotheses per item, best first. Items that ended
// with a short pool are padded from their running beams; a fully exhausted
// item yields empty hypotheses with -inf scores.
func (b *beamSelector) Finalize(seqs *Sequences) ([][]int32, []float32) {
	rows := b.batch * b.numBeams
	out := make([][]int32, 0, rows)
	scores := make([]float32, 0, rows)

	for item := 0; item < b.batch; item++ {
		hyps := b.pools[item].sorted()
		for k := 0; k < b.numBeams; k++ {
			if k < len(hyps) {
				out = append(out, hyps[k].tokens)
				scores = append(scores, hyps[k].score)
				continue
			}
			out = append(out, nil)
			scores = append(scores, float32(math.Inf(-1)))
		}
	}
	return out, scores
}

// BeamSpread is the score gap between the best and worst pooled hypothesis
// across items, a cheap health signal for beam diversity.
func (b *beamSelector) BeamSpread() float32 {
	best := float32(math.Inf(-1))
	worst := float32(math.Inf(1))
	seen := false
	for _, p := range b.pools {
		for _, h := range p.hyps {
			seen = true
			if h.score > best {
				best = h.score
			}
			if h.score < worst {
				worst = h.score
			}
		}
	}
	if !seen {
		return 0
	}
	return best - worst
}
