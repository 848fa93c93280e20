package search

import (
	"context"
	"math"
	"sort"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

var negInf = float32(math.Inf(-1))

// Processor rewrites one score row in place. step is 1-based and counts
// generated tokens; row is the hypothesis's global index so processors can
// recover the batch item and its history.
type Processor interface {
	Name() string
	Process(step int, seqs *Sequences, row int, scores []float32)
}

// Pipeline applies an ordered processor chain to every active score row.
// The chain is fixed at build time from the run parameters; rows run
// independently so the pipeline fans them out across the worker pool.
type Pipeline struct {
	procs []Processor
	limit int
}

// NewPipeline assembles the chain for the given parameters. Temperature runs
// before any masking so filters see the scaled distribution; hard constraint
// masks come next, then history penalties, then the sampling filters.
// topk is the device binding's selection kernel, shared with the selectors.
func NewPipeline(p *config.GenerationParams, topk func([]float32, int) ([]float32, []int32)) *Pipeline {
	var procs []Processor

	if p.Temperature != 0 && p.Temperature != 1 {
		procs = append(procs, &temperatureProcessor{t: p.Temperature})
	}
	if len(p.VocabMask) > 0 {
		procs = append(procs, &vocabMaskProcessor{mask: p.VocabMask})
	}
	if len(p.PrefixVocabMask) > 0 {
		procs = append(procs, &prefixVocabMaskProcessor{
			mask:     p.PrefixVocabMask,
			vocab:    p.VocabSize,
			numBeams: p.NumBeams,
		})
	}
	if p.MinLength > 0 {
		procs = append(procs, &minLengthProcessor{minLen: p.MinLength, eos: p.EOSTokenID})
	}
	if p.RepetitionPenalty != 0 && p.RepetitionPenalty != 1 {
		procs = append(procs, &repetitionPenaltyProcessor{penalty: p.RepetitionPenalty})
	}
	if p.PresencePenalty != 0 && len(p.PresenceMask) > 0 {
		procs = append(procs, &presencePenaltyProcessor{
			mask:    p.PresenceMask,
			penalty: p.PresencePenalty,
			vocab:   p.VocabSize,
		})
	}
	if p.NoRepeatNGramSize > 0 {
		procs = append(procs, &noRepeatNGramProcessor{n: p.NoRepeatNGramSize})
	}
	if p.TopK > 0 && p.TopK < p.VocabSize {
		procs = append(procs, &topKProcessor{k: p.TopK, filter: p.FilterValue, topk: topk})
	}
	if p.TopP > 0 && p.TopP < 1 {
		procs = append(procs, &topPProcessor{
			p:       p.TopP,
			filter:  p.FilterValue,
			minKeep: p.MinTokensToKeep,
		})
	}

	return &Pipeline{procs: procs, limit: p.BatchBeamSize()}
}

// Len returns the number of processors in the chain
func (pl *Pipeline) Len() int { return len(pl.procs) }

// Process runs the chain over every row of m. active[i] is the global
// hypothesis row that score row i belongs to.
func (pl *Pipeline) Process(ctx context.Context, step int, seqs *Sequences, m *ScoreMatrix, active []int32) error {
	if len(pl.procs) == 0 {
		return nil
	}
	return forEachRow(ctx, m.Rows(), pl.limit, func(r int) error {
		row := m.Row(r)
		global := int(active[r])
		for _, p := range pl.procs {
			p.Process(step, seqs, global, row)
		}
		return nil
	})
}

type temperatureProcessor struct{ t float32 }

func (p *temperatureProcessor) Name() string { return "temperature" }

func (p *temperatureProcessor) Process(step int, seqs *Sequences, row int, scores []float32) {
	for i := range scores {
		scores[i] /= p.t
	}
}

type vocabMaskProcessor struct{ mask []int32 }

func (p *vocabMaskProcessor) Name() string { return "vocab_mask" }

func (p *vocabMaskProcessor) Process(step int, seqs *Sequences, row int, scores []float32) {
	for i := range scores {
		if p.mask[i] == 0 {
			scores[i] = negInf
		}
	}
}

// prefixVocabMaskProcessor constrains only the first generated token, one
// mask row per batch item.
type prefixVocabMaskProcessor struct {
	mask     []int32
	vocab    int
	numBeams int
}

func (p *prefixVocabMaskProcessor) Name() string { return "prefix_vocab_mask" }

func (p *prefixVocabMaskProcessor) Process(step int, seqs *Sequences, row int, scores []float32) {
	if step != 1 {
		return
	}
	batch := row / p.numBeams
	maskRow := p.mask[batch*p.vocab : (batch+1)*p.vocab]
	for i := range scores {
		if maskRow[i] == 0 {
			scores[i] = negInf
		}
	}
}

type minLengthProcessor struct {
	minLen int
	eos    int32
}

func (p *minLengthProcessor) Name() string { return "min_length" }

func (p *minLengthProcessor) Process(step int, seqs *Sequences, row int, scores []float32) {
	if seqs.Len() < p.minLen {
		scores[p.eos] = negInf
	}
}

// repetitionPenaltyProcessor dampens every token already present in the
// hypothesis: positive scores shrink by the penalty, negative ones grow.
type repetitionPenaltyProcessor struct{ penalty float32 }

func (p *repetitionPenaltyProcessor) Name() string { return "repetition_penalty" }

func (p *repetitionPenaltyProcessor) Process(step int, seqs *Sequences, row int, scores []float32) {
	seen := make(map[int32]struct{})
	for _, tok := range seqs.view(row) {
		seen[tok] = struct{}{}
	}
	for tok := range seen {
		if int(tok) >= len(scores) {
			continue
		}
		if scores[tok] < 0 {
			scores[tok] *= p.penalty
		} else {
			scores[tok] /= p.penalty
		}
	}
}

type presencePenaltyProcessor struct {
	mask    []int32
	penalty float32
	vocab   int
}

func (p *presencePenaltyProcessor) Name() string { return "presence_penalty" }

func (p *presencePenaltyProcessor) Process(step int, seqs *Sequences, row int, scores []float32) {
	maskRow := p.mask[row*p.vocab : (row+1)*p.vocab]
	for i := range scores {
		scores[i] -= float32(maskRow[i]) * p.penalty
	}
}

// noRepeatNGramProcessor bans any token that would complete an n-gram already
// present in the hypothesis. n=1 bans every previously generated token.
type noRepeatNGramProcessor struct{ n int }

func (p *noRepeatNGramProcessor) Name() string { return "no_repeat_ngram" }

func (p *noRepeatNGramProcessor) Process(step int, seqs *Sequences, row int, scores []float32) {
	hist := seqs.view(row)
	if len(hist)+1 < p.n {
		return
	}
	prefix := hist[len(hist)-(p.n-1):]

	for i := 0; i+p.n-1 < len(hist); i++ {
		match := true
		for j := 0; j < p.n-1; j++ {
			if hist[i+j] != prefix[j] {
				match = false
				break
			}
		}
		if match {
			banned := hist[i+p.n-1]
			if int(banned) < len(scores) {
				scores[banned] = negInf
			}
		}
	}
}

// topKProcessor keeps the k best candidates. Ties at the k-th score survive
// so the kept set is deterministic rather than order-dependent.
type topKProcessor struct {
	k      int
	filter float32
	topk   func([]float32, int) ([]float32, []int32)
}

func (p *topKProcessor) Name() string { return "top_k" }

func (p *topKProcessor) Process(step int, seqs *Sequences, row int, scores []float32) {
	vals, _ := p.topk(scores, p.k)
	if len(vals) == 0 {
		return
	}
	threshold := vals[len(vals)-1]
	for i := range scores {
		if scores[i] < threshold {
			scores[i] = p.filter
		}
	}
}

// topPProcessor keeps the smallest set of highest-scoring candidates whose
// cumulative probability reaches p, never fewer than minKeep.
type topPProcessor struct {
	p       float32
	filter  float32
	minKeep int
}

func (p *topPProcessor) Name() string { return "top_p" }

func (p *topPProcessor) Process(step int, seqs *Sequences, row int, scores []float32) {
	n := len(scores)
	idx := make([]int32, n)
	for i := range idx {
		idx[i] = int32(i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := scores[idx[a]], scores[idx[b]]
		if sa != sb {
			return sa > sb
		}
		return idx[a] < idx[b]
	})

	probs := make([]float32, n)
	for i, id := range idx {
		probs[i] = scores[id]
	}
	simd.Softmax(probs)

	keep := n
	var cum float32
	for i := 0; i < n; i++ {
		cum += probs[i]
		if cum >= p.p {
			keep = i + 1
			break
		}
	}
	if keep < p.minKeep {
		keep = p.minKeep
	}
	for _, id := range idx[keep:] {
		scores[id] = p.filter
	}
}
