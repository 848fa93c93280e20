package search

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Vocab for beam tests: tokens 0..2 continue, token 3 stops
func beamParams() config.GenerationParams {
	p := config.Default()
	p.Strategy = config.StrategyBeam
	p.NumBeams = 2
	p.VocabSize = 4
	p.MaxLength = 4
	p.EOSTokenID = 3
	p.PadTokenID = 0
	return p
}

func TestBeamPicksDistinctFirstTokens(t *testing.T) {
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		rows := feeds[device.FeedInputIDs].Dim(0)
		out := make([][]float32, rows)
		for r := range out {
			out[r] = []float32{3, 2, 1, -20}
		}
		return logitsOf(t, out...), nil
	}}

	res, err := runController(t, beamParams(), idsOf(t, []int64{0}, []int64{0}), exec)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sequences) != 2 {
		t.Fatalf("got %d output sequences, want num_beams 2", len(res.Sequences))
	}
	// Without the first-beam bias both beams would decode the argmax twice
	if res.Sequences[0][1] == res.Sequences[1][1] {
		t.Errorf("beams decoded the same first token: %v vs %v",
			res.Sequences[0], res.Sequences[1])
	}
}

func TestBeamScoresNonIncreasing(t *testing.T) {
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		rows := feeds[device.FeedInputIDs].Dim(0)
		out := make([][]float32, rows)
		for r := range out {
			out[r] = []float32{3, 2, 1, 2.5}
		}
		return logitsOf(t, out...), nil
	}}

	res, err := runController(t, beamParams(), idsOf(t, []int64{0}, []int64{0}), exec)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(res.Scores); i++ {
		if res.Scores[i] > res.Scores[i-1] {
			t.Errorf("scores not sorted best-first: %v", res.Scores)
		}
	}
}

func TestBeamEarlyStopLeavesBatch(t *testing.T) {
	p := beamParams()
	p.EarlyStopping = true
	p.MaxLength = 6

	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		rows := feeds[device.FeedInputIDs].Dim(0)
		out := make([][]float32, rows)
		for r := range out {
			if call == 1 {
				out[r] = []float32{3, 2, 1, -20}
			} else {
				// Stop token dominates both beams
				out[r] = []float32{0, 0, 0, 9}
			}
		}
		return logitsOf(t, out...), nil
	}}

	res, err := runController(t, p, idsOf(t, []int64{0}, []int64{0}), exec)
	if err != nil {
		t.Fatal(err)
	}
	if exec.calls != 2 {
		t.Errorf("executor called %d times, want 2 (item retired at step 2)", exec.calls)
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want 2", res.Steps)
	}
	for i, seq := range res.Sequences {
		if seq[len(seq)-1] != 3 {
			t.Errorf("hypothesis %d = %v does not end with the stop token", i, seq)
		}
	}
}

func TestBeamPrefersEarlyStopHypothesis(t *testing.T) {
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		rows := feeds[device.FeedInputIDs].Dim(0)
		out := make([][]float32, rows)
		for r := range out {
			switch call {
			case 1:
				out[r] = []float32{2, 1, 0, -20}
			case 2:
				if r == 0 {
					out[r] = []float32{0, 0, 0, 5}
				} else {
					out[r] = []float32{1, 0, 0, -20}
				}
			default:
				out[r] = []float32{0, 0, 0, 9}
			}
		}
		return logitsOf(t, out...), nil
	}}

	res, err := runController(t, beamParams(), idsOf(t, []int64{0}, []int64{0}), exec)
	if err != nil {
		t.Fatal(err)
	}
	// The confident stop at step 2 wins over the longer hypotheses
	if !tokensEqual(res.Sequences[0], []int32{0, 0, 3}) {
		t.Errorf("best hypothesis = %v, want [0 0 3]", res.Sequences[0])
	}
	if res.Scores[0] < res.Scores[1] {
		t.Errorf("scores out of order: %v", res.Scores)
	}
}

func TestBeamForceFinishAtMaxLength(t *testing.T) {
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		rows := feeds[device.FeedInputIDs].Dim(0)
		out := make([][]float32, rows)
		for r := range out {
			out[r] = []float32{3, 2, 1, -20}
		}
		return logitsOf(t, out...), nil
	}}

	res, err := runController(t, beamParams(), idsOf(t, []int64{0}, []int64{0}), exec)
	if err != nil {
		t.Fatal(err)
	}
	for i, seq := range res.Sequences {
		if len(seq) != 4 {
			t.Errorf("hypothesis %d length = %d, want max length 4", i, len(seq))
		}
		if math.IsInf(float64(res.Scores[i]), -1) {
			t.Errorf("hypothesis %d has no score", i)
		}
	}
}

func TestHypPoolEviction(t *testing.T) {
	pool := newHypPool(2, 1.0)
	pool.add([]int32{1}, -3)
	pool.add([]int32{2}, -1)
	pool.add([]int32{3}, -2)

	hyps := pool.sorted()
	if len(hyps) != 2 {
		t.Fatalf("pool holds %d hyps, want 2", len(hyps))
	}
	if hyps[0].score != -1 || hyps[1].score != -2 {
		t.Errorf("pool kept %v and %v, want -1 and -2", hyps[0].score, hyps[1].score)
	}
}

func TestHypPoolLengthPenalty(t *testing.T) {
	pool := newHypPool(1, 2.0)
	pool.add([]int32{1, 2, 3, 4}, -8)
	// -8 / 4^2 = -0.5
	if got := pool.sorted()[0].score; got != -0.5 {
		t.Errorf("normalized score = %f, want -0.5", got)
	}
}

func TestHypPoolIsDone(t *testing.T) {
	pool := newHypPool(1, 1.0)
	if pool.isDone(-1, 4, true) {
		t.Error("empty pool reports done")
	}
	pool.add([]int32{1, 2}, -2) // normalized -1

	if !pool.isDone(-100, 4, true) {
		t.Error("full pool with early stopping not done")
	}
	// Best running could still reach -0.5 normalized, better than -1
	if pool.isDone(-2, 4, false) {
		t.Error("done although a running beam can still improve")
	}
	if !pool.isDone(-100, 4, false) {
		t.Error("not done although no running beam can improve")
	}
}
