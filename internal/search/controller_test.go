package search

import (
	"context"
	"errors"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// scriptExec plays back scripted logits, one call per decode step
type scriptExec struct {
	calls int
	fn    func(call int, feeds tensor.Feeds) (*tensor.Tensor, error)
}

func (s *scriptExec) Run(ctx context.Context, feeds tensor.Feeds) (tensor.Fetches, error) {
	s.calls++
	logits, err := s.fn(s.calls, feeds)
	if err != nil {
		return nil, err
	}
	return tensor.Fetches{device.FetchLogits: logits}, nil
}

func logitsOf(t *testing.T, rows ...[]float32) *tensor.Tensor {
	t.Helper()
	flat := make([]float32, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	lt, err := tensor.FromF32(flat, len(rows), len(rows[0]))
	if err != nil {
		t.Fatal(err)
	}
	return lt
}

func idsOf(t *testing.T, rows ...[]int64) tensor.Feeds {
	t.Helper()
	flat := make([]int64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	ids, err := tensor.FromI64(flat, len(rows), len(rows[0]))
	if err != nil {
		t.Fatal(err)
	}
	return tensor.Feeds{device.FeedInputIDs: ids}
}

func runController(t *testing.T, params config.GenerationParams, feeds tensor.Feeds, exec device.StepExecutor) (*Result, error) {
	t.Helper()
	c, err := NewController(device.CPUOps(exec))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(params, feeds); err != nil {
		return nil, err
	}
	return c.Execute(context.Background())
}

func tokensEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Vocab for the scenario tests: token 0 repeats, token 1 is an alternative,
// token 2 stops.
func scenarioParams() config.GenerationParams {
	p := config.Default()
	p.Strategy = config.StrategyGreedy
	p.VocabSize = 3
	p.MaxLength = 4
	p.EOSTokenID = 2
	p.PadTokenID = 0
	return p
}

func TestGreedyRunToStopToken(t *testing.T) {
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		if call < 3 {
			return logitsOf(t, []float32{5, 1, 0}), nil
		}
		return logitsOf(t, []float32{0, 1, 5}), nil
	}}

	res, err := runController(t, scenarioParams(), idsOf(t, []int64{0}), exec)
	if err != nil {
		t.Fatal(err)
	}
	if !tokensEqual(res.Sequences[0], []int32{0, 0, 0, 2}) {
		t.Errorf("sequence = %v, want [0 0 0 2]", res.Sequences[0])
	}
	if res.Steps != 3 || exec.calls != 3 {
		t.Errorf("steps = %d, calls = %d, want 3 each", res.Steps, exec.calls)
	}
	if res.Scores[0] >= 0 {
		t.Errorf("cumulative log-probability %f should be negative", res.Scores[0])
	}
}

func TestGreedyStopsEarly(t *testing.T) {
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		return logitsOf(t, []float32{0, 1, 5}), nil
	}}

	res, err := runController(t, scenarioParams(), idsOf(t, []int64{0}), exec)
	if err != nil {
		t.Fatal(err)
	}
	if !tokensEqual(res.Sequences[0], []int32{0, 2}) {
		t.Errorf("sequence = %v, want [0 2]", res.Sequences[0])
	}
	if exec.calls != 1 {
		t.Errorf("executor called %d times after stop token, want 1", exec.calls)
	}
}

func TestGreedyDeterministicTieBreak(t *testing.T) {
	// Tokens 0 and 1 tie; the lower id must win on every run
	for i := 0; i < 3; i++ {
		exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
			return logitsOf(t, []float32{4, 4, 0}), nil
		}}
		res, err := runController(t, scenarioParams(), idsOf(t, []int64{1}), exec)
		if err != nil {
			t.Fatal(err)
		}
		if !tokensEqual(res.Sequences[0], []int32{1, 0, 0, 0}) {
			t.Fatalf("run %d: sequence = %v", i, res.Sequences[0])
		}
	}
}

func TestFinishedRowLeavesBatch(t *testing.T) {
	p := scenarioParams()
	p.BatchSize = 2
	p.MaxLength = 5

	var secondCallRows int64 = -1
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		rows := feeds[device.FeedInputIDs].Dim(0)
		switch call {
		case 1:
			return logitsOf(t, []float32{0, 1, 5}, []float32{5, 1, 0}), nil
		default:
			secondCallRows = int64(rows)
			return logitsOf(t, []float32{0, 1, 5}), nil
		}
	}}

	res, err := runController(t, p, idsOf(t, []int64{0}, []int64{1}), exec)
	if err != nil {
		t.Fatal(err)
	}
	if secondCallRows != 1 {
		t.Errorf("step 2 batch had %d rows, want 1 (finished row excluded)", secondCallRows)
	}
	if !tokensEqual(res.Sequences[0], []int32{0, 2}) {
		t.Errorf("row 0 = %v, want [0 2]", res.Sequences[0])
	}
	if !tokensEqual(res.Sequences[1], []int32{1, 0, 2}) {
		t.Errorf("row 1 = %v, want [1 0 2]", res.Sequences[1])
	}
}

func TestRunStopsAtMaxLength(t *testing.T) {
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		return logitsOf(t, []float32{5, 1, 0}), nil
	}}

	res, err := runController(t, scenarioParams(), idsOf(t, []int64{0}), exec)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sequences[0]) != 4 {
		t.Errorf("sequence length = %d, want max length 4", len(res.Sequences[0]))
	}
	if res.Steps != 3 {
		t.Errorf("steps = %d, want 3", res.Steps)
	}
}

func TestExhaustedAborts(t *testing.T) {
	p := scenarioParams()
	p.VocabMask = []int32{0, 0, 0}

	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		return logitsOf(t, []float32{1, 1, 1}), nil
	}}

	c, err := NewController(device.CPUOps(exec))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(p, idsOf(t, []int64{0})); err != nil {
		t.Fatal(err)
	}
	_, err = c.Execute(context.Background())
	if !errors.Is(err, ErrScoresExhausted) {
		t.Errorf("err = %v, want ErrScoresExhausted", err)
	}
	if c.State() != Failed {
		t.Errorf("state = %s, want failed", c.State())
	}
}

func TestExhaustedEmptyItem(t *testing.T) {
	p := scenarioParams()
	p.VocabMask = []int32{0, 0, 0}
	p.OnExhausted = config.ExhaustedEmptyItem

	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		return logitsOf(t, []float32{1, 1, 1}), nil
	}}

	res, err := runController(t, p, idsOf(t, []int64{0}), exec)
	if err != nil {
		t.Fatal(err)
	}
	if !tokensEqual(res.Sequences[0], []int32{0}) {
		t.Errorf("sequence = %v, want bare prompt", res.Sequences[0])
	}
}

func TestOutputScores(t *testing.T) {
	p := scenarioParams()
	p.OutputScores = true

	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		return logitsOf(t, []float32{5, 1, 0}), nil
	}}

	res, err := runController(t, p, idsOf(t, []int64{0}), exec)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.StepScores) != res.Steps {
		t.Errorf("captured %d score matrices for %d steps", len(res.StepScores), res.Steps)
	}
	if res.StepScores[0].Cols() != 3 {
		t.Errorf("score matrix cols = %d, want vocab 3", res.StepScores[0].Cols())
	}
}

func TestControllerStateMachine(t *testing.T) {
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		return logitsOf(t, []float32{0, 1, 5}), nil
	}}
	c, err := NewController(device.CPUOps(exec))
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != Uninitialized {
		t.Fatalf("fresh state = %s", c.State())
	}

	if _, err := c.Execute(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("execute before initialize: %v", err)
	}

	if err := c.Initialize(scenarioParams(), idsOf(t, []int64{0})); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(scenarioParams(), idsOf(t, []int64{0})); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double initialize: %v", err)
	}

	if _, err := c.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != Done {
		t.Errorf("state after run = %s, want done", c.State())
	}
	if _, err := c.Execute(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("re-execute after done: %v", err)
	}
}

func TestInitializeValidation(t *testing.T) {
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		return nil, nil
	}}
	c, err := NewController(device.CPUOps(exec))
	if err != nil {
		t.Fatal(err)
	}

	bad := scenarioParams()
	bad.VocabSize = 0
	var verr *ValidationError
	if err := c.Initialize(bad, idsOf(t, []int64{0})); !errors.As(err, &verr) {
		t.Errorf("bad params: err = %v, want ValidationError", err)
	}

	if err := c.Initialize(scenarioParams(), tensor.Feeds{}); !errors.As(err, &verr) {
		t.Errorf("missing input_ids: err = %v, want ValidationError", err)
	}
}

func TestExecutionErrorWrapsStep(t *testing.T) {
	boom := errors.New("device fell over")
	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		if call == 2 {
			return nil, boom
		}
		return logitsOf(t, []float32{5, 1, 0}), nil
	}}

	_, err := runController(t, scenarioParams(), idsOf(t, []int64{0}), exec)
	var xerr *ExecutionError
	if !errors.As(err, &xerr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
	if xerr.Step != 2 {
		t.Errorf("failing step = %d, want 2", xerr.Step)
	}
	if !errors.Is(err, boom) {
		t.Error("cause not preserved through the wrap")
	}
}

func TestExecuteHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &scriptExec{fn: func(call int, feeds tensor.Feeds) (*tensor.Tensor, error) {
		return logitsOf(t, []float32{5, 1, 0}), nil
	}}
	c, err := NewController(device.CPUOps(exec))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(scenarioParams(), idsOf(t, []int64{0})); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
