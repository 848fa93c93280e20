package search

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// State tracks a controller through its run
type State int

const (
	Uninitialized State = iota
	Ready
	Running
	Finalizing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result is the output of a finished run. Sequences holds batch*beams token
// histories (prompt included, stop token included where one was emitted) and
// Scores the matching cumulative or length-normalized score per hypothesis.
// StepScores is populated only when the run asked for per-step score capture.
type Result struct {
	Sequences  [][]int32
	Scores     []float32
	StepScores []*ScoreMatrix
	Steps      int
}

// Controller drives one generation run: one forward pass per step through the
// bound device ops, the processor pipeline over the returned logits, then
// selection, append and feed rebuild. The same loop serves every strategy;
// only the injected selector differs. A controller is single-use.
type Controller struct {
	ops    device.Ops
	params config.GenerationParams
	state  State

	seqs       *Sequences
	pipeline   *Pipeline
	sel        Selector
	feeds      tensor.Feeds
	prevActive []int32
	stepScores []*ScoreMatrix
	pooledHyps int

	log *logger.Logger
}

// NewController binds a controller to a device ops bundle
func NewController(ops device.Ops) (*Controller, error) {
	if err := ops.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		ops:   ops,
		state: Uninitialized,
		log:   logger.Log.With("search"),
	}, nil
}

func (c *Controller) State() State { return c.state }

// Initialize validates parameters, seeds the sequence store from the
// input_ids feed and builds the pipeline and selector. The feeds map is
// retained; callers must not mutate it afterwards.
func (c *Controller) Initialize(params config.GenerationParams, feeds tensor.Feeds) error {
	if c.state != Uninitialized {
		return fmt.Errorf("initialize in state %s: %w", c.state, ErrInvalidState)
	}
	if err := params.Validate(); err != nil {
		metrics.ValidationErrors.WithLabelValues("params").Inc()
		return &ValidationError{Err: err}
	}

	prompts, err := promptsFromFeeds(feeds, params.BatchBeamSize())
	if err != nil {
		metrics.ValidationErrors.WithLabelValues("feeds").Inc()
		return &ValidationError{Err: err}
	}
	seqs, err := NewSequences(prompts, params.MaxLength)
	if err != nil {
		metrics.ValidationErrors.WithLabelValues("feeds").Inc()
		return &ValidationError{Err: err}
	}
	sel, err := NewSelector(&params, c.ops.TopK)
	if err != nil {
		return err
	}

	c.params = params
	c.seqs = seqs
	c.pipeline = NewPipeline(&params, c.ops.TopK)
	c.sel = sel
	c.feeds = feeds
	c.prevActive = append([]int32(nil), sel.Active()...)
	c.state = Ready

	if params.Strategy == config.StrategySample {
		metrics.SamplingTemperature.Observe(float64(params.Temperature))
	}

	c.log.Info("run initialized",
		"strategy", params.Strategy.String(),
		"batch", params.BatchSize,
		"beams", params.NumBeams,
		"vocab", params.VocabSize,
		"max_length", params.MaxLength,
		"prompt_length", seqs.Len(),
		"processors", c.pipeline.Len())
	return nil
}

// Execute runs the decode loop to completion. On any error the controller
// lands in Failed and returns no partial result.
func (c *Controller) Execute(ctx context.Context) (*Result, error) {
	if c.state != Ready {
		return nil, fmt.Errorf("execute in state %s: %w", c.state, ErrInvalidState)
	}
	c.state = Running
	runStart := time.Now()

	res, err := c.run(ctx)
	if err != nil {
		c.state = Failed
		metrics.RecordRun(c.params.Strategy.String(), "error", time.Since(runStart))
		c.log.Error("run failed", "error", err.Error(), "state", c.state.String())
		return nil, err
	}

	c.state = Done
	metrics.RecordRun(c.params.Strategy.String(), "ok", time.Since(runStart))
	c.log.Info("run complete",
		"steps", res.Steps,
		"final_length", c.seqs.Len(),
		"duration", time.Since(runStart).String())
	return res, nil
}

func (c *Controller) run(ctx context.Context) (*Result, error) {
	step := 0
	for !c.sel.Done() && c.seqs.Len() < c.params.MaxLength {
		step++
		if err := ctx.Err(); err != nil {
			return nil, &ExecutionError{Step: step, Err: err}
		}
		if err := c.step(ctx, step); err != nil {
			return nil, err
		}
	}

	c.state = Finalizing
	if !c.sel.Done() {
		c.sel.ForceFinish(c.seqs)
	}
	return c.finalize(step)
}

func (c *Controller) step(ctx context.Context, step int) error {
	stepStart := time.Now()

	logits, err := c.ops.RunStep(ctx, c.feeds)
	if err != nil {
		return &ExecutionError{Step: step, Err: err}
	}
	if c.ops.ProcessLogits != nil {
		// Fused device-side processing runs before the host pipeline;
		// bindings that use it configure the overlapping host processors off.
		if err := c.ops.ProcessLogits(ctx, logits); err != nil {
			return &ExecutionError{Step: step, Err: err}
		}
	}

	rows, vocab := len(c.prevActive), c.params.VocabSize
	shape := logits.Shape()
	if shape[0] != rows || shape[1] != vocab {
		return &ExecutionError{Step: step,
			Err: fmt.Errorf("logits shape %v, want [%d %d]", shape, rows, vocab)}
	}

	// Scores are copied out of the fetch buffer: the executor may reuse it,
	// and processors must never write into device-owned memory.
	sm := NewScoreMatrix(rows, vocab)
	copy(sm.Data(), logits.F32())
	auditScores(sm)

	if err := c.pipeline.Process(ctx, step, c.seqs, sm, c.prevActive); err != nil {
		return &ExecutionError{Step: step, Err: err}
	}
	recordMasked(sm)

	st := &StepState{
		Step:       step,
		Active:     c.prevActive,
		Scores:     sm,
		NextTokens: make([]int32, c.seqs.Rows()),
		NextScores: make([]float32, c.seqs.Rows()),
		Origins:    make([]int32, c.seqs.Rows()),
	}
	if err := c.sel.Select(st, c.seqs); err != nil {
		return err
	}
	if err := c.seqs.Append(st.Origins, st.NextTokens); err != nil {
		return err
	}
	c.sel.Advance(st, c.seqs)

	if c.params.OutputScores {
		c.stepScores = append(c.stepScores, sm)
	}
	if bs, ok := c.sel.(*beamSelector); ok {
		finished := 0
		for _, p := range bs.pools {
			finished += len(p.hyps)
		}
		metrics.RecordBeamStep(finished-c.pooledHyps, float64(bs.BeamSpread()))
		c.pooledHyps = finished
	}
	metrics.RecordStep(rows, time.Since(stepStart))
	c.log.Debug("step complete",
		"step", step,
		"active", len(c.sel.Active()),
		"length", c.seqs.Len())

	return c.rebuildFeeds(st, step)
}

// rebuildFeeds builds the next device batch from the rows still active.
// Origin indices are translated from global hypothesis rows to positions in
// the previous batch, which is the layout the feeds actually have.
func (c *Controller) rebuildFeeds(st *StepState, step int) error {
	nextActive := c.sel.Active()
	if len(nextActive) == 0 || c.seqs.Len() >= c.params.MaxLength {
		return nil
	}

	prevPos := make(map[int32]int, len(c.prevActive))
	for i, g := range c.prevActive {
		prevPos[g] = i
	}

	tokens := make([]int32, len(nextActive))
	origins := make([]int32, len(nextActive))
	for i, g := range nextActive {
		pos, ok := prevPos[st.Origins[g]]
		if !ok {
			return &ExecutionError{Step: step,
				Err: fmt.Errorf("row %d origin %d absent from previous batch: %w", g, st.Origins[g], ErrInvalidIndex)}
		}
		tokens[i] = st.NextTokens[g]
		origins[i] = int32(pos)
	}

	next, err := c.ops.UpdateFeeds(c.feeds, tokens, origins)
	if err != nil {
		return &ExecutionError{Step: step, Err: err}
	}
	c.feeds = next
	c.prevActive = append(c.prevActive[:0], nextActive...)
	return nil
}

// finalize copies the scores out through the device Copy op so bindings with
// device-resident score buffers land them in host memory.
func (c *Controller) finalize(steps int) (*Result, error) {
	seqsOut, scores := c.sel.Finalize(c.seqs)

	src, err := tensor.FromF32(scores, len(scores))
	if err != nil {
		return nil, err
	}
	dst := tensor.NewF32(len(scores))
	if err := c.ops.Copy(dst, src, device.DeviceToHost); err != nil {
		return nil, &ExecutionError{Step: steps, Err: err}
	}

	return &Result{
		Sequences:  seqsOut,
		Scores:     dst.F32(),
		StepScores: c.stepScores,
		Steps:      steps,
	}, nil
}

func promptsFromFeeds(feeds tensor.Feeds, rows int) ([][]int32, error) {
	ids, ok := feeds[device.FeedInputIDs]
	if !ok {
		return nil, fmt.Errorf("feeds missing %q", device.FeedInputIDs)
	}
	shape := ids.Shape()
	if ids.DType() != tensor.I64 || len(shape) != 2 {
		return nil, fmt.Errorf("%q must be 2D i64, have %s shape %v", device.FeedInputIDs, ids.DType(), shape)
	}
	if shape[0] != rows {
		return nil, fmt.Errorf("%q has %d rows, want batch*beams %d", device.FeedInputIDs, shape[0], rows)
	}

	data := ids.I64()
	cols := shape[1]
	prompts := make([][]int32, rows)
	for r := 0; r < rows; r++ {
		p := make([]int32, cols)
		for j := 0; j < cols; j++ {
			p[j] = int32(data[r*cols+j])
		}
		prompts[r] = p
	}
	return prompts, nil
}

func auditScores(m *ScoreMatrix) {
	maxV := float32(math.Inf(-1))
	minV := float32(math.Inf(1))
	nan := 0
	for _, v := range m.Data() {
		if math.IsNaN(float64(v)) {
			nan++
			continue
		}
		if v > maxV {
			maxV = v
		}
		if v < minV {
			minV = v
		}
	}
	metrics.RecordLogitAudit(maxV, minV, nan)
}

func recordMasked(m *ScoreMatrix) {
	for r := 0; r < m.Rows(); r++ {
		rowMasked := 0
		for _, v := range m.Row(r) {
			if math.IsInf(float64(v), -1) || math.IsNaN(float64(v)) {
				rowMasked++
			}
		}
		metrics.RecordMasked(rowMasked, rowMasked == m.Cols())
	}
}
