package device

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// CPUOps binds the reference host implementations against the given executor.
// This is the binding every other binding must agree with.
func CPUOps(exec StepExecutor) Ops {
	return Ops{
		RunStep:     cpuRunStep(exec),
		TopK:        TopKHost,
		Copy:        CopyHost,
		UpdateFeeds: UpdateFeedsHost,
	}
}

func cpuRunStep(exec StepExecutor) func(ctx context.Context, feeds tensor.Feeds) (*tensor.Tensor, error) {
	return func(ctx context.Context, feeds tensor.Feeds) (*tensor.Tensor, error) {
		start := time.Now()
		fetches, err := exec.Run(ctx, feeds)
		if err != nil {
			return nil, fmt.Errorf("subgraph run: %w", err)
		}
		metrics.SubgraphDuration.Observe(time.Since(start).Seconds())

		logits, ok := fetches[FetchLogits]
		if !ok {
			return nil, fmt.Errorf("subgraph returned no %q fetch", FetchLogits)
		}
		if logits.DType() != tensor.F32 || len(logits.Shape()) != 2 {
			return nil, fmt.Errorf("logits must be 2D f32, have %s shape %v", logits.DType(), logits.Shape())
		}
		return logits, nil
	}
}

// TopKHost selects the k highest scores. Results are ordered by score
// descending; equal scores break toward the lower index so selection is
// deterministic across runs.
func TopKHost(scores []float32, k int) ([]float32, []int32) {
	if k <= 0 {
		return nil, nil
	}
	if k > len(scores) {
		k = len(scores)
	}

	idx := make([]int32, len(scores))
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

	outIdx := make([]int32, k)
	outVal := make([]float32, k)
	copy(outIdx, idx[:k])
	for i, id := range outIdx {
		outVal[i] = scores[id]
	}
	return outVal, outIdx
}

// CopyHost copies src into dst. Both tensors live on the host, so every
// direction degenerates to a bounds-checked memcpy.
func CopyHost(dst, src *tensor.Tensor, dir Direction) error {
	if dst == nil || src == nil {
		return fmt.Errorf("copy %s: nil tensor", dir)
	}
	if dst.DType() != src.DType() {
		return fmt.Errorf("copy %s: dtype mismatch %s != %s", dir, dst.DType(), src.DType())
	}
	if dst.NumElements() != src.NumElements() {
		return fmt.Errorf("copy %s: size mismatch %d != %d", dir, dst.NumElements(), src.NumElements())
	}

	switch src.DType() {
	case tensor.F32:
		copy(dst.F32(), src.F32())
	case tensor.I64:
		copy(dst.I64(), src.I64())
	}
	return nil
}

// UpdateFeedsHost builds the next step's feeds from the previous ones:
// every 2D feed is gathered row-wise by origins (beam reordering), then the
// selected tokens are appended as a new input_ids column. The next batch has
// len(origins) rows, which may be fewer than the previous batch when finished
// hypotheses drop out. The previous feeds are left untouched.
func UpdateFeedsHost(prev tensor.Feeds, tokens []int32, origins []int32) (tensor.Feeds, error) {
	if len(tokens) != len(origins) {
		return nil, fmt.Errorf("update feeds: %d tokens vs %d origins", len(tokens), len(origins))
	}

	next := make(tensor.Feeds, len(prev))
	for name, t := range prev {
		g, err := gatherRows(t, origins)
		if err != nil {
			return nil, fmt.Errorf("update feeds %q: %w", name, err)
		}
		next[name] = g
	}

	ids, ok := next[FeedInputIDs]
	if !ok {
		return nil, fmt.Errorf("update feeds: missing %q", FeedInputIDs)
	}
	grown, err := appendColumn(ids, tokens)
	if err != nil {
		return nil, fmt.Errorf("update feeds %q: %w", FeedInputIDs, err)
	}
	next[FeedInputIDs] = grown
	return next, nil
}

func gatherRows(t *tensor.Tensor, origins []int32) (*tensor.Tensor, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		// Non-batched feeds pass through as copies
		return t.Clone(), nil
	}
	rows, cols := shape[0], shape[1]
	outRows := len(origins)

	switch t.DType() {
	case tensor.I64:
		src := t.I64()
		out := tensor.NewI64(outRows, cols)
		dst := out.I64()
		for r, o := range origins {
			if o < 0 || int(o) >= rows {
				return nil, fmt.Errorf("origin %d out of range [0, %d)", o, rows)
			}
			copy(dst[r*cols:(r+1)*cols], src[int(o)*cols:(int(o)+1)*cols])
		}
		return out, nil
	case tensor.F32:
		src := t.F32()
		out := tensor.NewF32(outRows, cols)
		dst := out.F32()
		for r, o := range origins {
			if o < 0 || int(o) >= rows {
				return nil, fmt.Errorf("origin %d out of range [0, %d)", o, rows)
			}
			copy(dst[r*cols:(r+1)*cols], src[int(o)*cols:(int(o)+1)*cols])
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported dtype %s", t.DType())
}

func appendColumn(t *tensor.Tensor, tokens []int32) (*tensor.Tensor, error) {
	shape := t.Shape()
	if t.DType() != tensor.I64 || len(shape) != 2 {
		return nil, fmt.Errorf("need 2D i64 tensor, have %s shape %v", t.DType(), shape)
	}
	rows, cols := shape[0], shape[1]
	if len(tokens) != rows {
		return nil, fmt.Errorf("%d tokens for %d rows", len(tokens), rows)
	}

	src := t.I64()
	out := tensor.NewI64(rows, cols+1)
	dst := out.I64()
	for r := 0; r < rows; r++ {
		copy(dst[r*(cols+1):r*(cols+1)+cols], src[r*cols:(r+1)*cols])
		dst[r*(cols+1)+cols] = int64(tokens[r])
	}
	return out, nil
}
