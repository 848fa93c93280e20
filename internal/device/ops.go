package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Well-known feed/fetch names exchanged with the subgraph executor.
const (
	FeedInputIDs = "input_ids"
	FetchLogits  = "logits"
)

// Direction describes a Copy transfer.
type Direction int

const (
	HostToHost Direction = iota
	HostToDevice
	DeviceToHost
)

func (d Direction) String() string {
	switch d {
	case HostToHost:
		return "host_to_host"
	case HostToDevice:
		return "host_to_device"
	case DeviceToHost:
		return "device_to_host"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// StepExecutor runs one forward pass of the model subgraph. It is an external
// collaborator: the engine treats it as an opaque feeds-to-fetches call and
// propagates its failures without retrying.
type StepExecutor interface {
	Run(ctx context.Context, feeds tensor.Feeds) (tensor.Fetches, error)
}

// Ops is the capability bundle the decode loop runs against. It is bound once
// per run to either the CPU reference implementations or a remote/accelerator
// binding; the control flow upstream is identical either way.
//
// RunStep must fully materialize logits into a host-readable tensor before
// returning, even if the binding enqueues asynchronous device work internally.
type Ops struct {
	RunStep       func(ctx context.Context, feeds tensor.Feeds) (*tensor.Tensor, error)
	TopK          func(scores []float32, k int) ([]float32, []int32)
	ProcessLogits func(ctx context.Context, logits *tensor.Tensor) error
	Copy          func(dst, src *tensor.Tensor, dir Direction) error
	UpdateFeeds   func(prev tensor.Feeds, tokens []int32, origins []int32) (tensor.Feeds, error)
}

// Validate checks that the mandatory capabilities are bound.
// ProcessLogits is the optional fused fast path and may stay nil.
func (o *Ops) Validate() error {
	if o.RunStep == nil {
		return errors.New("ops: RunStep not bound")
	}
	if o.TopK == nil {
		return errors.New("ops: TopK not bound")
	}
	if o.Copy == nil {
		return errors.New("ops: Copy not bound")
	}
	if o.UpdateFeeds == nil {
		return errors.New("ops: UpdateFeeds not bound")
	}
	return nil
}
