package device

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// tensorSchema is the wire layout for feeds and fetches: one row per named
// tensor, with the payload in either the f32 or the i64 column.
var tensorSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "f32", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	{Name: "i64", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
}, nil)

// FlightExecutor runs subgraph steps on a remote executor over Arrow Flight.
// Each step is one DoExchange round trip: feeds out, fetches back. The
// stream is synchronous from the caller's point of view; the remote side may
// pipeline device work internally but must materialize logits before
// responding.
type FlightExecutor struct {
	client flight.Client
	addr   string
}

// NewFlightExecutor dials the remote step executor
func NewFlightExecutor(addr string) (*FlightExecutor, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}
	logger.Log.Info("flight executor connected", "addr", addr)
	return &FlightExecutor{client: client, addr: addr}, nil
}

func (fe *FlightExecutor) Close() error {
	if fe.client != nil {
		return fe.client.Close()
	}
	return nil
}

// Run implements StepExecutor over one Flight exchange
func (fe *FlightExecutor) Run(ctx context.Context, feeds tensor.Feeds) (tensor.Fetches, error) {
	start := time.Now()

	stream, err := fe.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("flight exchange: %w", err)
	}

	rec, err := encodeTensors(feeds)
	if err != nil {
		return nil, fmt.Errorf("encode feeds: %w", err)
	}
	defer rec.Release()

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(tensorSchema))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"decode", "step"},
	})
	if err := wr.Write(rec); err != nil {
		return nil, fmt.Errorf("write feeds: %w", err)
	}
	if err := wr.Close(); err != nil {
		return nil, fmt.Errorf("close feed writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}
	metrics.RecordFlightTransfer("upload", feedsBytes(feeds), time.Since(start))

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("open fetch reader: %w", err)
	}
	defer rdr.Release()

	fetches := make(tensor.Fetches)
	for rdr.Next() {
		batch, err := decodeTensors(rdr.Record())
		if err != nil {
			return nil, fmt.Errorf("decode fetches: %w", err)
		}
		for name, t := range batch {
			fetches[name] = t
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("read fetches: %w", err)
	}
	if len(fetches) == 0 {
		return nil, fmt.Errorf("remote executor returned no fetches")
	}

	downloaded := 0
	for _, t := range fetches {
		downloaded += t.SizeBytes()
	}
	metrics.RecordFlightTransfer("download", downloaded, time.Since(start))
	return fetches, nil
}

// Download fetches a named device-resident tensor to the host via DoGet.
// The controller uses this during finalization for device-held scores.
func (fe *FlightExecutor) Download(ctx context.Context, name string) (*tensor.Tensor, error) {
	start := time.Now()

	stream, err := fe.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("flight get %q: %w", name, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("open reader %q: %w", name, err)
	}
	defer rdr.Release()

	for rdr.Next() {
		batch, err := decodeTensors(rdr.Record())
		if err != nil {
			return nil, err
		}
		if t, ok := batch[name]; ok {
			metrics.RecordFlightTransfer("download", t.SizeBytes(), time.Since(start))
			return t, nil
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	return nil, fmt.Errorf("remote executor has no tensor %q", name)
}

// FlightOps binds the control loop to a remote executor. Selection math
// stays on the host; only the forward pass and final downloads cross the
// wire.
func FlightOps(fe *FlightExecutor) Ops {
	ops := CPUOps(fe)
	ops.Copy = func(dst, src *tensor.Tensor, dir Direction) error {
		// Remote tensors arrive already materialized on the host, so the
		// download path is the only direction that differs from the
		// reference binding.
		return CopyHost(dst, src, dir)
	}
	return ops
}

func feedsBytes(feeds tensor.Feeds) int {
	n := 0
	for _, t := range feeds {
		n += t.SizeBytes()
	}
	return n
}

func encodeTensors(ts map[string]*tensor.Tensor) (arrow.Record, error) {
	b := array.NewRecordBuilder(memory.DefaultAllocator, tensorSchema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	dtypes := b.Field(1).(*array.StringBuilder)
	shapes := b.Field(2).(*array.ListBuilder)
	shapeVals := shapes.ValueBuilder().(*array.Int64Builder)
	f32s := b.Field(3).(*array.ListBuilder)
	f32Vals := f32s.ValueBuilder().(*array.Float32Builder)
	i64s := b.Field(4).(*array.ListBuilder)
	i64Vals := i64s.ValueBuilder().(*array.Int64Builder)

	for name, t := range ts {
		names.Append(name)
		dtypes.Append(t.DType().String())

		shapes.Append(true)
		for _, d := range t.Shape() {
			shapeVals.Append(int64(d))
		}

		switch t.DType() {
		case tensor.F32:
			f32s.Append(true)
			f32Vals.AppendValues(t.F32(), nil)
			i64s.Append(true)
		case tensor.I64:
			f32s.Append(true)
			i64s.Append(true)
			i64Vals.AppendValues(t.I64(), nil)
		default:
			return nil, fmt.Errorf("tensor %q: unsupported dtype %s", name, t.DType())
		}
	}

	return b.NewRecord(), nil
}

func decodeTensors(rec arrow.Record) (map[string]*tensor.Tensor, error) {
	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column 0 is %T, want string", rec.Column(0))
	}
	dtypes, ok := rec.Column(1).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column 1 is %T, want string", rec.Column(1))
	}
	shapes, ok := rec.Column(2).(*array.List)
	if !ok {
		return nil, fmt.Errorf("column 2 is %T, want list", rec.Column(2))
	}
	f32s, ok := rec.Column(3).(*array.List)
	if !ok {
		return nil, fmt.Errorf("column 3 is %T, want list", rec.Column(3))
	}
	i64s, ok := rec.Column(4).(*array.List)
	if !ok {
		return nil, fmt.Errorf("column 4 is %T, want list", rec.Column(4))
	}

	shapeVals := shapes.ListValues().(*array.Int64).Int64Values()
	f32Vals := f32s.ListValues().(*array.Float32).Float32Values()
	i64Vals := i64s.ListValues().(*array.Int64).Int64Values()

	out := make(map[string]*tensor.Tensor, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		name := names.Value(i)

		ss, se := shapes.ValueOffsets(i)
		shape := make([]int, 0, se-ss)
		for _, d := range shapeVals[ss:se] {
			shape = append(shape, int(d))
		}

		var t *tensor.Tensor
		var err error
		switch dt := dtypes.Value(i); dt {
		case "f32":
			fs, fEnd := f32s.ValueOffsets(i)
			data := make([]float32, fEnd-fs)
			copy(data, f32Vals[fs:fEnd])
			t, err = tensor.FromF32(data, shape...)
		case "i64":
			is, iEnd := i64s.ValueOffsets(i)
			data := make([]int64, iEnd-is)
			copy(data, i64Vals[is:iEnd])
			t, err = tensor.FromI64(data, shape...)
		default:
			return nil, fmt.Errorf("tensor %q: unknown dtype %q", name, dt)
		}
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}
