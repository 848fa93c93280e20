package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
	"github.com/23skdu/longbow-bodkin/internal/search"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	executorAddr = flag.String("executor", "", "Arrow Flight address of the step executor (host:port); empty runs the built-in demo executor")
	strategy     = flag.String("strategy", "greedy", "Decoding strategy: greedy, beam or sample")
	promptIDs    = flag.String("prompt", "1", "Comma-separated prompt token ids")
	vocabSize    = flag.Int("vocab", 32000, "Vocabulary size of the model")
	maxLength    = flag.Int("max-len", 64, "Maximum total sequence length")
	minLength    = flag.Int("min-len", 0, "Minimum total length before the stop token is allowed")
	numBeams     = flag.Int("beams", 1, "Number of beams (beam strategy only)")
	eosToken     = flag.Int("eos", 2, "Stop token id")
	padToken     = flag.Int("pad", 0, "Padding token id")
	temperature  = flag.Float64("temperature", 1.0, "Sampling temperature")
	topK         = flag.Int("top-k", 0, "Keep only the k best candidates before sampling (0 disables)")
	topP         = flag.Float64("top-p", 0, "Nucleus sampling cumulative probability (0 disables)")
	repPenalty   = flag.Float64("repetition-penalty", 1.0, "Penalty applied to already generated tokens")
	noRepeat     = flag.Int("no-repeat-ngram", 0, "Ban repeating n-grams of this size (0 disables)")
	lenPenalty   = flag.Float64("length-penalty", 1.0, "Beam length penalty exponent")
	earlyStop    = flag.Bool("early-stopping", false, "Stop beam search once enough hypotheses finished")
	seed         = flag.Int64("seed", 0, "Sampling seed (0 derives one from the clock)")
	monitorAddr  = flag.String("monitor", ":9090", "Address for health and Prometheus metrics endpoints")
	logLevel     = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat    = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.With("bodkin")

	params, err := buildParams()
	if err != nil {
		log.Error("invalid parameters", "error", err.Error())
		os.Exit(1)
	}

	prompt, err := parsePrompt(*promptIDs)
	if err != nil {
		log.Error("invalid prompt", "error", err.Error())
		os.Exit(1)
	}

	ops, executorKind, cleanup, err := bindExecutor(params)
	if err != nil {
		log.Error("executor binding failed", "error", err.Error())
		os.Exit(1)
	}
	defer cleanup()

	monitor := monitoring.NewHealthMonitor(executorKind)
	go func() {
		if err := monitor.Start(*monitorAddr); err != nil {
			log.Warn("monitor server stopped", "error", err.Error())
		}
	}()
	defer monitor.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("interrupt received, aborting run")
		cancel()
	}()

	feeds, err := promptFeeds(prompt, params.BatchBeamSize())
	if err != nil {
		log.Error("building feeds failed", "error", err.Error())
		os.Exit(1)
	}

	controller, err := search.NewController(ops)
	if err != nil {
		log.Error("controller setup failed", "error", err.Error())
		os.Exit(1)
	}
	if err := controller.Initialize(params, feeds); err != nil {
		log.Error("initialization failed", "error", err.Error())
		os.Exit(1)
	}

	start := time.Now()
	res, err := controller.Execute(ctx)
	generated := 0
	if res != nil {
		for _, seq := range res.Sequences {
			if n := len(seq) - len(prompt); n > 0 {
				generated += n
			}
		}
	}
	monitor.RecordRun(generated, time.Since(start), err != nil)
	if err != nil {
		log.Error("run failed", "error", err.Error())
		os.Exit(1)
	}

	for i, seq := range res.Sequences {
		fmt.Printf("hypothesis %d (score %.4f): %v\n", i, res.Scores[i], seq)
	}
	log.Info("generation finished",
		"hypotheses", len(res.Sequences),
		"steps", res.Steps,
		"duration", time.Since(start).String())
}

func buildParams() (config.GenerationParams, error) {
	p := config.Default()

	strat, err := config.ParseStrategy(*strategy)
	if err != nil {
		return p, err
	}
	p.Strategy = strat
	p.NumBeams = *numBeams
	p.VocabSize = *vocabSize
	p.MaxLength = *maxLength
	p.MinLength = *minLength
	p.EOSTokenID = int32(*eosToken)
	p.PadTokenID = int32(*padToken)
	p.Temperature = float32(*temperature)
	p.TopK = *topK
	p.TopP = float32(*topP)
	p.RepetitionPenalty = float32(*repPenalty)
	p.NoRepeatNGramSize = *noRepeat
	p.LengthPenalty = float32(*lenPenalty)
	p.EarlyStopping = *earlyStop
	p.Seed = *seed
	return p, p.Validate()
}

func parsePrompt(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("prompt token %q: %w", part, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// promptFeeds tiles the prompt across every hypothesis row
func promptFeeds(prompt []int64, rows int) (tensor.Feeds, error) {
	flat := make([]int64, 0, rows*len(prompt))
	for r := 0; r < rows; r++ {
		flat = append(flat, prompt...)
	}
	ids, err := tensor.FromI64(flat, rows, len(prompt))
	if err != nil {
		return nil, err
	}
	return tensor.Feeds{device.FeedInputIDs: ids}, nil
}

func bindExecutor(params config.GenerationParams) (device.Ops, string, func(), error) {
	if *executorAddr != "" {
		fe, err := device.NewFlightExecutor(*executorAddr)
		if err != nil {
			return device.Ops{}, "", func() {}, err
		}
		return device.FlightOps(fe), "flight", func() { fe.Close() }, nil
	}
	return device.CPUOps(demoExecutor{vocab: params.VocabSize, eos: params.EOSTokenID}), "demo", func() {}, nil
}

// demoExecutor is a stand-in subgraph for smoke runs without a remote
// executor: each row's logits favor a token derived from its last input id,
// with a slowly growing pull toward the stop token.
type demoExecutor struct {
	vocab int
	eos   int32
}

func (d demoExecutor) Run(ctx context.Context, feeds tensor.Feeds) (tensor.Fetches, error) {
	ids, ok := feeds[device.FeedInputIDs]
	if !ok {
		return nil, fmt.Errorf("demo executor: missing %q", device.FeedInputIDs)
	}
	shape := ids.Shape()
	rows, cols := shape[0], shape[1]

	logits := tensor.NewF32(rows, d.vocab)
	out := logits.F32()
	data := ids.I64()
	for r := 0; r < rows; r++ {
		last := data[r*cols+cols-1]
		favored := int((last*31 + 17) % int64(d.vocab))
		out[r*d.vocab+favored] = 8
		// Stop pressure grows with sequence length
		out[r*d.vocab+int(d.eos)] += float32(cols) * 0.4
	}
	return tensor.Fetches{device.FetchLogits: logits}, nil
}
