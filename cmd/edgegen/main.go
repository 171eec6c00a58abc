package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/SNU-RTOS/edgegen/internal/engine"
	"github.com/SNU-RTOS/edgegen/internal/graphstore"
	"github.com/SNU-RTOS/edgegen/internal/inference"
	"github.com/SNU-RTOS/edgegen/internal/kvcache"
	"github.com/SNU-RTOS/edgegen/internal/logger"
	"github.com/SNU-RTOS/edgegen/internal/logits"
	"github.com/SNU-RTOS/edgegen/internal/tokenizer"
	"github.com/SNU-RTOS/edgegen/internal/version"
)

var (
	modelPath     string
	tokenizerPath string
	adapterPath   string
	weightCache   string
	cfgFile       string

	prompt     string
	steps      int64
	startToken int64
	stopToken  int64
	threads    int64

	samplerKind string
	temp        float64
	topK        int64
	topP        float64
	seed        int64

	logLevel  string
	logFormat string
)

func main() {
	cmd := &cli.Command{
		Name:    "edgegen",
		Usage:   "On-device text generation over compiled graph files",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Usage:       "path to the compiled graph (.cgf) file",
				Destination: &modelPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "tokenizer",
				Usage:       "path to the tokenizer vocabulary (json)",
				Destination: &tokenizerPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "adapter",
				Usage:       "optional LoRA adapter (.cgf) to merge before running",
				Destination: &adapterPath,
			},
			&cli.StringFlag{
				Name:        "weight-cache",
				Usage:       "path for the persistent packed-weight cache",
				Destination: &weightCache,
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "override path to config.yaml",
				Destination: &cfgFile,
			},
			&cli.StringFlag{
				Name:        "prompt",
				Usage:       "prompt text to seed generation",
				Value:       "Write an email:",
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Usage:       "max tokens to generate (-1 = until the cache fills)",
				Value:       -1,
				Destination: &steps,
			},
			&cli.Int64Flag{
				Name:        "start-token",
				Usage:       "token id prepended to the prompt (-1 = tokenizer BOS)",
				Value:       -1,
				Destination: &startToken,
			},
			&cli.Int64Flag{
				Name:        "stop-token",
				Usage:       "token id that terminates decoding (-1 = tokenizer EOS)",
				Value:       -1,
				Destination: &stopToken,
			},
			&cli.Int64Flag{
				Name:        "threads",
				Usage:       "worker threads per graph invocation",
				Value:       4,
				Destination: &threads,
			},
			&cli.StringFlag{
				Name:        "sampler",
				Usage:       "sampling strategy: greedy, topk, topp, composite",
				Value:       "greedy",
				Destination: &samplerKind,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Usage:       "sampling temperature (composite)",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "topk",
				Usage:       "top-k shortlist size",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "topp",
				Usage:       "nucleus probability threshold",
				Value:       0.95,
				Destination: &topP,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed",
				Value:       42,
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level: debug, info, warn, error",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format: text, json, pretty",
				Value:       "text",
				Destination: &logFormat,
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	applyConfig(c, loadConfig(cfgFile))

	log := buildLogger()
	log = log.With("run_id", uuid.NewString())

	tok, err := tokenizer.LoadSentencePiece(tokenizerPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: load tokenizer: %v", err), 1)
	}

	file, err := graphstore.Open(modelPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: open model: %v", err), 1)
	}
	defer file.Close()

	var adapter *engine.Adapter
	if adapterPath != "" {
		adapter, err = engine.LoadAdapter(adapterPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: load adapter: %v", err), 1)
		}
		log.Info("adapter loaded", "path", adapterPath, "rank", adapter.Rank)
	}

	graph, err := engine.Build(file, engine.Config{
		Threads:         int(threads),
		WeightCachePath: weightCache,
		Adapter:         adapter,
		Log:             log,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: build graph: %v", err), 1)
	}
	defer graph.Close()

	cache, err := kvcache.Build(graph)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: allocate kv cache: %v", err), 1)
	}
	log.Info("graph ready",
		"arch", graph.Info().Architecture,
		"runners", len(graph.Runners()),
		"layers", cache.Layers(),
		"capacity", cache.Capacity())

	ids, err := tok.Encode(prompt)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: encode prompt: %v", err), 1)
	}
	start := resolveToken(startToken, tok.BOS())
	if start >= 0 {
		ids = append([]int{start}, ids...)
	}
	stop := resolveToken(stopToken, tok.EOS())

	sampler, err := logits.New(logits.Config{
		Kind:        samplerKind,
		Temperature: float32(temp),
		TopK:        int(topK),
		TopP:        float32(topP),
		Seed:        seed,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}

	var prefill inference.PrefillRunner
	if len(ids) > 1 {
		r, err := engine.SelectPrefill(graph, len(ids)-1, cache, adapter)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: select prefill runner: %v", err), 1)
		}
		log.Debug("prefill runner selected", "name", r.Name(), "capacity", r.Capacity())
		prefill = r
	}
	decode, err := engine.SelectDecode(graph, cache, adapter)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: select decode runner: %v", err), 1)
	}
	log.Debug("decode runner selected", "name", decode.Name())

	metrics := inference.NewMetrics(os.Stdout)
	gen := &inference.Generator{
		Prefill:       prefill,
		Decode:        decode,
		Sampler:       sampler,
		Tokenizer:     tok,
		StopToken:     stop,
		MaxSteps:      int(steps),
		CacheCapacity: cache.Capacity(),
		Metrics:       metrics,
		Log:           log,
	}

	fmt.Print(prompt)
	state, err := gen.Run(ctx, ids, func(text string) {
		fmt.Print(text)
	})
	fmt.Println()
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: generation failed in state %s: %v", state, err), 1)
	}

	metrics.Report()
	log.Info("generation finished", "state", state.String(), "tokens", metrics.Tokens())
	return nil
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "pretty":
		return logger.Pretty(os.Stderr, level)
	default:
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
}

// resolveToken picks the flag value when given, the tokenizer default
// otherwise. Both being negative disables the token.
func resolveToken(flag int64, fallback int) int {
	if flag >= 0 {
		return int(flag)
	}
	return fallback
}
