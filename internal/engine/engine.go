package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/SNU-RTOS/edgegen/internal/graphstore"
	"github.com/SNU-RTOS/edgegen/internal/logger"
	"github.com/SNU-RTOS/edgegen/internal/tensor"
	"github.com/SNU-RTOS/edgegen/pkg/cgf"
)

var (
	ErrNoRunners = errors.New("engine: graph declares no runners")
	ErrBuild     = errors.New("engine: graph construction failed")
)

// Config controls how a runnable graph instance is built.
type Config struct {
	// Threads bounds the worker parallelism of a single invocation.
	// Values <= 0 fall back to GOMAXPROCS.
	Threads int

	// WeightCachePath, when set, attaches a persistent cache of packed f32
	// weights so repeated process runs skip the decode step. An empty path
	// silently disables caching.
	WeightCachePath string

	// Adapter optionally merges LoRA deltas into the base weights and
	// redirects runner selection to adapter-specialised variants.
	Adapter *Adapter

	Log logger.Logger
}

// Graph is a runnable instance built from a compiled graph file.
// It owns all named runners and the weight storage they execute against.
// Immutable after Build; safe for read-only inspection but not for
// concurrent invocation.
type Graph struct {
	info    *cgf.ModelInfo
	weights *weights
	runners []*Runner
	byName  map[string]*Runner
	threads int
	scratch *scratch
	wcache  *weightCache
	log     logger.Logger
}

// Build constructs a runnable graph from a loaded model file.
func Build(file *graphstore.File, cfg Config) (*Graph, error) {
	log := cfg.Log
	if log == nil {
		log = logger.Default()
	}

	info := file.Info()
	if info == nil {
		return nil, fmt.Errorf("%w: missing model info", ErrBuild)
	}

	g := &Graph{
		info:    info,
		byName:  make(map[string]*Runner),
		threads: cfg.Threads,
		log:     log,
	}

	w, wc, err := loadWeights(file, info, cfg.WeightCachePath, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}
	g.weights = w
	g.wcache = wc

	if cfg.Adapter != nil {
		if err := cfg.Adapter.Merge(g); err != nil {
			g.Close()
			return nil, fmt.Errorf("%w: apply adapter: %v", ErrBuild, err)
		}
	}

	for _, decl := range file.Runners() {
		r, err := newRunner(g, decl)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("%w: runner %s: %v", ErrBuild, decl.Name, err)
		}
		g.runners = append(g.runners, r)
		g.byName[decl.Name] = r
	}
	if len(g.runners) == 0 {
		g.Close()
		return nil, ErrNoRunners
	}

	g.scratch = newScratch(info)
	return g, nil
}

// Info returns the model hyperparameters.
func (g *Graph) Info() *cgf.ModelInfo {
	return g.info
}

// Runners returns all runners in declaration order.
func (g *Graph) Runners() []*Runner {
	return g.runners
}

// Runner returns the runner with the given name.
func (g *Graph) Runner(name string) (*Runner, bool) {
	r, ok := g.byName[name]
	return r, ok
}

// DecodeDecl returns the declaration of the base decode runner.
func (g *Graph) DecodeDecl() (cgf.RunnerDecl, bool) {
	for _, r := range g.runners {
		if r.Kind() == cgf.RunnerDecode && !strings.HasSuffix(r.Name(), adapterSuffix) {
			return r.decl, true
		}
	}
	return cgf.RunnerDecl{}, false
}

// Close releases the weight cache mapping, if any.
func (g *Graph) Close() error {
	if g == nil {
		return nil
	}
	var err error
	if g.wcache != nil {
		err = g.wcache.Close()
		g.wcache = nil
	}
	return err
}

// weights holds the f32 views the forward pass executes against.
// All matrices reference one contiguous blob unless an adapter copied them.
type weights struct {
	tokEmbd tensor.Mat
	layers  []layerWeights
	outNorm []float32
	output  tensor.Mat
}

type layerWeights struct {
	attnNorm []float32
	wq       tensor.Mat
	wk       tensor.Mat
	wv       tensor.Mat
	wo       tensor.Mat
	ffnNorm  []float32
	wGate    tensor.Mat
	wUp      tensor.Mat
	wDown    tensor.Mat
}

type weightSpec struct {
	name string
	rows int
	cols int
}

// weightLayout is the canonical tensor order of the weight blob. The
// persistent weight cache stores the blob in exactly this order.
func weightLayout(mi *cgf.ModelInfo, hasOutput bool) []weightSpec {
	embd := mi.EmbeddingLength
	qDim := mi.HeadCount * mi.HeadDim
	kvDim := mi.HeadCountKV * mi.HeadDim

	specs := []weightSpec{{"token_embd.weight", mi.VocabSize, embd}}
	for l := 0; l < mi.BlockCount; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		specs = append(specs,
			weightSpec{p + "attn_norm.weight", 1, embd},
			weightSpec{p + "attn_q.weight", qDim, embd},
			weightSpec{p + "attn_k.weight", kvDim, embd},
			weightSpec{p + "attn_v.weight", kvDim, embd},
			weightSpec{p + "attn_output.weight", embd, qDim},
			weightSpec{p + "ffn_norm.weight", 1, embd},
			weightSpec{p + "ffn_gate.weight", mi.FFNLength, embd},
			weightSpec{p + "ffn_up.weight", mi.FFNLength, embd},
			weightSpec{p + "ffn_down.weight", embd, mi.FFNLength},
		)
	}
	specs = append(specs, weightSpec{"output_norm.weight", 1, embd})
	if hasOutput {
		specs = append(specs, weightSpec{"output.weight", mi.VocabSize, embd})
	}
	return specs
}

func loadWeights(file *graphstore.File, mi *cgf.ModelInfo, cachePath string, log logger.Logger) (*weights, *weightCache, error) {
	_, hasOutput := func() (cgf.TensorRecord, bool) {
		rec, err := file.Tensor("output.weight")
		return rec, err == nil
	}()

	specs := weightLayout(mi, hasOutput)
	total := 0
	for _, s := range specs {
		total += s.rows * s.cols
	}

	fp := fingerprint(file.TensorIndexRaw())

	var blob []float32
	var wc *weightCache
	if cachePath != "" {
		cached, err := openWeightCache(cachePath, fp, total)
		if err != nil {
			log.Warn("weight cache unusable, rebuilding", "path", cachePath, "err", err)
		} else if cached != nil {
			log.Debug("weight cache attached", "path", cachePath)
			blob = cached.floats
			wc = cached
		}
	}

	if blob == nil {
		blob = make([]float32, total)
		off := 0
		for _, s := range specs {
			n := s.rows * s.cols
			if err := file.ReadTensorF32Into(s.name, blob[off:off+n]); err != nil {
				return nil, nil, err
			}
			off += n
		}
		if cachePath != "" {
			if err := writeWeightCache(cachePath, fp, blob); err != nil {
				log.Warn("weight cache write failed", "path", cachePath, "err", err)
			}
		}
	}

	w := &weights{layers: make([]layerWeights, mi.BlockCount)}
	off := 0
	view := func(rows, cols int) tensor.Mat {
		n := rows * cols
		m := tensor.NewMatFromData(rows, cols, blob[off:off+n])
		off += n
		return m
	}

	w.tokEmbd = view(mi.VocabSize, mi.EmbeddingLength)
	qDim := mi.HeadCount * mi.HeadDim
	kvDim := mi.HeadCountKV * mi.HeadDim
	for l := 0; l < mi.BlockCount; l++ {
		lw := &w.layers[l]
		lw.attnNorm = view(1, mi.EmbeddingLength).Data
		lw.wq = view(qDim, mi.EmbeddingLength)
		lw.wk = view(kvDim, mi.EmbeddingLength)
		lw.wv = view(kvDim, mi.EmbeddingLength)
		lw.wo = view(mi.EmbeddingLength, qDim)
		lw.ffnNorm = view(1, mi.EmbeddingLength).Data
		lw.wGate = view(mi.FFNLength, mi.EmbeddingLength)
		lw.wUp = view(mi.FFNLength, mi.EmbeddingLength)
		lw.wDown = view(mi.EmbeddingLength, mi.FFNLength)
	}
	w.outNorm = view(1, mi.EmbeddingLength).Data
	if hasOutput {
		w.output = view(mi.VocabSize, mi.EmbeddingLength)
	} else {
		// Tied embeddings: reuse the token embedding matrix for the output
		// projection.
		w.output = w.tokEmbd
	}
	return w, wc, nil
}
