package engine

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/SNU-RTOS/edgegen/internal/tensor"
	"github.com/SNU-RTOS/edgegen/pkg/cgf"
)

// adapterSuffix marks runner variants specialised for an active adapter.
const adapterSuffix = "_lora"

// Adapter is a LoRA artifact: low-rank weight deltas merged into the base
// weights at build time, plus a redirect of runner selection to
// adapter-specialised variants when the graph carries them.
type Adapter struct {
	Rank  int
	Alpha float64

	// deltas maps a base weight tensor name to its low-rank factors.
	deltas map[string]loraDelta
}

type loraDelta struct {
	a tensor.Mat // [rank, in]
	b tensor.Mat // [out, rank]
}

type adapterInfo struct {
	Rank  int     `json:"rank"`
	Alpha float64 `json:"alpha"`
}

const (
	loraASuffix = ".lora_a"
	loraBSuffix = ".lora_b"
)

// LoadAdapter reads a LoRA artifact from a CGF container holding an
// {rank, alpha} info section and paired <weight>.lora_a / <weight>.lora_b
// factor tensors.
func LoadAdapter(path string) (*Adapter, error) {
	cf, err := cgf.Open(path)
	if err != nil {
		return nil, err
	}
	defer cf.Close()

	infoSec := cf.Section(cgf.SectionModelInfo)
	if infoSec == nil {
		return nil, errors.New("adapter: missing info section")
	}
	var info adapterInfo
	if err := json.Unmarshal(cf.SectionData(infoSec), &info); err != nil {
		return nil, fmt.Errorf("adapter: decode info: %w", err)
	}
	if info.Rank <= 0 {
		return nil, errors.New("adapter: rank must be positive")
	}
	if info.Alpha <= 0 {
		info.Alpha = float64(info.Rank)
	}

	indexSec := cf.Section(cgf.SectionTensorIndex)
	if indexSec == nil {
		return nil, errors.New("adapter: missing tensor index section")
	}
	records, err := cgf.ParseTensorIndexSection(cf.SectionData(indexSec))
	if err != nil {
		return nil, err
	}

	ad := &Adapter{
		Rank:   info.Rank,
		Alpha:  info.Alpha,
		deltas: make(map[string]loraDelta),
	}
	for _, rec := range records {
		var base string
		var isA bool
		switch {
		case strings.HasSuffix(rec.Name, loraASuffix):
			base, isA = strings.TrimSuffix(rec.Name, loraASuffix), true
		case strings.HasSuffix(rec.Name, loraBSuffix):
			base = strings.TrimSuffix(rec.Name, loraBSuffix)
		default:
			return nil, fmt.Errorf("adapter: unexpected tensor %s", rec.Name)
		}
		if len(rec.Shape) != 2 {
			return nil, fmt.Errorf("adapter: factor %s must be rank-2", rec.Name)
		}

		m, err := readAdapterMat(cf, rec)
		if err != nil {
			return nil, err
		}
		d := ad.deltas[base]
		if isA {
			d.a = m
		} else {
			d.b = m
		}
		ad.deltas[base] = d
	}

	for base, d := range ad.deltas {
		if d.a.Data == nil || d.b.Data == nil {
			return nil, fmt.Errorf("adapter: %s missing one factor", base)
		}
		if d.a.R != info.Rank || d.b.C != info.Rank {
			return nil, fmt.Errorf("adapter: %s factors disagree with rank %d", base, info.Rank)
		}
	}
	return ad, nil
}

func readAdapterMat(cf *cgf.File, rec cgf.TensorRecord) (tensor.Mat, error) {
	if rec.DType != cgf.DTypeF32 {
		return tensor.Mat{}, fmt.Errorf("adapter: factor %s must be f32", rec.Name)
	}
	raw, err := cf.Range(rec.DataOff, rec.DataSize)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("adapter: factor %s: %w", rec.Name, err)
	}
	data := make([]float32, rec.Elems())
	for i := range data {
		data[i] = f32le(raw[i*4:])
	}
	return tensor.NewMatFromData(int(rec.Shape[0]), int(rec.Shape[1]), data), nil
}

// Merge folds the low-rank deltas into the base weights: W += (alpha/rank)*B*A.
// Target matrices are copied first so a cached (mmap-backed) blob stays intact.
func (a *Adapter) Merge(g *Graph) error {
	targets := g.weights.byName(g.info)
	scale := float32(a.Alpha / float64(a.Rank))

	for base, d := range a.deltas {
		m, ok := targets[base]
		if !ok {
			return fmt.Errorf("adapter: graph has no weight %s", base)
		}
		if d.b.R != m.R || d.a.C != m.C {
			return fmt.Errorf("adapter: %s delta is %dx%d, weight is %dx%d", base, d.b.R, d.a.C, m.R, m.C)
		}

		m.Data = append([]float32(nil), m.Data...)
		for i := 0; i < m.R; i++ {
			brow := d.b.Row(i)
			wrow := m.Row(i)
			for r := 0; r < a.Rank; r++ {
				f := scale * brow[r]
				if f == 0 {
					continue
				}
				arow := d.a.Row(r)
				for j := range wrow {
					wrow[j] += f * arow[j]
				}
			}
		}
	}
	return nil
}

// selectPrefill redirects to the adapter-specialised variant with the same
// capacity as the base choice, when the graph declares one.
func (a *Adapter) selectPrefill(g *Graph, base *Runner) *Runner {
	if strings.HasSuffix(base.Name(), adapterSuffix) {
		return base
	}
	if r, ok := g.Runner(base.Name() + adapterSuffix); ok && r.Capacity() == base.Capacity() {
		return r
	}
	return base
}

// byName maps canonical weight tensor names to their matrices.
func (w *weights) byName(mi *cgf.ModelInfo) map[string]*tensor.Mat {
	out := map[string]*tensor.Mat{
		"token_embd.weight": &w.tokEmbd,
		"output.weight":     &w.output,
	}
	for l := range w.layers {
		lw := &w.layers[l]
		p := fmt.Sprintf("blk.%d.", l)
		out[p+"attn_q.weight"] = &lw.wq
		out[p+"attn_k.weight"] = &lw.wk
		out[p+"attn_v.weight"] = &lw.wv
		out[p+"attn_output.weight"] = &lw.wo
		out[p+"ffn_gate.weight"] = &lw.wGate
		out[p+"ffn_up.weight"] = &lw.wUp
		out[p+"ffn_down.weight"] = &lw.wDown
	}
	return out
}
