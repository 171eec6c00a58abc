package engine

import (
	"fmt"
	"math"

	"github.com/SNU-RTOS/edgegen/internal/tensor"
	"github.com/SNU-RTOS/edgegen/pkg/cgf"
)

// scratch holds the per-invocation activation buffers. A graph owns one set;
// the single-invocation contract means runners never race on it.
type scratch struct {
	x       []float32
	xb      []float32
	q       []float32
	attnOut []float32
	kcur    []float32
	vcur    []float32
	att     []float32
	hb      []float32
	hb2     []float32
	invFreq []float64
}

func newScratch(mi *cgf.ModelInfo) *scratch {
	qDim := mi.HeadCount * mi.HeadDim
	kvDim := mi.HeadCountKV * mi.HeadDim
	return &scratch{
		x:       make([]float32, mi.EmbeddingLength),
		xb:      make([]float32, max(mi.EmbeddingLength, qDim)),
		q:       make([]float32, qDim),
		attnOut: make([]float32, qDim),
		kcur:    make([]float32, kvDim),
		vcur:    make([]float32, kvDim),
		att:     make([]float32, mi.ContextLength),
		hb:      make([]float32, 2*mi.FFNLength),
		hb2:     make([]float32, mi.FFNLength),
		invFreq: tensor.InvFreq(mi.HeadDim, mi.RopeTheta),
	}
}

// forward advances the model by one token at one position, updating the bound
// key/value buffers in place. When logits is non-nil the output projection is
// computed into it; prefill invocations pass nil and skip it.
//
// The cache slice for pos is written only after every read of the slot in the
// attention step has completed, which is what makes the aliased in/out
// binding safe within one invocation.
func (g *Graph) forward(kv []kvBinding, token, pos int32, logits []float32) error {
	mi := g.info
	if token < 0 || int(token) >= mi.VocabSize {
		return fmt.Errorf("token id %d outside vocabulary", token)
	}
	if pos < 0 || int(pos) >= mi.ContextLength {
		return fmt.Errorf("position %d outside context window", pos)
	}

	s := g.scratch
	w := g.weights
	embd := mi.EmbeddingLength
	hd := mi.HeadDim
	kvDim := mi.HeadCountKV * hd
	group := mi.HeadCount / mi.HeadCountKV
	scale := float32(1.0 / math.Sqrt(float64(hd)))
	eps := float32(mi.NormEps)
	p := int(pos)

	copy(s.x, w.tokEmbd.Row(int(token)))

	for l := range w.layers {
		lw := &w.layers[l]

		tensor.RMSNorm(s.xb[:embd], s.x, lw.attnNorm, eps)
		tensor.MatVec(s.q, &lw.wq, s.xb, g.threads)
		tensor.MatVec(s.kcur, &lw.wk, s.xb, g.threads)
		tensor.MatVec(s.vcur, &lw.wv, s.xb, g.threads)

		tensor.ApplyRoPE(s.q, mi.HeadCount, hd, p, s.invFreq)
		tensor.ApplyRoPE(s.kcur, mi.HeadCountKV, hd, p, s.invFreq)

		// In-place cache update for this position.
		copy(kv[l].k[p*kvDim:(p+1)*kvDim], s.kcur)
		copy(kv[l].v[p*kvDim:(p+1)*kvDim], s.vcur)

		for h := 0; h < mi.HeadCount; h++ {
			qh := s.q[h*hd : (h+1)*hd]
			kvOff := (h / group) * hd

			att := s.att[:p+1]
			for t := 0; t <= p; t++ {
				att[t] = tensor.Dot(qh, kv[l].k[t*kvDim+kvOff:t*kvDim+kvOff+hd]) * scale
			}
			tensor.Softmax(att)

			out := s.attnOut[h*hd : (h+1)*hd]
			clear(out)
			for t := 0; t <= p; t++ {
				vrow := kv[l].v[t*kvDim+kvOff : t*kvDim+kvOff+hd]
				a := att[t]
				for i := range out {
					out[i] += a * vrow[i]
				}
			}
		}

		tensor.MatVec(s.xb[:embd], &lw.wo, s.attnOut, g.threads)
		tensor.Add(s.x, s.xb[:embd])

		tensor.RMSNorm(s.xb[:embd], s.x, lw.ffnNorm, eps)
		tensor.MatVec(s.hb[:mi.FFNLength], &lw.wGate, s.xb, g.threads)
		tensor.MatVec(s.hb[mi.FFNLength:], &lw.wUp, s.xb, g.threads)
		tensor.SiluAndMul(s.hb2, s.hb)
		tensor.MatVec(s.xb[:embd], &lw.wDown, s.hb2, g.threads)
		tensor.Add(s.x, s.xb[:embd])
	}

	if logits != nil {
		tensor.RMSNorm(s.xb[:embd], s.x, w.outNorm, eps)
		tensor.MatVec(logits, &w.output, s.xb, g.threads)
	}
	return nil
}
