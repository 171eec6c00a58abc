package cgf

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ModelInfoVersion is the on-disk version of the model info section payload.
const ModelInfoVersion uint32 = 1

// ModelInfo describes the hyperparameters of the compiled graph.
// It is stored as a JSON payload so the external conversion pipeline can
// extend it without a format bump.
type ModelInfo struct {
	Architecture    string  `json:"architecture"`
	BlockCount      int     `json:"block_count"`
	EmbeddingLength int     `json:"embedding_length"`
	HeadCount       int     `json:"head_count"`
	HeadCountKV     int     `json:"head_count_kv"`
	HeadDim         int     `json:"head_dim"`
	FFNLength       int     `json:"ffn_length"`
	VocabSize       int     `json:"vocab_size"`
	ContextLength   int     `json:"context_length"`
	RopeTheta       float64 `json:"rope_theta"`
	NormEps         float64 `json:"norm_eps"`
}

func (mi *ModelInfo) Validate() error {
	if mi.BlockCount <= 0 || mi.EmbeddingLength <= 0 || mi.VocabSize <= 0 {
		return errors.New("cgf: model info missing block/embedding/vocab dimensions")
	}
	if mi.HeadCount <= 0 || mi.HeadDim <= 0 {
		return errors.New("cgf: model info missing head dimensions")
	}
	if mi.HeadCountKV <= 0 {
		mi.HeadCountKV = mi.HeadCount
	}
	if mi.HeadCount%mi.HeadCountKV != 0 {
		return errors.New("cgf: head_count not divisible by head_count_kv")
	}
	if mi.ContextLength <= 0 {
		return errors.New("cgf: model info missing context_length")
	}
	if mi.RopeTheta <= 0 {
		mi.RopeTheta = 10000.0
	}
	if mi.NormEps <= 0 {
		mi.NormEps = 1e-5
	}
	return nil
}

func EncodeModelInfoSection(mi *ModelInfo) ([]byte, error) {
	return json.Marshal(mi)
}

func ParseModelInfoSection(sec []byte) (*ModelInfo, error) {
	var mi ModelInfo
	if err := json.Unmarshal(sec, &mi); err != nil {
		return nil, fmt.Errorf("cgf: decode model info: %w", err)
	}
	if err := mi.Validate(); err != nil {
		return nil, err
	}
	return &mi, nil
}
