// Package modelconfig loads the model artifact layout expected
// alongside a checkpoint: a config.json carrying the transformer's
// architecture hyperparameters. Grounded on the teacher's
// sim/model_config.go (encoding/json unmarshal into a typed struct,
// HF-style field names) and on bolt-xl/src/config.rs for the
// engine-level (as opposed to architecture-level) config fields.
package modelconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/batchserve/engine/internal/errs"
)

// ModelConfig is the architecture description read from a model's
// config.json. Field names follow HuggingFace transformer config
// convention, matching what the teacher's GetModelConfig extracts.
type ModelConfig struct {
	HiddenSize          int     `json:"hidden_size"`
	NumHiddenLayers     int     `json:"num_hidden_layers"`
	NumAttentionHeads   int     `json:"num_attention_heads"`
	NumKeyValueHeads    int     `json:"num_key_value_heads"`
	VocabSize           int     `json:"vocab_size"`
	IntermediateSize    int     `json:"intermediate_size"`
	RMSNormEps          float64 `json:"rms_norm_eps"`
	RopeTheta           float64 `json:"rope_theta"`
	MaxPositionEmbed    int     `json:"max_position_embeddings"`
	TieWordEmbeddings   bool    `json:"tie_word_embeddings"`
	HeadDim             int     `json:"head_dim"` // 0 means derive as HiddenSize/NumAttentionHeads
	AttnLogitSoftcap    float64 `json:"attn_logit_softcapping"`
	FinalLogitSoftcap   float64 `json:"final_logit_softcapping"`
	EOSTokenID          int     `json:"eos_token_id"` // in-vocab id the tokenizer must treat as end-of-text
}

// Load reads and validates a config.json at path.
func Load(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model config %s: %w", path, errs.ErrConfigError)
	}

	var mc ModelConfig
	if err := json.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("parse model config %s: %v: %w", path, err, errs.ErrConfigError)
	}

	// MHA (no grouped-query attention) is the common case when the
	// checkpoint omits num_key_value_heads, matching the teacher's
	// GetModelConfig fallback logic.
	if mc.NumKeyValueHeads == 0 {
		mc.NumKeyValueHeads = mc.NumAttentionHeads
	}
	if mc.HeadDim == 0 && mc.NumAttentionHeads > 0 {
		mc.HeadDim = mc.HiddenSize / mc.NumAttentionHeads
	}

	if err := mc.validate(); err != nil {
		return nil, err
	}
	return &mc, nil
}

func (mc *ModelConfig) validate() error {
	switch {
	case mc.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be > 0: %w", errs.ErrConfigError)
	case mc.NumHiddenLayers <= 0:
		return fmt.Errorf("num_hidden_layers must be > 0: %w", errs.ErrConfigError)
	case mc.NumAttentionHeads <= 0:
		return fmt.Errorf("num_attention_heads must be > 0: %w", errs.ErrConfigError)
	case mc.NumKeyValueHeads <= 0 || mc.NumAttentionHeads%mc.NumKeyValueHeads != 0:
		return fmt.Errorf("num_key_value_heads must divide num_attention_heads: %w", errs.ErrConfigError)
	case mc.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be > 0: %w", errs.ErrConfigError)
	case mc.MaxPositionEmbed <= 0:
		return fmt.Errorf("max_position_embeddings must be > 0: %w", errs.ErrConfigError)
	}
	if mc.RMSNormEps == 0 {
		mc.RMSNormEps = 1e-6
	}
	if mc.RopeTheta == 0 {
		mc.RopeTheta = 10000.0
	}
	return nil
}

// KVHeadGroupSize is the number of query heads sharing one KV head
// (1 under plain multi-head attention, >1 under grouped-query attention).
func (mc *ModelConfig) KVHeadGroupSize() int {
	return mc.NumAttentionHeads / mc.NumKeyValueHeads
}
