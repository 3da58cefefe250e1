// Package config loads and validates the engine's enumerated
// configuration from YAML, strictly: an unrecognized field
// is an error rather than a silently ignored typo. Grounded on the
// teacher's cmd/default_config.go strict-decode convention
// (yaml.Decoder.KnownFields(true)) and sim/config.go's grouped-struct
// layout.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/batchserve/engine/internal/errs"
)

// SamplingDefaults groups the engine-wide sampling parameters; every
// request is sampled with these same values.
type SamplingDefaults struct {
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	TopK        int     `yaml:"top_k"`
	Seed        int64   `yaml:"seed"`
}

// Config is the full set of engine configuration.
type Config struct {
	Model                  string           `yaml:"model"`
	MaxNumBatchedTokens    int              `yaml:"max_num_batched_tokens"`
	MaxNumSeqs             int              `yaml:"max_num_seqs"`
	MaxModelLen            int              `yaml:"max_model_len"`
	GPUMemoryUtilization   float64          `yaml:"gpu_memory_utilization"`
	TensorParallelSize     int              `yaml:"tensor_parallel_size"`
	KVCacheBlockSize       int              `yaml:"kvcache_block_size"`
	SpeculativeDecoding    bool             `yaml:"speculative_decoding"`
	DraftModel             string           `yaml:"draft_model"`
	NumSpeculativeTokens   int              `yaml:"num_speculative_tokens"`
	Sampling               SamplingDefaults `yaml:"sampling"`
	AdmissionPolicy        string           `yaml:"admission_policy"`
	QueueOrderPolicy       string           `yaml:"queue_order_policy"`
	StepSLOMicros          float64          `yaml:"step_slo_micros"`
	ExpectedArrivalRate    float64          `yaml:"expected_arrival_rate"`
}

// Default returns the engine's built-in defaults.
func Default() Config {
	return Config{
		Model:                "TinyLlama/TinyLlama-1.1B-Chat-v1.0",
		MaxNumBatchedTokens:  4096,
		MaxNumSeqs:           256,
		MaxModelLen:          2048,
		GPUMemoryUtilization: 0.9,
		TensorParallelSize:   1,
		KVCacheBlockSize:     16,
		NumSpeculativeTokens: 5,
		Sampling:             SamplingDefaults{Temperature: 0.7, TopP: 0.9, TopK: 50, Seed: 42},
		AdmissionPolicy:      "always-admit",
		QueueOrderPolicy:     "fcfs",
		StepSLOMicros:        50000,
		ExpectedArrivalRate:  10,
	}
}

// Load reads, strict-decodes, and validates a YAML config file at path.
// Unset fields keep Default's values (the file is decoded over a
// Default-initialized struct).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, errs.ErrConfigError)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %v: %w", path, err, errs.ErrConfigError)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every numeric bound
// must be ≥ 1; gpu_memory_utilization ∈ [0,1]; speculative-decoding
// flags are rejected unless a draft model is supplied.
func (c *Config) Validate() error {
	switch {
	case c.MaxNumBatchedTokens < 1:
		return fmt.Errorf("max_num_batched_tokens must be >= 1: %w", errs.ErrConfigError)
	case c.MaxNumSeqs < 1:
		return fmt.Errorf("max_num_seqs must be >= 1: %w", errs.ErrConfigError)
	case c.MaxModelLen < 1:
		return fmt.Errorf("max_model_len must be >= 1: %w", errs.ErrConfigError)
	case c.TensorParallelSize < 1:
		return fmt.Errorf("tensor_parallel_size must be >= 1: %w", errs.ErrConfigError)
	case c.KVCacheBlockSize < 1:
		return fmt.Errorf("kvcache_block_size must be >= 1: %w", errs.ErrConfigError)
	case c.NumSpeculativeTokens < 1:
		return fmt.Errorf("num_speculative_tokens must be >= 1: %w", errs.ErrConfigError)
	case c.GPUMemoryUtilization < 0 || c.GPUMemoryUtilization > 1:
		return fmt.Errorf("gpu_memory_utilization must be in [0,1]: %w", errs.ErrConfigError)
	case c.SpeculativeDecoding && c.DraftModel == "":
		return fmt.Errorf("draft_model must be provided when speculative_decoding is enabled: %w", errs.ErrConfigError)
	case c.StepSLOMicros <= 0:
		return fmt.Errorf("step_slo_micros must be > 0: %w", errs.ErrConfigError)
	case c.ExpectedArrivalRate < 0:
		return fmt.Errorf("expected_arrival_rate must be >= 0: %w", errs.ErrConfigError)
	}
	return nil
}
