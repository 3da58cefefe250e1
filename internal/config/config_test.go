package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeYAML(t, "max_num_seqs: 8\nmodel: \"custom/model\"\n")
	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxNumSeqs)
	assert.Equal(t, "custom/model", cfg.Model)
	assert.Equal(t, 4096, cfg.MaxNumBatchedTokens, "unset fields keep the default")
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeYAML(t, "max_num_seqz: 8\n") // typo
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RejectsZeroBounds(t *testing.T) {
	cfg := Default()
	cfg.MaxNumSeqs = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsOutOfRangeGPUUtilization(t *testing.T) {
	cfg := Default()
	cfg.GPUMemoryUtilization = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidate_SpeculativeDecodingRequiresDraftModel(t *testing.T) {
	cfg := Default()
	cfg.SpeculativeDecoding = true
	assert.Error(t, cfg.Validate())

	cfg.DraftModel = "draft/model"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveStepSLO(t *testing.T) {
	cfg := Default()
	cfg.StepSLOMicros = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNegativeArrivalRate(t *testing.T) {
	cfg := Default()
	cfg.ExpectedArrivalRate = -1
	assert.Error(t, cfg.Validate())
}
