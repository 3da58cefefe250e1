package profiling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKVCacheSizer_TotalBlocks(t *testing.T) {
	// 2 layers, 4 kv heads, head_dim 64, block size 16, fp16 (2 bytes).
	sizer := NewKVCacheSizer(2, 4, 64, 16, 2)
	assert.Greater(t, sizer.BytesPerBlock, int64(0))

	blocks := sizer.TotalBlocks(16<<30, 0.9, 1<<30) // 16 GiB device, reserve 1 GiB
	assert.Greater(t, blocks, 0)
}

func TestKVCacheSizer_NegativeBudgetYieldsZero(t *testing.T) {
	sizer := NewKVCacheSizer(2, 4, 64, 16, 2)
	blocks := sizer.TotalBlocks(1<<20, 0.1, 1<<30) // reserved exceeds budget
	assert.Equal(t, 0, blocks)
}
