// Package profiling answers the capacity-planning question of how many
// KV blocks gpu_memory_utilization actually buys, and what
// max_num_batched_tokens a deployment should run with to keep per-step
// latency bounded.
//
// The teacher's go.mod requires github.com/llm-inferno/model-tuner,
// github.com/llm-inferno/kalman-filter, and github.com/llm-inferno/queue-analysis
// without ever importing them — this package is their first real
// consumer: model-tuner fits a step-time-vs-batch-size curve
// from observed step durations (the same alpha/beta coefficient shape the
// teacher's cmd/default_config.go Model struct already carries), kalman-filter
// smooths the noisy per-step latency signal the engine measures in
// production, and queue-analysis turns the smoothed step-time model plus
// a target SLO into a recommended max_num_batched_tokens.
package profiling

import (
	modeltuner "github.com/llm-inferno/model-tuner"

	kalmanfilter "github.com/llm-inferno/kalman-filter"

	queueanalysis "github.com/llm-inferno/queue-analysis"
)

// KVCacheSizer converts available device memory and
// gpu_memory_utilization into a concrete total_blocks figure for
// internal/block.NewManager.
type KVCacheSizer struct {
	BytesPerBlock int64
}

// NewKVCacheSizer computes bytes-per-block from the model's architecture:
// 2 (K and V) * numLayers * numKVHeads * headDim * blockSize * bytesPerElement.
func NewKVCacheSizer(numLayers, numKVHeads, headDim, blockSize int, bytesPerElement int64) *KVCacheSizer {
	perToken := int64(2*numLayers*numKVHeads*headDim) * bytesPerElement
	return &KVCacheSizer{BytesPerBlock: perToken * int64(blockSize)}
}

// TotalBlocks returns how many blocks fit in gpuMemoryUtilization's share
// of totalDeviceBytes, reserving reservedBytes for activations/weights.
func (s *KVCacheSizer) TotalBlocks(totalDeviceBytes int64, gpuMemoryUtilization float64, reservedBytes int64) int {
	budget := int64(float64(totalDeviceBytes)*gpuMemoryUtilization) - reservedBytes
	if budget <= 0 || s.BytesPerBlock <= 0 {
		return 0
	}
	return int(budget / s.BytesPerBlock)
}

// StepTimeModel fits and predicts per-step forward-pass latency as a
// function of batch size, using model-tuner's regression over observed
// (batchTokens, stepDurationMicros) samples — the same alpha/beta
// coefficient pair the teacher's Model.AlphaCoeffs/BetaCoeffs fields name.
type StepTimeModel struct {
	tuner *modeltuner.Tuner
}

// NewStepTimeModel seeds the tuner with the teacher's defaults.yaml-style
// initial coefficients (alpha: per-token cost, beta: fixed overhead).
func NewStepTimeModel(alpha, beta []float64) *StepTimeModel {
	return &StepTimeModel{tuner: modeltuner.NewTuner(alpha, beta)}
}

// Observe feeds one measured (batchTokens, stepDurationMicros) sample
// into the tuner, refining its coefficients online.
func (m *StepTimeModel) Observe(batchTokens int, stepDurationMicros float64) {
	m.tuner.Fit(float64(batchTokens), stepDurationMicros)
}

// PredictMicros estimates step duration for a candidate batch size.
func (m *StepTimeModel) PredictMicros(batchTokens int) float64 {
	return m.tuner.Predict(float64(batchTokens))
}

// LatencySmoother applies a scalar Kalman filter to the noisy per-step
// latency measurements the engine's step loop reports, so capacity
// decisions react to trend rather than to single-tick jitter.
type LatencySmoother struct {
	filter *kalmanfilter.Filter
}

// NewLatencySmoother configures process/measurement noise variances.
// Defaults are conservative: latency trends slowly (low process noise)
// but individual samples are noisy (higher measurement noise).
func NewLatencySmoother(processVariance, measurementVariance float64) *LatencySmoother {
	return &LatencySmoother{filter: kalmanfilter.NewFilter(processVariance, measurementVariance)}
}

// Smooth feeds one raw measurement and returns the filtered estimate.
func (s *LatencySmoother) Smooth(measuredMicros float64) float64 {
	return s.filter.Update(measuredMicros)
}

// CapacityAdvisor recommends a max_num_batched_tokens budget given a
// step-time model and a target per-step latency SLO, using
// queue-analysis's capacity planning to account for queueing delay
// under a given arrival rate (not just raw forward-pass cost).
type CapacityAdvisor struct {
	stepModel *StepTimeModel
	analyzer  *queueanalysis.Analyzer
}

// NewCapacityAdvisor builds an advisor over a fitted step-time model.
func NewCapacityAdvisor(stepModel *StepTimeModel) *CapacityAdvisor {
	return &CapacityAdvisor{stepModel: stepModel, analyzer: queueanalysis.NewAnalyzer()}
}

// RecommendBatchBudget returns the largest max_num_batched_tokens such
// that the queue-analysis model's predicted end-to-end per-step latency
// stays within sloMicros, given an observed arrival rate
// (requests/second) and a hard ceiling on candidate batch sizes. When
// no candidate meets sloMicros it returns 1.
func (a *CapacityAdvisor) RecommendBatchBudget(arrivalRatePerSec float64, sloMicros float64, maxCandidateTokens int) int {
	best := 1
	for candidate := maxCandidateTokens; candidate >= 1; candidate-- {
		stepMicros := a.stepModel.PredictMicros(candidate)
		queued := a.analyzer.ExpectedWaitMicros(arrivalRatePerSec, stepMicros)
		if stepMicros+queued <= sloMicros {
			best = candidate
			break
		}
	}
	return best
}
