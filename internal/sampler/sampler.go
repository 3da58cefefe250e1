// Package sampler converts per-sequence logits into a next token id
// under temperature/top-k/top-p sampling parameters.
//
// Grounded on bolt-xl/src/engine/sampling.rs (temperature-scaled
// softmax, max-subtraction stabilization, inverse-CDF draw from a
// seeded stream) and on the teacher's sim/rng.go PartitionedRNG,
// collapsed to a single "sampler" stream owned by the engine rather
// than per-request.
package sampler

import (
	"math"
	"math/rand"
	"sort"
)

// Params controls one sample draw. Temperature 0 (or below the 1e-5
// threshold) is greedy argmax, independent of top_k/top_p/seed.
type Params struct {
	Temperature float64
	TopP        float64 // (0,1]; 1 disables nucleus filtering
	TopK        int     // 0 disables
}

// DefaultParams returns the engine's default sampling parameters.
func DefaultParams() Params {
	return Params{Temperature: 0.7, TopP: 0.9, TopK: 50}
}

// Sampler owns a single deterministic pseudo-random stream, seeded once
// at engine construction. It is a pure function of (logits, params,
// stream state before the call): given the same stream state it returns
// the same token for the same input, which is what makes a full engine
// run reproducible under a fixed seed.
type Sampler struct {
	rng *rand.Rand
}

// New seeds the sampler's stream. The seed is per-engine, not
// per-request.
func New(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample picks one next token id from logits under params. Ties in the
// greedy (temperature < 1e-5) path break to the smallest index.
func (s *Sampler) Sample(logits []float32, params Params) int {
	if params.Temperature < 1e-5 {
		return argmax(logits)
	}

	probs := softmax(logits, params.Temperature)

	if params.TopK > 0 && params.TopK < len(probs) {
		probs = topK(probs, params.TopK)
	}
	if params.TopP > 0 && params.TopP < 1 {
		probs = topP(probs, params.TopP)
	}

	return s.sampleFromCDF(probs)
}

func argmax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

// softmax divides by temperature, then computes a numerically stable
// softmax (max-subtraction) in float64 for precision during the
// top-k/top-p renormalization passes that follow.
func softmax(logits []float32, temperature float64) []float64 {
	scaled := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		scaled[i] = float64(v) / temperature
		if scaled[i] > maxVal {
			maxVal = scaled[i]
		}
	}
	sum := 0.0
	for i, v := range scaled {
		scaled[i] = math.Exp(v - maxVal)
		sum += scaled[i]
	}
	for i := range scaled {
		scaled[i] /= sum
	}
	return scaled
}

// topK zeroes every probability outside the k largest and renormalizes.
func topK(probs []float64, k int) []float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })

	out := make([]float64, len(probs))
	sum := 0.0
	for _, i := range idx[:k] {
		out[i] = probs[i]
		sum += probs[i]
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

// topP (nucleus sampling) sorts probabilities descending, keeps the
// smallest prefix whose cumulative sum reaches topP, zeroes the rest,
// and renormalizes.
func topP(probs []float64, topPThresh float64) []float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })

	out := make([]float64, len(probs))
	cum := 0.0
	cutoff := len(idx)
	for i, p := range idx {
		cum += probs[p]
		out[p] = probs[p]
		if cum >= topPThresh {
			cutoff = i + 1
			break
		}
	}
	for _, p := range idx[cutoff:] {
		out[p] = 0
	}

	sum := 0.0
	for _, v := range out {
		sum += v
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

// sampleFromCDF draws one uniform value from the engine stream and
// returns the index of the first probability whose running cumulative
// sum reaches it (inverse-CDF sampling). Falls back to the last index
// if float rounding leaves the cumulative sum just short of the draw.
func (s *Sampler) sampleFromCDF(probs []float64) int {
	r := s.rng.Float64()
	cdf := 0.0
	for i, p := range probs {
		cdf += p
		if r <= cdf {
			return i
		}
	}
	return len(probs) - 1
}
