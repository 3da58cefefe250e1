package executor

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ropeTable precomputes rotary position embedding cos/sin values for
// every (position, dimension-pair) up to maxPositions, so apply is a
// table lookup rather than a per-call trig evaluation.
type ropeTable struct {
	headDim int
	cos     [][]float64 // [maxPositions][headDim/2]
	sin     [][]float64
}

func newRopeTable(headDim, maxPositions int, theta float64) *ropeTable {
	if theta == 0 {
		theta = 10000.0
	}
	half := headDim / 2
	cos := make([][]float64, maxPositions)
	sin := make([][]float64, maxPositions)
	for pos := 0; pos < maxPositions; pos++ {
		cos[pos] = make([]float64, half)
		sin[pos] = make([]float64, half)
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
			angle := float64(pos) * freq
			cos[pos][i] = math.Cos(angle)
			sin[pos][i] = math.Sin(angle)
		}
	}
	return &ropeTable{headDim: headDim, cos: cos, sin: sin}
}

// apply rotates each head's query/key vector in place for row i at
// absolute position startPos+i, using the standard rotate-half
// convention: pairs (x[j], x[j+half]) for j in [0, half).
func (r *ropeTable) apply(m *mat.Dense, numHeads, headDim, startPos int) {
	n, _ := m.Dims()
	half := headDim / 2
	for i := 0; i < n; i++ {
		pos := startPos + i
		if pos >= len(r.cos) {
			pos = len(r.cos) - 1
		}
		row := m.RawRowView(i)
		cosRow, sinRow := r.cos[pos], r.sin[pos]
		for h := 0; h < numHeads; h++ {
			base := h * headDim
			for j := 0; j < half; j++ {
				x1 := row[base+j]
				x2 := row[base+j+half]
				c, s := cosRow[j], sinRow[j]
				row[base+j] = x1*c - x2*s
				row[base+j+half] = x2*c + x1*s
			}
		}
	}
}
