// Package executor turns a scheduled Batch into per-sequence last-token
// logits.
//
// Grounded on bolt-xl/src/layers/quantization.rs (the Linear contract
// and the AWQ CPU dequantize-then-matmul fallback) and bolt-xl's
// model_executor.rs (one forward call per sequence, concatenated into
// a batch of last-token logits). The teacher's go.mod pulls in
// gonum.org/v1/gonum without putting it to use; this package gives it
// the dense-matmul role the executor needs.
package executor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Linear is the capability contract the core depends on rather than a
// concrete GEMM kernel: quantization kernel bindings (AWQ / Marlin
// GEMM) are external collaborators, reached only through this
// interface.
type Linear interface {
	// Forward computes x * W^T (+ bias): x is [n, InFeatures()], the
	// result is [n, OutFeatures()].
	Forward(x *mat.Dense) *mat.Dense
	InFeatures() int
	OutFeatures() int
}

// Dense is a plain (unquantized) linear layer.
type Dense struct {
	weight *mat.Dense // [out, in]
	bias   []float64  // len out, nil if absent
}

// NewDense wraps a row-major [out][in] weight matrix and an optional bias.
func NewDense(weight [][]float64, bias []float64) *Dense {
	out := len(weight)
	in := 0
	if out > 0 {
		in = len(weight[0])
	}
	data := make([]float64, 0, out*in)
	for _, row := range weight {
		data = append(data, row...)
	}
	return &Dense{weight: mat.NewDense(out, in, data), bias: bias}
}

func (d *Dense) InFeatures() int  { o, i := d.weight.Dims(); _ = o; return i }
func (d *Dense) OutFeatures() int { o, _ := d.weight.Dims(); return o }

func (d *Dense) Forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	out := d.OutFeatures()
	var y mat.Dense
	y.Mul(x, d.weight.T())
	if d.bias != nil {
		for r := 0; r < n; r++ {
			for c := 0; c < out; c++ {
				y.Set(r, c, y.At(r, c)+d.bias[c])
			}
		}
	}
	return &y
}

// awqReverseOrder is AWQ's interleaved nibble-to-output-column mapping
// within one packed uint32, copied from bolt-xl's dequantize_cpu.
var awqReverseOrder = [8]int{0, 4, 1, 5, 2, 6, 3, 7}

// AWQLinear is a weight-only 4-bit quantized linear layer. Dequantizes
// once at construction time into a dense float64 matrix and delegates
// Forward to it — the CPU fallback path bolt-xl takes when
// BOLT_USE_CPU is set, since this module has no Marlin/CUDA GEMM kernel
// to bind (out of Go's reach, and out of scope for the core).
type AWQLinear struct {
	dense *Dense
}

// NewAWQLinear dequantizes AWQ-packed weights: qweight is [inFeatures][outFeatures/8]
// packed uint32 rows, qzeros is [inFeatures/groupSize][outFeatures/8] packed
// zero points, scales is [inFeatures/groupSize][outFeatures] dequant scales.
// groupSize is conventionally 128.
func NewAWQLinear(qweight [][]uint32, qzeros [][]uint32, scales [][]float64, bias []float64, groupSize int) (*AWQLinear, error) {
	inFeatures := len(qweight)
	if inFeatures == 0 {
		return nil, fmt.Errorf("awq: empty qweight")
	}
	outPacked := len(qweight[0])
	outFeatures := outPacked * 8

	weight := make([][]float64, inFeatures)
	for k := 0; k < inFeatures; k++ {
		weight[k] = make([]float64, outFeatures)
		groupIdx := k / groupSize
		if groupIdx >= len(qzeros) || groupIdx >= len(scales) {
			return nil, fmt.Errorf("awq: group index %d out of range for row %d", groupIdx, k)
		}
		for nPacked, wPacked := range qweight[k] {
			zPacked := qzeros[groupIdx][nPacked]
			for j, nibbleIdx := range awqReverseOrder {
				n := nPacked*8 + j
				shift := uint(nibbleIdx * 4)
				wVal := float64((wPacked >> shift) & 0xF)
				zVal := float64((zPacked >> shift) & 0xF)
				s := scales[groupIdx][n]
				weight[k][n] = (wVal - zVal) * s
			}
		}
	}

	// weight here is [in][out]; Dense wants [out][in], so transpose.
	transposed := make([][]float64, outFeatures)
	for n := 0; n < outFeatures; n++ {
		transposed[n] = make([]float64, inFeatures)
		for k := 0; k < inFeatures; k++ {
			transposed[n][k] = weight[k][n]
		}
	}
	return &AWQLinear{dense: NewDense(transposed, bias)}, nil
}

func (a *AWQLinear) InFeatures() int        { return a.dense.InFeatures() }
func (a *AWQLinear) OutFeatures() int       { return a.dense.OutFeatures() }
func (a *AWQLinear) Forward(x *mat.Dense) *mat.Dense { return a.dense.Forward(x) }
