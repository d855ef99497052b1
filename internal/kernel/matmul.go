package kernel

import (
	"github.com/pkg/errors"

	"github.com/born-ml/lite/internal/ops"
	"github.com/born-ml/lite/internal/tensor"
)

// MatMulParams describes C[row, ldc] = A[row, deep] x B[deep, col].
type MatMulParams struct {
	Row, Col, Deep int
	Tile           int
	Act            ops.ActType
}

// MatMul multiplies the tile-packed A by a stripe of the tile-packed B.
//
// a is the left matrix packed with RowMajor2ColTileMajor over rows. b, bias and
// c start at the first channel of the stripe, which must be tile aligned; cols
// is the number of channels written. The activation is applied before the
// store. A nil bias counts as zero.
func MatMul(a, b, bias, c []float32, cols, ldc int, p MatMulParams) error {
	t := p.Tile
	if cols <= 0 {
		return nil
	}
	if need := tensor.UpRound(p.Row, t) * p.Deep; len(a) < need {
		return errors.Errorf("matmul: packed lhs has %d values, need %d", len(a), need)
	}
	if need := tensor.UpRound(cols, t) * p.Deep; len(b) < need {
		return errors.Errorf("matmul: packed rhs has %d values, need %d", len(b), need)
	}
	if need := (p.Row-1)*ldc + cols; len(c) < need {
		return errors.Errorf("matmul: output has %d values, need %d", len(c), need)
	}
	if bias != nil && len(bias) < cols {
		return errors.Errorf("matmul: bias has %d values, need %d", len(bias), cols)
	}

	for r := 0; r < p.Row; r++ {
		aBlock := a[(r/t)*p.Deep*t:]
		aLane := r % t
		for j := 0; j < cols; j++ {
			bBlock := b[(j/t)*p.Deep*t:]
			bLane := j % t
			var sum float32
			for k := 0; k < p.Deep; k++ {
				sum += aBlock[k*t+aLane] * bBlock[k*t+bLane]
			}
			if bias != nil {
				sum += bias[j]
			}
			c[r*ldc+j] = activate(sum, p.Act)
		}
	}
	return nil
}

func activate(v float32, act ops.ActType) float32 {
	switch act {
	case ops.ActRelu:
		return max(v, 0)
	case ops.ActRelu6:
		return min(max(v, 0), 6)
	default:
		return v
	}
}
