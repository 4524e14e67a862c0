package calc

import (
	"math"

	"github.com/gonum/matrix/mat64"
)

// SymCheck reports whether matrix is symmetric within pre, using one worker per CPU.
func SymCheck(matrix *mat64.Dense, pre float64) bool {
	return Init(0).SymCheck(matrix, pre)
}

// SymCheck reports whether matrix is symmetric within pre
func (p *PipeLine) SymCheck(matrix *mat64.Dense, pre float64) bool {
	rows, cols := matrix.Dims()
	if rows != cols {
		return false
	}

	pre = math.Abs(pre)
	isSymm := make([]bool, rows)
	p.forRows(rows, func(row int) {
		isSymm[row] = true
		for i := row + 1; i < cols; i++ {
			if math.Abs(matrix.At(row, i)-matrix.At(i, row)) > pre {
				isSymm[row] = false
				return
			}
		}
	})

	for _, ok := range isSymm {
		if !ok {
			return false
		}
	}
	return true
}
