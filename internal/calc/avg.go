package calc

import (
	"errors"
	"fmt"

	"github.com/gonum/matrix/mat64"
)

// ErrEmpty is returned when there is nothing to average.
var ErrEmpty = errors.New("calc: no matrices to average")

// Avg divides every element of inputMat by div into outputMat
func (p *PipeLine) Avg(inputMat *mat64.Dense, outputMat *mat64.Dense, div float64) error {
	if err := sameDims("Avg", inputMat, outputMat); err != nil {
		return err
	}

	rows, cols := inputMat.Dims()
	p.forRows(rows, func(row int) {
		for t := 0; t < cols; t++ {
			outputMat.Set(row, t, inputMat.At(row, t)/div)
		}
	})
	return nil
}

// Mean returns the element-wise arithmetic mean of matrices.
// All matrices must share the shape of the first one.
func (p *PipeLine) Mean(matrices []*mat64.Dense) (*mat64.Dense, error) {
	if len(matrices) == 0 {
		return nil, ErrEmpty
	}

	rows, cols := matrices[0].Dims()
	accedMat := mat64.NewDense(rows, cols, nil)

	for i, m := range matrices {
		if err := p.Acc(m, accedMat); err != nil {
			return nil, fmt.Errorf("matrix %d: %w", i, err)
		}
	}

	avgedMat := mat64.NewDense(rows, cols, nil)
	if err := p.Avg(accedMat, avgedMat, float64(len(matrices))); err != nil {
		return nil, err
	}

	return avgedMat, nil
}
