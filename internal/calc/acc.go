package calc

import (
	"fmt"

	"github.com/gonum/matrix/mat64"
)

func sameDims(op string, inputMat, outputMat *mat64.Dense) error {
	inputRows, inputCols := inputMat.Dims()
	outputRows, outputCols := outputMat.Dims()

	if inputRows != outputRows || inputCols != outputCols {
		return fmt.Errorf("%s: input dims: %d by %d when output dims: %d by %d: %w", op, inputRows, inputCols, outputRows, outputCols, ErrDims)
	}
	return nil
}

// Acc adds inputMat into outputMat element-wise
func (p *PipeLine) Acc(inputMat *mat64.Dense, outputMat *mat64.Dense) error {
	if err := sameDims("Acc", inputMat, outputMat); err != nil {
		return err
	}

	rows, cols := inputMat.Dims()
	p.forRows(rows, func(row int) {
		for t := 0; t < cols; t++ {
			outputMat.Set(row, t, outputMat.At(row, t)+inputMat.At(row, t))
		}
	})
	return nil
}
