package io

import (
	"fmt"

	"github.com/gonum/matrix/mat64"
	"github.com/kshedden/gonpy"
	"github.com/spf13/afero"
)

// MatrixToNpy writes matrix to a numpy npy binary file
func MatrixToNpy(fs afero.Fs, path string, matrix *mat64.Dense) error {
	rows, cols := matrix.Dims()

	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("MatrixToNpy: failed to create %s: %w", path, err)
	}
	defer f.Close()

	// The writer closes f once the array is written.
	w, err := gonpy.NewWriter(f)
	if err != nil {
		return fmt.Errorf("MatrixToNpy: %s: %w", path, err)
	}
	w.Shape = []int{rows, cols}
	w.Version = 2

	// RawMatrix may carry a stride wider than cols for views.
	data := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		data = append(data, matrix.RawRowView(i)...)
	}

	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("MatrixToNpy: failed to write %s: %w", path, err)
	}

	return nil
}

// NpyToMatrix reads a two-dimensional numpy npy binary file as a matrix
func NpyToMatrix(fs afero.Fs, path string) (*mat64.Dense, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("NpyToMatrix: failed to open %s: %w", path, err)
	}
	defer f.Close()

	r, err := gonpy.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("NpyToMatrix: failed to read header of %s: %w", path, err)
	}

	if len(r.Shape) != 2 || r.Shape[0] == 0 || r.Shape[1] == 0 {
		return nil, fmt.Errorf("NpyToMatrix: %s has shape %v: %w", path, r.Shape, ErrShape)
	}

	data, err := r.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("NpyToMatrix: failed to read %s: %w", path, err)
	}

	return mat64.NewDense(r.Shape[0], r.Shape[1], data), nil
}
