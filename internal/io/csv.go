package io

import (
	"encoding/csv"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/gonum/matrix/mat64"
	"github.com/spf13/afero"
)

// Field delimiters for matrix text files.
const (
	CSV rune = ','
	TSV rune = '\t'
)

// ErrShape is returned for empty or ragged matrix files.
var ErrShape = errors.New("io: malformed matrix")

// MatrixToFile saves matrix as a delimited text file without header or index
func MatrixToFile(fs afero.Fs, path string, matrix *mat64.Dense, comma rune) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("MatrixToFile: failed to create %s: %w", path, err)
	}
	defer f.Close()

	rows, _ := matrix.Dims()

	stride := runtime.NumCPU()
	parsed := make([]string, stride)
	sep := string(comma)

	for row := 0; row < rows; row += stride {
		var wg sync.WaitGroup
		jobMark := stride

		if row+stride >= rows {
			jobMark = rows - row
		}

		wg.Add(jobMark)
		for offset := 0; offset < jobMark; offset++ {
			go formatLine(matrix, parsed, sep, offset, row, &wg)
		}
		wg.Wait()

		for i := 0; i < jobMark; i++ {
			if _, err := fmt.Fprintf(f, "%s\n", parsed[i]); err != nil {
				return fmt.Errorf("MatrixToFile: failed to write %s: %w", path, err)
			}
		}
	}

	return f.Close()
}

func formatLine(matrix *mat64.Dense, parsed []string, sep string, offset int, row int, wg *sync.WaitGroup) {
	defer wg.Done()
	_, cols := matrix.Dims()

	var b strings.Builder
	for i := 0; i < cols; i++ {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(strconv.FormatFloat(matrix.At(row+offset, i), 'g', -1, 64))
	}

	parsed[offset] = b.String()
}

// FileToMatrix reads a delimited text file without header or index into a matrix
func FileToMatrix(fs afero.Fs, path string, comma rune) (*mat64.Dense, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("FileToMatrix: failed to open %s: %w", path, err)
	}
	defer f.Close()

	csvReader := csv.NewReader(f)
	csvReader.Comma = comma
	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("FileToMatrix: failed to parse %s: %v: %w", path, err, ErrShape)
	}

	if len(records) == 0 || len(records[0]) == 0 {
		return nil, fmt.Errorf("FileToMatrix: %s is empty: %w", path, ErrShape)
	}

	rows, cols := len(records), len(records[0])
	matrix := mat64.NewDense(rows, cols, nil)
	rowErrs := make([]error, rows)

	workers := runtime.NumCPU()
	order := make(chan int, workers)
	var wg sync.WaitGroup

	wg.Add(rows)

	for i := 0; i < workers; i++ {
		go parseLine(records, matrix, rowErrs, order, &wg)
	}

	for i := 0; i < rows; i++ {
		order <- i
	}

	wg.Wait()
	close(order)

	for i, err := range rowErrs {
		if err != nil {
			return nil, fmt.Errorf("FileToMatrix: %s line %d: %w", path, i+1, err)
		}
	}

	return matrix, nil
}

func parseLine(records [][]string, matrix *mat64.Dense, rowErrs []error, order <-chan int, wg *sync.WaitGroup) {
	_, cols := matrix.Dims()

	for {
		index, ok := <-order
		if ok {
			for i := 0; i < cols; i++ {
				str := strings.TrimSpace(records[index][i])
				value, err := strconv.ParseFloat(str, 64)
				if err != nil {
					rowErrs[index] = err
					break
				}

				matrix.Set(index, i, value)
			}

			wg.Done()
		} else {
			break
		}
	}
	return
}
