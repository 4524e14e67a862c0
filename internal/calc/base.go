package calc

import (
	"errors"
	"runtime"
	"sync"
)

// ErrDims is returned when input and output matrices disagree in shape.
var ErrDims = errors.New("calc: dimension mismatch")

// PipeLine represents a compute pipeline
type PipeLine struct {
	numPoper int
}

// Init returns a compute PipeLine running numPoper row workers.
// numPoper <= 0 means one worker per CPU.
func Init(numPoper int) *PipeLine {
	if numPoper <= 0 {
		numPoper = runtime.NumCPU()
	}

	return &PipeLine{numPoper: numPoper}
}

// GetNP returns the number of row workers
func (p *PipeLine) GetNP() int {
	return p.numPoper
}

// forRows runs fn once per row index on the pipeline's workers and
// returns when every row is done. fn must only touch its own row's outputs.
func (p *PipeLine) forRows(rows int, fn func(row int)) {
	order := make(chan int, p.numPoper)
	var wg sync.WaitGroup

	wg.Add(rows)
	for i := 0; i < p.numPoper; i++ {
		go func() {
			for row := range order {
				fn(row)
				wg.Done()
			}
		}()
	}

	for i := 0; i < rows; i++ {
		order <- i
	}

	wg.Wait()
	close(order)
}
