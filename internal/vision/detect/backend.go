package detect

import (
	"gocv.io/x/gocv"
)

// Output is the raw model output of one forward pass, copied out of native
// memory.
type Output struct {
	Data []float32
	Dims []int
}

// Backend runs the network. A Backend is used by one goroutine at a time;
// the Engine pools them.
type Backend interface {
	Name() string
	Infer(blob gocv.Mat) (Output, error)
	Close() error
}
