// Package inferencetest provides a scripted accelerator for tests that
// exercise code above the inference layer without a model runtime.
package inferencetest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dudu/edgeguard/internal/inference"
)

// Accelerator is a fake inference.Accelerator. Every context answers Run
// with the result of Respond, or a copy of Tensors when Respond is nil.
type Accelerator struct {
	Input   inference.TensorDescriptor
	Tensors []inference.RawTensor
	Respond func(input []byte) ([]inference.RawTensor, error)

	LoadErr      error
	DuplicateErr error
	// FailDuplicateAt makes the n-th duplicate fail (1 based), 0 disables
	FailDuplicateAt int

	mu       sync.Mutex
	cores    []int
	contexts []*Context
	dupCount int
	runs     atomic.Int64
	held     atomic.Int64
}

// NewAccelerator returns a fake with an NHWC uint8 input of size w×h×3
func NewAccelerator(w, h int, tensors ...inference.RawTensor) *Accelerator {
	return &Accelerator{
		Input: inference.TensorDescriptor{
			Name:      "input",
			Shape:     []int64{1, int64(h), int64(w), 3},
			Type:      inference.Uint8,
			Scale:     1,
			Quantized: true,
		},
		Tensors: tensors,
	}
}

func (a *Accelerator) Load(blob []byte, core int) (inference.Context, error) {
	if a.LoadErr != nil {
		return nil, a.LoadErr
	}
	return a.newContext(core), nil
}

func (a *Accelerator) newContext(core int) *Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := &Context{acc: a, core: core}
	a.cores = append(a.cores, core)
	a.contexts = append(a.contexts, c)
	return c
}

// Cores returns the core ids of every created context in creation order
func (a *Accelerator) Cores() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.cores...)
}

// Runs returns the number of Run calls over all contexts
func (a *Accelerator) Runs() int {
	return int(a.runs.Load())
}

// Held returns how many run results have not been released yet
func (a *Accelerator) Held() int {
	return int(a.held.Load())
}

// Closed returns how many contexts have been closed
func (a *Accelerator) Closed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.contexts {
		if c.closed.Load() {
			n++
		}
	}
	return n
}

// Context is a fake inference.Context
type Context struct {
	acc    *Accelerator
	core   int
	closed atomic.Bool
}

func (c *Context) Duplicate(core int) (inference.Context, error) {
	c.acc.mu.Lock()
	c.acc.dupCount++
	n := c.acc.dupCount
	c.acc.mu.Unlock()

	if c.acc.DuplicateErr != nil && (c.acc.FailDuplicateAt == 0 || c.acc.FailDuplicateAt == n) {
		return nil, c.acc.DuplicateErr
	}
	return c.acc.newContext(core), nil
}

func (c *Context) Inputs() []inference.TensorDescriptor {
	return []inference.TensorDescriptor{c.acc.Input}
}

func (c *Context) Outputs() []inference.TensorDescriptor {
	descs := make([]inference.TensorDescriptor, len(c.acc.Tensors))
	for i, t := range c.acc.Tensors {
		descs[i] = t.Desc
	}
	if len(descs) == 0 {
		descs = append(descs, inference.TensorDescriptor{Name: "output", Shape: []int64{1}, Scale: 1})
	}
	return descs
}

func (c *Context) Run(input []byte) (inference.Results, error) {
	if c.closed.Load() {
		return nil, errors.New("context closed")
	}
	c.acc.runs.Add(1)
	tensors := c.acc.Tensors
	if c.acc.Respond != nil {
		var err error
		if tensors, err = c.acc.Respond(input); err != nil {
			return nil, err
		}
	}
	c.acc.held.Add(1)
	return &results{acc: c.acc, tensors: tensors}, nil
}

type results struct {
	acc      *Accelerator
	tensors  []inference.RawTensor
	released atomic.Bool
}

func (r *results) Fetch() ([]inference.RawTensor, error) {
	return r.tensors, nil
}

func (r *results) Release() error {
	if r.released.CompareAndSwap(false, true) {
		r.acc.held.Add(-1)
	}
	return nil
}

func (c *Context) Close() error {
	c.closed.Store(true)
	return nil
}

// Floats builds a float32 output tensor
func Floats(name string, shape []int64, data []float32) inference.RawTensor {
	return inference.RawTensor{
		Desc:  inference.TensorDescriptor{Name: name, Shape: shape, Type: inference.Float32, Scale: 1},
		Float: data,
	}
}

// Int8s builds a quantized int8 output tensor
func Int8s(name string, shape []int64, zp int32, scale float32, data []int8) inference.RawTensor {
	return inference.RawTensor{
		Desc: inference.TensorDescriptor{
			Name: name, Shape: shape, Type: inference.Int8,
			ZeroPoint: zp, Scale: scale, Quantized: true,
		},
		Int8: data,
	}
}

// Uint8s builds a quantized uint8 output tensor
func Uint8s(name string, shape []int64, zp int32, scale float32, data []uint8) inference.RawTensor {
	return inference.RawTensor{
		Desc: inference.TensorDescriptor{
			Name: name, Shape: shape, Type: inference.Uint8,
			ZeroPoint: zp, Scale: scale, Quantized: true,
		},
		Uint8: data,
	}
}
