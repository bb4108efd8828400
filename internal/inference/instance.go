package inference

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrModelLoad is returned when a model blob cannot be read or an
	// accelerator context cannot be created or duplicated
	ErrModelLoad = errors.New("model load failed")

	// ErrInference is returned when any set-input, run or get-output step fails
	ErrInference = errors.New("inference failed")
)

// Accelerator creates execution contexts from a model blob
type Accelerator interface {
	// Load creates the first context of a model bound to core
	Load(blob []byte, core int) (Context, error)
}

// Context is one execution context on the accelerator. Run may be called
// again while the results of an earlier run are still held.
type Context interface {
	// Duplicate creates a context sharing the model weights, bound to core
	Duplicate(core int) (Context, error)
	Inputs() []TensorDescriptor
	Outputs() []TensorDescriptor
	// Run sets the NHWC uint8 input and executes the network
	Run(input []byte) (Results, error)
	Close() error
}

// Results are the outputs of one run. Tensors returned by Fetch are owned
// by the accelerator and stay valid until Release.
type Results interface {
	Fetch() ([]RawTensor, error)
	Release() error
}

// Instance is one loaded network bound to one accelerator core
type Instance struct {
	id      int
	core    int
	ctx     Context
	input   TensorDescriptor
	outputs []TensorDescriptor

	// held from output get until release, never across the run itself
	outMu sync.Mutex
}

// LoadInstances reads the model blob once and builds n instances. The first
// instance loads the blob, every following one duplicates its context.
// Either all n instances are returned or none: already built contexts are
// closed on failure.
func LoadInstances(acc Accelerator, modelPath string, n int, cores *CoreAllocator, log logrus.FieldLogger) ([]*Instance, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: instance count must be positive, got %d", ErrModelLoad, n)
	}
	if cores == nil {
		cores = NewCoreAllocator(DefaultCoreCount)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	blob, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrModelLoad, modelPath, err)
	}

	instances := make([]*Instance, 0, n)
	closeAll := func() {
		for _, inst := range instances {
			inst.Close()
		}
	}

	for i := 0; i < n; i++ {
		core := cores.Next()

		var ctx Context
		if i == 0 {
			ctx, err = acc.Load(blob, core)
		} else {
			ctx, err = instances[0].ctx.Duplicate(core)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%w: %s instance %d: %v", ErrModelLoad, modelPath, i, err)
		}

		inst, err := newInstance(i, core, ctx)
		if err != nil {
			ctx.Close()
			closeAll()
			return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, modelPath, err)
		}
		instances = append(instances, inst)

		entry := log.WithFields(logrus.Fields{"model": modelPath, "instance": i, "core": core})
		if i == 0 {
			entry.Debugf("input %s", inst.input)
			for _, out := range inst.outputs {
				entry.Debugf("output %s", out)
			}
		}
		entry.Debug("instance ready")
	}

	return instances, nil
}

func newInstance(id, core int, ctx Context) (*Instance, error) {
	inputs := ctx.Inputs()
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected 1 input, got %d", len(inputs))
	}
	outputs := ctx.Outputs()
	if len(outputs) == 0 {
		return nil, fmt.Errorf("model has no outputs")
	}
	inst := &Instance{
		id:      id,
		core:    core,
		ctx:     ctx,
		input:   inputs[0],
		outputs: outputs,
	}
	if inst.Width() <= 0 || inst.Height() <= 0 || inst.Channels() <= 0 {
		return nil, fmt.Errorf("unsupported input shape %v", inputs[0].Shape)
	}
	return inst, nil
}

// ID returns the index of the instance inside its pool
func (m *Instance) ID() int {
	return m.id
}

// Core returns the accelerator core the instance is bound to
func (m *Instance) Core() int {
	return m.core
}

// Input returns the input tensor descriptor
func (m *Instance) Input() TensorDescriptor {
	return m.input
}

// OutputDescs returns the output tensor descriptors
func (m *Instance) OutputDescs() []TensorDescriptor {
	return m.outputs
}

// Quantized reports whether every output is an affine integer tensor
func (m *Instance) Quantized() bool {
	for _, out := range m.outputs {
		if !out.Quantized {
			return false
		}
	}
	return true
}

// channelsFirst reports an NCHW input layout
func (m *Instance) channelsFirst() bool {
	return channelsFirst(m.input.Shape)
}

// Width returns the model input width
func (m *Instance) Width() int {
	if m.channelsFirst() {
		return m.input.Dim(3)
	}
	return m.input.Dim(2)
}

// Height returns the model input height
func (m *Instance) Height() int {
	if m.channelsFirst() {
		return m.input.Dim(2)
	}
	return m.input.Dim(1)
}

// Channels returns the model input channel count
func (m *Instance) Channels() int {
	if m.channelsFirst() {
		return m.input.Dim(1)
	}
	return m.input.Dim(3)
}

// Outputs are the raw results of one inference. They must be released
// once decoding is finished.
type Outputs struct {
	Tensors []RawTensor

	inst     *Instance
	res      Results
	released bool
}

// Release returns the output buffers to the accelerator and unlocks the
// instance. Calling it more than once is a no-op.
func (o *Outputs) Release() error {
	if o == nil || o.released {
		return nil
	}
	o.released = true
	err := o.res.Release()
	o.inst.outMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: release outputs: %v", ErrInference, err)
	}
	return nil
}

// Infer runs the network on an NHWC uint8 buffer of the model's declared
// size. The run itself is not serialised: only getting the outputs takes
// the instance lock, which stays held until the returned outputs are
// released.
func (m *Instance) Infer(input []byte) (*Outputs, error) {
	want := m.Width() * m.Height() * m.Channels()
	if len(input) != want {
		return nil, fmt.Errorf("%w: input is %d bytes, model wants %d", ErrInference, len(input), want)
	}

	res, err := m.ctx.Run(input)
	if err != nil {
		return nil, fmt.Errorf("%w: run: %v", ErrInference, err)
	}

	m.outMu.Lock()
	held := true
	defer func() {
		// also reached when the runtime panics
		if held {
			res.Release()
			m.outMu.Unlock()
		}
	}()

	tensors, err := res.Fetch()
	if err != nil {
		return nil, fmt.Errorf("%w: get outputs: %v", ErrInference, err)
	}

	held = false
	return &Outputs{Tensors: tensors, inst: m, res: res}, nil
}

// Run infers and hands the outputs to decode. The outputs are released
// afterwards even if decode panics.
func (m *Instance) Run(input []byte, decode func(*Outputs) error) (err error) {
	outs, err := m.Infer(input)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := outs.Release(); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	return decode(outs)
}

// Close releases the execution context
func (m *Instance) Close() error {
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Close()
	m.ctx = nil
	return err
}

// CloseAll closes every instance and joins the errors
func CloseAll(instances []*Instance) error {
	var errs []error
	for _, inst := range instances {
		if err := inst.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
