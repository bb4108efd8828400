package inference

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initialized bool
	initMu      sync.Mutex
)

// Initialize sets up the ONNX Runtime environment from the shared library at
// libPath (call once at startup)
func Initialize(libPath string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized {
		return nil
	}

	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	initialized = true
	return nil
}

// Shutdown cleans up the ONNX Runtime environment
func Shutdown() error {
	initMu.Lock()
	defer initMu.Unlock()

	if !initialized {
		return nil
	}

	if err := ort.DestroyEnvironment(); err != nil {
		return err
	}

	initialized = false
	return nil
}

// ONNX runs models through ONNX Runtime on the CPU execution provider.
// Core ids are recorded on each context but ONNX Runtime has no notion of
// NPU cores, so every context shares the host threads.
type ONNX struct {
	// Threads is the intra-op thread count per session, 0 keeps the default
	Threads int
	// Mean and Std normalise uint8 pixels for models with a float input
	Mean [3]float32
	Std  [3]float32
	// Quant supplies affine parameters for integer outputs by name
	Quant map[string]QuantParams
}

// NewONNX returns an accelerator feeding raw pixel values to float models
func NewONNX(threads int) *ONNX {
	return &ONNX{
		Threads: threads,
		Std:     [3]float32{1, 1, 1},
		Quant:   make(map[string]QuantParams),
	}
}

// Load parses the blob and creates the first session
func (a *ONNX) Load(blob []byte, core int) (Context, error) {
	initMu.Lock()
	ready := initialized
	initMu.Unlock()
	if !ready {
		return nil, fmt.Errorf("ONNX Runtime not initialized, call Initialize() first")
	}

	inInfo, outInfo, err := ort.GetInputOutputInfoWithONNXData(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to read model io info: %w", err)
	}
	if len(inInfo) != 1 {
		return nil, fmt.Errorf("expected 1 model input, got %d", len(inInfo))
	}
	inputs, outputs, err := a.describeAll(inInfo, outInfo)
	if err != nil {
		return nil, err
	}
	if err := a.checkQuant(outputs); err != nil {
		return nil, err
	}

	return a.newContext(blob, core, inputs, outputs)
}

// Describe reads the tensor layout of the model at path without creating a
// session
func (a *ONNX) Describe(path string) (inputs, outputs []TensorDescriptor, err error) {
	inInfo, outInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read model io info: %w", err)
	}
	return a.describeAll(inInfo, outInfo)
}

func (a *ONNX) describeAll(inInfo, outInfo []ort.InputOutputInfo) ([]TensorDescriptor, []TensorDescriptor, error) {
	inputs := make([]TensorDescriptor, len(inInfo))
	for i, info := range inInfo {
		d, err := a.describe(info)
		if err != nil {
			return nil, nil, err
		}
		inputs[i] = d
	}
	outputs := make([]TensorDescriptor, len(outInfo))
	for i, info := range outInfo {
		d, err := a.describe(info)
		if err != nil {
			return nil, nil, err
		}
		outputs[i] = d
	}
	return inputs, outputs, nil
}

func (a *ONNX) describe(info ort.InputOutputInfo) (TensorDescriptor, error) {
	d := TensorDescriptor{Name: info.Name, Scale: 1}

	d.Shape = make([]int64, len(info.Dimensions))
	for i, dim := range info.Dimensions {
		// dynamic axes run with a single frame
		if dim <= 0 {
			dim = 1
		}
		d.Shape[i] = dim
	}

	switch info.DataType {
	case ort.TensorElementDataTypeFloat:
		d.Type = Float32
	case ort.TensorElementDataTypeInt8:
		d.Type = Int8
	case ort.TensorElementDataTypeUint8:
		d.Type = Uint8
	default:
		return d, fmt.Errorf("tensor %s: unsupported element type %v", info.Name, info.DataType)
	}

	if d.Type != Float32 {
		d.Quantized = true
		if q, ok := a.Quant[info.Name]; ok {
			d.ZeroPoint = q.ZeroPoint
			d.Scale = q.Scale
		}
	}
	return d, nil
}

// checkQuant rejects integer outputs without configured affine parameters.
// ONNX files carry no zero point or scale, and decoding raw integers against
// float thresholds gives nonsense.
func (a *ONNX) checkQuant(outputs []TensorDescriptor) error {
	var errs []error
	for _, d := range outputs {
		if !d.Quantized {
			continue
		}
		q, ok := a.Quant[d.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("output %s is %s but has no zero point and scale configured", d.Name, d.Type))
			continue
		}
		if q.Scale <= 0 {
			errs = append(errs, fmt.Errorf("output %s: scale must be positive, got %g", d.Name, q.Scale))
		}
	}
	return errors.Join(errs...)
}

func (a *ONNX) newContext(blob []byte, core int, inputs, outputs []TensorDescriptor) (*ortContext, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if a.Threads > 0 {
		if err := options.SetIntraOpNumThreads(a.Threads); err != nil {
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	inputNames := []string{inputs[0].Name}
	outputNames := make([]string, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(blob, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	c := &ortContext{
		acc:     a,
		blob:    blob,
		core:    core,
		session: session,
		inputs:  inputs,
		outputs: outputs,
	}
	// the first buffer set also proves the shapes can be allocated
	b, err := c.allocate()
	if err != nil {
		c.Close()
		return nil, err
	}
	c.free = append(c.free, b)
	return c, nil
}

// ortContext is one ONNX Runtime session. Every run takes its own input and
// output tensors from a free list, so a run can proceed while the outputs
// of an earlier one are still being read.
type ortContext struct {
	acc     *ONNX
	blob    []byte
	core    int
	session *ort.DynamicAdvancedSession
	inputs  []TensorDescriptor
	outputs []TensorDescriptor

	mu     sync.Mutex
	free   []*ortBuffers
	closed bool
}

// ortBuffers are the tensors of one run. They implement Results.
type ortBuffers struct {
	ctx     *ortContext
	input   ort.Value
	results []ort.Value
}

func (c *ortContext) allocate() (*ortBuffers, error) {
	b := &ortBuffers{ctx: c, results: make([]ort.Value, len(c.outputs))}
	in, err := newEmpty(c.inputs[0])
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	b.input = in

	for i, d := range c.outputs {
		v, err := newEmpty(d)
		if err != nil {
			b.destroy()
			return nil, fmt.Errorf("failed to create output tensor %s: %w", d.Name, err)
		}
		b.results[i] = v
	}
	return b, nil
}

func (c *ortContext) acquire() (*ortBuffers, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("context closed")
	}
	if n := len(c.free); n > 0 {
		b := c.free[n-1]
		c.free = c.free[:n-1]
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()
	return c.allocate()
}

func (c *ortContext) recycle(b *ortBuffers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		b.destroy()
		return
	}
	c.free = append(c.free, b)
}

func newEmpty(d TensorDescriptor) (ort.Value, error) {
	shape := ort.NewShape(d.Shape...)
	switch d.Type {
	case Int8:
		return ort.NewEmptyTensor[int8](shape)
	case Uint8:
		return ort.NewEmptyTensor[uint8](shape)
	}
	return ort.NewEmptyTensor[float32](shape)
}

// Duplicate creates a second session from the same blob bytes
func (c *ortContext) Duplicate(core int) (Context, error) {
	return c.acc.newContext(c.blob, core, c.inputs, c.outputs)
}

func (c *ortContext) Inputs() []TensorDescriptor {
	return c.inputs
}

func (c *ortContext) Outputs() []TensorDescriptor {
	return c.outputs
}

func (c *ortContext) Run(input []byte) (Results, error) {
	b, err := c.acquire()
	if err != nil {
		return nil, err
	}
	if err := b.setInput(input); err != nil {
		c.recycle(b)
		return nil, err
	}
	if err := c.session.Run([]ort.Value{b.input}, b.results); err != nil {
		c.recycle(b)
		return nil, err
	}
	return b, nil
}

// setInput copies NHWC uint8 pixels into the input tensor, converting
// layout and normalising for float models
func (b *ortBuffers) setInput(pixels []byte) error {
	d := b.ctx.inputs[0]
	switch t := b.input.(type) {
	case *ort.Tensor[uint8]:
		return packPixels(t.GetData(), pixels, d.Shape, func(v byte, _ int) uint8 {
			return v
		})
	case *ort.Tensor[float32]:
		acc := b.ctx.acc
		return packPixels(t.GetData(), pixels, d.Shape, func(v byte, k int) float32 {
			return (float32(v) - acc.Mean[k%3]) / acc.Std[k%3]
		})
	}
	return fmt.Errorf("unsupported input tensor type %s", d.Type)
}

func (b *ortBuffers) Fetch() ([]RawTensor, error) {
	tensors := make([]RawTensor, len(b.results))
	for i, v := range b.results {
		raw := RawTensor{Desc: b.ctx.outputs[i]}
		switch t := v.(type) {
		case *ort.Tensor[float32]:
			raw.Float = t.GetData()
		case *ort.Tensor[int8]:
			raw.Int8 = t.GetData()
		case *ort.Tensor[uint8]:
			raw.Uint8 = t.GetData()
		default:
			return nil, fmt.Errorf("output %s: unexpected value type %T", b.ctx.outputs[i].Name, v)
		}
		tensors[i] = raw
	}
	return tensors, nil
}

// Release hands the tensors back for the next run
func (b *ortBuffers) Release() error {
	b.ctx.recycle(b)
	return nil
}

func (b *ortBuffers) destroy() {
	if b.input != nil {
		b.input.Destroy()
		b.input = nil
	}
	for i, v := range b.results {
		if v != nil {
			v.Destroy()
			b.results[i] = nil
		}
	}
}

// Close destroys the idle buffers and the session. Buffers still held by a
// caller are destroyed when they are released.
func (c *ortContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, b := range c.free {
		b.destroy()
	}
	c.free = nil

	var err error
	if c.session != nil {
		err = c.session.Destroy()
		c.session = nil
	}
	return err
}
