package inference

import "fmt"

// ElementType is the element type of a model input or output tensor
type ElementType int

const (
	Float32 ElementType = iota
	Int8
	Uint8
)

func (t ElementType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	}
	return fmt.Sprintf("ElementType(%d)", int(t))
}

// QuantParams holds the affine quantization parameters of an integer tensor
type QuantParams struct {
	ZeroPoint int32
	Scale     float32
}

// TensorDescriptor describes one model input or output. It is populated
// once when the model is loaded and never changes afterwards.
type TensorDescriptor struct {
	Name      string
	Shape     []int64
	Type      ElementType
	ZeroPoint int32
	Scale     float32
	Quantized bool
}

// Elements returns the number of elements described by the shape
func (d TensorDescriptor) Elements() int {
	n := 1
	for _, dim := range d.Shape {
		if dim > 0 {
			n *= int(dim)
		}
	}
	return n
}

// Dim returns dimension i, or 0 when the shape is shorter
func (d TensorDescriptor) Dim(i int) int {
	if i < 0 || i >= len(d.Shape) {
		return 0
	}
	return int(d.Shape[i])
}

func (d TensorDescriptor) String() string {
	return fmt.Sprintf("%s %v %s zp=%d scale=%g quant=%v",
		d.Name, d.Shape, d.Type, d.ZeroPoint, d.Scale, d.Quantized)
}

// RawTensor is one output buffer as handed back by the accelerator.
// Exactly one of Float, Int8 or Uint8 is set, matching Desc.Type. The
// backing memory belongs to the backend and is only valid until the
// owning Outputs is released.
type RawTensor struct {
	Desc  TensorDescriptor
	Float []float32
	Int8  []int8
	Uint8 []uint8
}

// Len returns the element count
func (t RawTensor) Len() int {
	switch t.Desc.Type {
	case Int8:
		return len(t.Int8)
	case Uint8:
		return len(t.Uint8)
	}
	return len(t.Float)
}

// At returns element i as a real value, dequantizing integer data with
// (raw - zero_point) * scale
func (t RawTensor) At(i int) float32 {
	switch t.Desc.Type {
	case Int8:
		return (float32(t.Int8[i]) - float32(t.Desc.ZeroPoint)) * t.Desc.Scale
	case Uint8:
		return (float32(t.Uint8[i]) - float32(t.Desc.ZeroPoint)) * t.Desc.Scale
	}
	return t.Float[i]
}

// Floats copies the tensor into a new float32 slice, dequantizing if needed
func (t RawTensor) Floats() []float32 {
	n := t.Len()
	out := make([]float32, n)
	if t.Desc.Type == Float32 {
		copy(out, t.Float)
		return out
	}
	for i := 0; i < n; i++ {
		out[i] = t.At(i)
	}
	return out
}

// channelsFirst reports an NCHW image layout
func channelsFirst(shape []int64) bool {
	return len(shape) == 4 && (shape[1] == 1 || shape[1] == 3) && shape[3] != 1 && shape[3] != 3
}

// packPixels writes NHWC pixels into dst in the layout described by shape,
// converting each value with conv. The channel index is passed to conv for
// per-channel normalisation.
func packPixels[T any](dst []T, pixels []byte, shape []int64, conv func(v byte, channel int) T) error {
	if len(shape) != 4 {
		return fmt.Errorf("input shape %v is not an image", shape)
	}
	nchw := channelsFirst(shape)
	var ch, h, w int
	if nchw {
		ch, h, w = int(shape[1]), int(shape[2]), int(shape[3])
	} else {
		h, w, ch = int(shape[1]), int(shape[2]), int(shape[3])
	}
	if len(pixels) != h*w*ch || len(dst) != len(pixels) {
		return fmt.Errorf("input size mismatch: %d pixels for %d elements of %v", len(pixels), len(dst), shape)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for k := 0; k < ch; k++ {
				src := (y*w+x)*ch + k
				v := conv(pixels[src], k)
				if nchw {
					dst[k*h*w+y*w+x] = v
				} else {
					dst[src] = v
				}
			}
		}
	}
	return nil
}
