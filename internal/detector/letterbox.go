package detector

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// FillValue is the grey level of letterbox padding
const FillValue = 114

// Letterbox maps a source frame into a square network input with a uniform
// scale and symmetric padding
type Letterbox struct {
	Scale      float64
	PadX, PadY int
	Target     int

	SrcWidth, SrcHeight int
	NewWidth, NewHeight int
}

// NewLetterbox computes the transform for a srcW×srcH frame and a
// target×target network input
func NewLetterbox(srcW, srcH, target int) (Letterbox, error) {
	if srcW <= 0 || srcH <= 0 || target <= 0 {
		return Letterbox{}, fmt.Errorf("invalid letterbox geometry %dx%d -> %d", srcW, srcH, target)
	}

	scale := float64(target) / float64(max(srcW, srcH))
	newW := int(math.Round(float64(srcW) * scale))
	newH := int(math.Round(float64(srcH) * scale))

	return Letterbox{
		Scale:     scale,
		PadX:      (target - newW) / 2,
		PadY:      (target - newH) / 2,
		Target:    target,
		SrcWidth:  srcW,
		SrcHeight: srcH,
		NewWidth:  newW,
		NewHeight: newH,
	}, nil
}

// Apply resizes src and pastes it centered on a target×target canvas filled
// with FillValue. The caller owns the returned Mat.
func (l Letterbox) Apply(src gocv.Mat) (gocv.Mat, error) {
	if src.Empty() {
		return gocv.NewMat(), fmt.Errorf("letterbox: empty source")
	}
	if src.Cols() != l.SrcWidth || src.Rows() != l.SrcHeight {
		return gocv.NewMat(), fmt.Errorf("letterbox: source is %dx%d, transform built for %dx%d",
			src.Cols(), src.Rows(), l.SrcWidth, l.SrcHeight)
	}

	// Resize
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(l.NewWidth, l.NewHeight), 0, 0, gocv.InterpolationLinear)

	// Create padded image
	padded := gocv.NewMatWithSize(l.Target, l.Target, src.Type())
	padded.SetTo(gocv.NewScalar(FillValue, FillValue, FillValue, 0))

	// Copy resized to center of padded
	roi := padded.Region(image.Rect(l.PadX, l.PadY, l.PadX+l.NewWidth, l.PadY+l.NewHeight))
	resized.CopyTo(&roi)
	roi.Close()

	return padded, nil
}

// Forward maps a source coordinate into network input space
func (l Letterbox) Forward(x, y float32) (float32, float32) {
	return x*float32(l.Scale) + float32(l.PadX), y*float32(l.Scale) + float32(l.PadY)
}

// Inverse maps a network input coordinate back to the source frame. The
// padding is removed and the value clamped to the network input before the
// scale is divided out.
func (l Letterbox) Inverse(x, y float32) (int, int) {
	t := float32(l.Target)
	sx := clamp32(x-float32(l.PadX), 0, t)
	sy := clamp32(y-float32(l.PadY), 0, t)
	return int(float64(sx) / l.Scale), int(float64(sy) / l.Scale)
}

// InverseBox maps a corner form box back to the source frame
func (l Letterbox) InverseBox(x1, y1, x2, y2 float32) Box {
	left, top := l.Inverse(x1, y1)
	right, bottom := l.Inverse(x2, y2)
	return Box{Left: left, Top: top, Right: right, Bottom: bottom}
}
