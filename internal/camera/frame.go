package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// ErrSourceClosed is returned by a Source after Close
var ErrSourceClosed = errors.New("frame source closed")

// PixelOrder is the channel order of an interleaved 3 channel buffer
type PixelOrder int

const (
	BGR PixelOrder = iota
	RGB
)

func (o PixelOrder) String() string {
	if o == RGB {
		return "RGB"
	}
	return "BGR"
}

// Frame is one decoded 8 bit 3 channel image
type Frame struct {
	Data     []byte
	Width    int
	Height   int
	Order    PixelOrder
	Seq      uint64
	Captured time.Time
}

// Validate checks that the buffer holds Width×Height pixels
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * 3; len(f.Data) != want {
		return fmt.Errorf("frame buffer is %d bytes, %dx%d wants %d", len(f.Data), f.Width, f.Height, want)
	}
	return nil
}

// FrameFromMat copies a CV_8UC3 Mat into a Frame
func FrameFromMat(m gocv.Mat, order PixelOrder) (Frame, error) {
	if m.Empty() {
		return Frame{}, fmt.Errorf("empty mat")
	}
	if m.Type() != gocv.MatTypeCV8UC3 {
		return Frame{}, fmt.Errorf("unsupported mat type %v", m.Type())
	}
	return Frame{
		Data:     m.ToBytes(),
		Width:    m.Cols(),
		Height:   m.Rows(),
		Order:    order,
		Captured: time.Now(),
	}, nil
}

// Mat copies the frame into a new Mat. The caller owns the result.
func (f Frame) Mat() (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.NewMat(), err
	}
	view, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to wrap frame: %w", err)
	}
	defer view.Close()
	return view.Clone(), nil
}

// Source delivers frames one at a time
type Source interface {
	// Next blocks until a frame is available
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// ImageSource serves one still image repeatedly, for running the pipeline
// without a camera
type ImageSource struct {
	frame  Frame
	count  int
	limit  int
	delay  time.Duration
	closed bool
}

// NewImageSource loads path and serves it limit times (0 means forever),
// pausing delay between frames
func NewImageSource(path string, limit int, delay time.Duration) (*ImageSource, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		return nil, fmt.Errorf("failed to load image: %s", path)
	}
	defer img.Close()

	frame, err := FrameFromMat(img, BGR)
	if err != nil {
		return nil, err
	}
	return &ImageSource{frame: frame, limit: limit, delay: delay}, nil
}

func (s *ImageSource) Next(ctx context.Context) (Frame, error) {
	if s.closed || (s.limit > 0 && s.count >= s.limit) {
		return Frame{}, ErrSourceClosed
	}
	if s.count > 0 && s.delay > 0 {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.count++
	f := s.frame
	f.Data = append([]byte(nil), s.frame.Data...)
	f.Seq = uint64(s.count)
	f.Captured = time.Now()
	return f, nil
}

func (s *ImageSource) Close() error {
	s.closed = true
	return nil
}
