package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Capture manages webcam capture and hands out frames in BGR order
type Capture struct {
	webcam    *gocv.VideoCapture
	deviceID  int
	targetFPS int
	width     int
	height    int
	buf       gocv.Mat
	seq       uint64
	mu        sync.Mutex
}

// NewCapture opens deviceID at the requested resolution
func NewCapture(deviceID, targetFPS, width, height int) (*Capture, error) {
	webcam, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %d: %w", deviceID, err)
	}

	// Set camera properties
	webcam.Set(gocv.VideoCaptureFrameWidth, float64(width))
	webcam.Set(gocv.VideoCaptureFrameHeight, float64(height))
	webcam.Set(gocv.VideoCaptureFPS, float64(targetFPS))

	// Get actual dimensions (camera may not support requested resolution)
	actualWidth := int(webcam.Get(gocv.VideoCaptureFrameWidth))
	actualHeight := int(webcam.Get(gocv.VideoCaptureFrameHeight))

	return &Capture{
		webcam:    webcam,
		deviceID:  deviceID,
		targetFPS: targetFPS,
		width:     actualWidth,
		height:    actualHeight,
		buf:       gocv.NewMat(),
	}, nil
}

// Next blocks until the camera delivers a non-empty frame
func (c *Capture) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		c.mu.Lock()
		if c.webcam == nil {
			c.mu.Unlock()
			return Frame{}, ErrSourceClosed
		}
		ok := c.webcam.Read(&c.buf)
		if ok && !c.buf.Empty() {
			frame, err := FrameFromMat(c.buf, BGR)
			c.seq++
			frame.Seq = c.seq
			c.mu.Unlock()
			return frame, err
		}
		c.mu.Unlock()

		// camera not ready yet
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Width returns frame width
func (c *Capture) Width() int {
	return c.width
}

// Height returns frame height
func (c *Capture) Height() int {
	return c.height
}

// Close releases the camera
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.webcam != nil {
		err := c.webcam.Close()
		c.webcam = nil
		c.buf.Close()
		return err
	}
	return nil
}
