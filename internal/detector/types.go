package detector

import (
	"errors"
	"image"
)

// ErrUnsupportedInput is returned when outputs or model geometry do not
// match what a decoder understands
var ErrUnsupportedInput = errors.New("unsupported model output")

// Box is an axis aligned box in original image pixels
type Box struct {
	Left, Top, Right, Bottom int
}

// Width returns box width
func (b Box) Width() int {
	return b.Right - b.Left
}

// Height returns box height
func (b Box) Height() int {
	return b.Bottom - b.Top
}

// Center returns box center point
func (b Box) Center() image.Point {
	return image.Pt((b.Left+b.Right)/2, (b.Top+b.Bottom)/2)
}

// Area returns box area
func (b Box) Area() int {
	return b.Width() * b.Height()
}

// Rect converts the box for drawing and cropping
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Detection is one detected object in original image pixels
type Detection struct {
	Box        Box
	ClassID    int
	Label      string
	Confidence float32
}

// Landmarks represents 5 facial landmark points
type Landmarks struct {
	LeftEye    image.Point // index 0
	RightEye   image.Point // index 1
	Nose       image.Point // index 2
	LeftMouth  image.Point // index 3
	RightMouth image.Point // index 4
}

// AsSlice returns the points in model output order
func (l Landmarks) AsSlice() []image.Point {
	return []image.Point{l.LeftEye, l.RightEye, l.Nose, l.LeftMouth, l.RightMouth}
}

func (l *Landmarks) set(i int, p image.Point) {
	switch i {
	case 0:
		l.LeftEye = p
	case 1:
		l.RightEye = p
	case 2:
		l.Nose = p
	case 3:
		l.LeftMouth = p
	case 4:
		l.RightMouth = p
	}
}

// Face represents a detected face
type Face struct {
	Detection
	Landmarks Landmarks
}

// EmbeddingSize is the length of a face embedding
const EmbeddingSize = 128

// Embedding is an L2 normalised face feature vector
type Embedding [EmbeddingSize]float32
