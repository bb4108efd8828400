package ui

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"github.com/dudu/edgeguard/internal/detector"
)

var (
	ColorMatched = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	ColorFace    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	ColorObject  = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	ColorText    = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

const (
	cornerLength    = 60
	cornerThickness = 5

	// TimestampLayout is the clock burned into security frames
	TimestampLayout = "2006-01-02 15:04:05"
)

// DrawFaceBox draws corner brackets around a face, green when the face
// matched an enrolled embedding
func DrawFaceBox(img *gocv.Mat, box detector.Box, matched bool) {
	c := ColorFace
	if matched {
		c = ColorMatched
	}

	lx := min(cornerLength, box.Width()/2)
	ly := min(cornerLength, box.Height()/2)
	l, t, r, b := box.Left, box.Top, box.Right, box.Bottom

	// top left
	gocv.Line(img, image.Pt(l, t), image.Pt(l+lx, t), c, cornerThickness)
	gocv.Line(img, image.Pt(l, t), image.Pt(l, t+ly), c, cornerThickness)
	// top right
	gocv.Line(img, image.Pt(r, t), image.Pt(r-lx, t), c, cornerThickness)
	gocv.Line(img, image.Pt(r, t), image.Pt(r, t+ly), c, cornerThickness)
	// bottom left
	gocv.Line(img, image.Pt(l, b), image.Pt(l+lx, b), c, cornerThickness)
	gocv.Line(img, image.Pt(l, b), image.Pt(l, b-ly), c, cornerThickness)
	// bottom right
	gocv.Line(img, image.Pt(r, b), image.Pt(r-lx, b), c, cornerThickness)
	gocv.Line(img, image.Pt(r, b), image.Pt(r, b-ly), c, cornerThickness)
}

// DrawFaces draws every face with the same match state
func DrawFaces(img *gocv.Mat, faces []detector.Face, matched bool) {
	for _, f := range faces {
		DrawFaceBox(img, f.Box, matched)
	}
}

// DrawObjects draws a box and a filled label tag for every detection
func DrawObjects(img *gocv.Mat, dets []detector.Detection) {
	for _, d := range dets {
		gocv.Rectangle(img, d.Box.Rect(), ColorObject, 2)

		text := fmt.Sprintf("%s %.1f%%", d.Label, d.Confidence*100)
		size := gocv.GetTextSize(text, gocv.FontHersheySimplex, 0.5, 1)

		// keep the tag inside the frame for boxes touching the top edge
		top := d.Box.Top - size.Y - 6
		if top < 0 {
			top = d.Box.Top
		}
		tag := image.Rect(d.Box.Left, top, d.Box.Left+size.X+4, top+size.Y+6)
		gocv.Rectangle(img, tag, ColorObject, -1)
		gocv.PutText(img, text, image.Pt(tag.Min.X+2, tag.Max.Y-4),
			gocv.FontHersheySimplex, 0.5, ColorText, 1)
	}
}

// DrawTimestamp burns the wall clock into the top left corner
func DrawTimestamp(img *gocv.Mat, t time.Time) {
	gocv.PutText(img, t.Format(TimestampLayout), image.Pt(10, 30),
		gocv.FontHersheySimplex, 0.8, ColorFace, 2)
}
