package detector

import (
	"errors"
	"testing"

	"github.com/dudu/edgeguard/internal/inference"
	"github.com/dudu/edgeguard/internal/inference/inferencetest"
)

func TestPriorBoxes(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{320, 4200},
		{640, 16800},
	}
	for _, tt := range tests {
		priors, err := priorBoxes(tt.size)
		if err != nil {
			t.Fatal(err)
		}
		if len(priors) != tt.want {
			t.Errorf("size %d: %d priors, want %d", tt.size, len(priors), tt.want)
		}
		first := priors[0]
		if first != [4]float32{4 / float32(tt.size), 4 / float32(tt.size), 16 / float32(tt.size), 16 / float32(tt.size)} {
			t.Errorf("size %d: first prior %v", tt.size, first)
		}
	}

	if _, err := priorBoxes(416); !errors.Is(err, ErrUnsupportedInput) {
		t.Errorf("size 416: err = %v, want ErrUnsupportedInput", err)
	}
}

// retinaOutputs builds float outputs for a 320 model with the given
// per-prior face scores; locations and landmarks are zero so every face
// sits exactly on its prior
func retinaOutputs(scores map[int]float32) []inference.RawTensor {
	const n = 4200
	loc := make([]float32, n*4)
	conf := make([]float32, n*2)
	landms := make([]float32, n*10)
	for i, s := range scores {
		conf[i*2] = 1 - s
		conf[i*2+1] = s
	}
	return []inference.RawTensor{
		inferencetest.Floats("loc", []int64{1, n, 4}, loc),
		inferencetest.Floats("conf", []int64{1, n, 2}, conf),
		inferencetest.Floats("landms", []int64{1, n, 10}, landms),
	}
}

// prior index of the 256px anchor at cell (i, j) of the stride 32 map
func coarsePrior(i, j int) int {
	return 3200 + 800 + (i*10+j)*2
}

func TestRetinaFaceDecode(t *testing.T) {
	r, err := NewRetinaFace(DefaultRetinaFaceParams(), 320, nil)
	if err != nil {
		t.Fatal(err)
	}
	lb, _ := NewLetterbox(320, 320, 320)

	outs := retinaOutputs(map[int]float32{
		coarsePrior(5, 5): 0.9,
		// neighbour overlapping the best face by IoU ~0.78
		coarsePrior(5, 6): 0.8,
		// far corner, kept
		coarsePrior(0, 0): 0.7,
		// below the confidence threshold
		coarsePrior(9, 9): 0.45,
	})

	faces, err := r.Decode(outs, lb)
	if err != nil {
		t.Fatal(err)
	}
	if len(faces) != 2 {
		t.Fatalf("got %d faces, want 2: %+v", len(faces), faces)
	}
	if faces[0].Confidence != 0.9 || faces[1].Confidence != 0.7 {
		t.Errorf("confidences = %v, %v", faces[0].Confidence, faces[1].Confidence)
	}

	// prior (5,5): center 176, size 256
	want := Box{Left: 48, Top: 48, Right: 304, Bottom: 304}
	if !boxNear(faces[0].Box, want, 1) {
		t.Errorf("box = %+v, want %+v", faces[0].Box, want)
	}
	for i, p := range faces[0].Landmarks.AsSlice() {
		if abs(p.X-176) > 1 || abs(p.Y-176) > 1 {
			t.Errorf("landmark %d = %v, want (176,176)", i, p)
		}
	}

	// the corner face is clamped to the frame
	if faces[1].Box.Left != 0 || faces[1].Box.Top != 0 {
		t.Errorf("corner box = %+v", faces[1].Box)
	}
}

func TestRetinaFaceMapsThroughLetterbox(t *testing.T) {
	r, _ := NewRetinaFace(DefaultRetinaFaceParams(), 320, nil)
	lb, _ := NewLetterbox(1280, 720, 320)

	faces, err := r.Decode(retinaOutputs(map[int]float32{coarsePrior(5, 5): 0.95}), lb)
	if err != nil {
		t.Fatal(err)
	}
	if len(faces) != 1 {
		t.Fatalf("got %d faces", len(faces))
	}
	// x: 48/0.25, y: (48-70) clamps to 0, (304-70)/0.25
	want := Box{Left: 192, Top: 0, Right: 1216, Bottom: 936}
	if !boxNear(faces[0].Box, want, 4) {
		t.Errorf("box = %+v, want %+v", faces[0].Box, want)
	}
}

func TestRetinaFaceCap(t *testing.T) {
	params := DefaultRetinaFaceParams()
	params.MaxDetections = 2
	r, _ := NewRetinaFace(params, 320, nil)
	lb, _ := NewLetterbox(320, 320, 320)

	// the smallest anchors on the stride 8 map do not overlap
	scores := map[int]float32{}
	for k := 0; k < 5; k++ {
		scores[k*20] = 0.9 - float32(k)*0.01
	}
	faces, err := r.Decode(retinaOutputs(scores), lb)
	if err != nil {
		t.Fatal(err)
	}
	if len(faces) != 2 {
		t.Errorf("got %d faces, want 2", len(faces))
	}
}

func TestRetinaFaceEmpty(t *testing.T) {
	r, _ := NewRetinaFace(DefaultRetinaFaceParams(), 320, nil)
	lb, _ := NewLetterbox(320, 320, 320)

	faces, err := r.Decode(retinaOutputs(nil), lb)
	if err != nil {
		t.Fatal(err)
	}
	if len(faces) != 0 {
		t.Errorf("got %d faces, want none", len(faces))
	}
}

func TestRetinaFaceRejectsShortOutputs(t *testing.T) {
	r, _ := NewRetinaFace(DefaultRetinaFaceParams(), 640, nil)
	lb, _ := NewLetterbox(640, 640, 640)

	// tensors sized for 320
	if _, err := r.Decode(retinaOutputs(nil), lb); !errors.Is(err, ErrUnsupportedInput) {
		t.Errorf("err = %v, want ErrUnsupportedInput", err)
	}
	if _, err := r.Decode(retinaOutputs(nil)[:2], lb); !errors.Is(err, ErrUnsupportedInput) {
		t.Errorf("err = %v, want ErrUnsupportedInput", err)
	}
}

func boxNear(got, want Box, tol int) bool {
	return abs(got.Left-want.Left) <= tol && abs(got.Top-want.Top) <= tol &&
		abs(got.Right-want.Right) <= tol && abs(got.Bottom-want.Bottom) <= tol
}
