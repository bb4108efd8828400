package pipeline

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dudu/edgeguard/internal/camera"
	"github.com/dudu/edgeguard/internal/detector"
	"github.com/dudu/edgeguard/internal/inference"
	"github.com/dudu/edgeguard/internal/inference/inferencetest"
)

const (
	faceModel    = 320
	encoderModel = 160
	retinaPriors = 4200

	// 256px anchor at cell (5, 5) of the stride 32 map, decodes to
	// (48, 48)-(304, 304) on a 320×320 frame
	centerPrior = 4000 + 55*2
)

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func modelFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(p, []byte("blob"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func grayFrame(w, h int, seq uint64) camera.Frame {
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = 128
	}
	return camera.Frame{Data: data, Width: w, Height: h, Order: camera.BGR, Seq: seq, Captured: time.Now()}
}

// retinaOutputs returns detector outputs with one face on centerPrior, or
// none
func retinaOutputs(withFace bool) []inference.RawTensor {
	loc := make([]float32, retinaPriors*4)
	conf := make([]float32, retinaPriors*2)
	landms := make([]float32, retinaPriors*10)
	for i := 0; i < retinaPriors; i++ {
		conf[i*2] = 1
	}
	if withFace {
		conf[centerPrior*2] = 0.1
		conf[centerPrior*2+1] = 0.9
	}
	return []inference.RawTensor{
		inferencetest.Floats("loc", []int64{1, retinaPriors, 4}, loc),
		inferencetest.Floats("conf", []int64{1, retinaPriors, 2}, conf),
		inferencetest.Floats("landms", []int64{1, retinaPriors, 10}, landms),
	}
}

// embeddingOutput is an unnormalised embedding pointing along axis
func embeddingOutput(axis int) inference.RawTensor {
	data := make([]float32, detector.EmbeddingSize)
	data[axis] = 3
	return inferencetest.Floats("embedding", []int64{1, detector.EmbeddingSize}, data)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []bool
}

func (r *recordingNotifier) ShowMatch(matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, matched)
}

func (r *recordingNotifier) Calls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.calls...)
}

// takeWithin fails the test when no result arrives in time
func takeWithin(t *testing.T, take func() (Result, error), d time.Duration) Result {
	t.Helper()
	type out struct {
		res Result
		err error
	}
	ch := make(chan out, 1)
	go func() {
		r, err := take()
		ch <- out{r, err}
	}()
	select {
	case o := <-ch:
		if o.err != nil {
			t.Fatalf("take: %v", o.err)
		}
		return o.res
	case <-time.After(d):
		t.Fatal("timed out waiting for a result")
	}
	return Result{}
}
