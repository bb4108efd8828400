package inference_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dudu/edgeguard/internal/inference"
	"github.com/dudu/edgeguard/internal/inference/inferencetest"
)

func writeBlob(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, []byte("blob"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	return log
}

func TestLoadInstancesBindsCoresRoundRobin(t *testing.T) {
	acc := inferencetest.NewAccelerator(4, 4, inferencetest.Floats("out", []int64{1, 2}, []float32{1, 2}))
	cores := inference.NewCoreAllocator(3)

	instances, err := inference.LoadInstances(acc, writeBlob(t), 5, cores, quietLogger())
	if err != nil {
		t.Fatalf("LoadInstances: %v", err)
	}
	defer inference.CloseAll(instances)

	want := []int{0, 1, 2, 0, 1}
	for i, inst := range instances {
		if inst.ID() != i {
			t.Errorf("instance %d: id = %d", i, inst.ID())
		}
		if inst.Core() != want[i] {
			t.Errorf("instance %d: core = %d, want %d", i, inst.Core(), want[i])
		}
	}

	// the allocator keeps rotating for the next model
	if next := cores.Next(); next != 2 {
		t.Errorf("next core = %d, want 2", next)
	}
}

func TestLoadInstancesMissingFile(t *testing.T) {
	acc := inferencetest.NewAccelerator(4, 4)
	_, err := inference.LoadInstances(acc, filepath.Join(t.TempDir(), "missing.onnx"), 2, nil, quietLogger())
	if !errors.Is(err, inference.ErrModelLoad) {
		t.Fatalf("err = %v, want ErrModelLoad", err)
	}
}

func TestLoadInstancesDuplicateFailureClosesAll(t *testing.T) {
	acc := inferencetest.NewAccelerator(4, 4)
	acc.DuplicateErr = errors.New("no context")
	acc.FailDuplicateAt = 2

	instances, err := inference.LoadInstances(acc, writeBlob(t), 3, nil, quietLogger())
	if !errors.Is(err, inference.ErrModelLoad) {
		t.Fatalf("err = %v, want ErrModelLoad", err)
	}
	if instances != nil {
		t.Fatalf("got %d instances, want none", len(instances))
	}
	if got := acc.Closed(); got != 2 {
		t.Errorf("closed contexts = %d, want 2", got)
	}
}

func TestInstanceGeometry(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int64
		w, h, c int
	}{
		{"nhwc", []int64{1, 320, 640, 3}, 640, 320, 3},
		{"nchw", []int64{1, 3, 640, 640}, 640, 640, 3},
		{"gray nchw", []int64{1, 1, 112, 96}, 96, 112, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := inferencetest.NewAccelerator(1, 1)
			acc.Input.Shape = tt.shape
			instances, err := inference.LoadInstances(acc, writeBlob(t), 1, nil, quietLogger())
			if err != nil {
				t.Fatal(err)
			}
			inst := instances[0]
			if inst.Width() != tt.w || inst.Height() != tt.h || inst.Channels() != tt.c {
				t.Errorf("geometry = %dx%dx%d, want %dx%dx%d",
					inst.Width(), inst.Height(), inst.Channels(), tt.w, tt.h, tt.c)
			}
		})
	}
}

func TestInferRejectsWrongInputSize(t *testing.T) {
	acc := inferencetest.NewAccelerator(4, 4)
	instances, err := inference.LoadInstances(acc, writeBlob(t), 1, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = instances[0].Infer(make([]byte, 10))
	if !errors.Is(err, inference.ErrInference) {
		t.Fatalf("err = %v, want ErrInference", err)
	}
	if acc.Runs() != 0 {
		t.Errorf("runs = %d, want 0", acc.Runs())
	}
}

func TestInferRunFailure(t *testing.T) {
	acc := inferencetest.NewAccelerator(2, 2)
	acc.Respond = func([]byte) ([]inference.RawTensor, error) {
		return nil, errors.New("npu timeout")
	}
	instances, err := inference.LoadInstances(acc, writeBlob(t), 1, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	inst := instances[0]

	if _, err := inst.Infer(make([]byte, 12)); !errors.Is(err, inference.ErrInference) {
		t.Fatalf("err = %v, want ErrInference", err)
	}

	// the output lock must not stay held after a failed run
	acc.Respond = nil
	outs, err := inst.Infer(make([]byte, 12))
	if err != nil {
		t.Fatalf("second infer: %v", err)
	}
	outs.Release()
}

func TestOutputsReleaseUnlocksInstance(t *testing.T) {
	acc := inferencetest.NewAccelerator(2, 2, inferencetest.Floats("out", []int64{1, 1}, []float32{7}))
	instances, err := inference.LoadInstances(acc, writeBlob(t), 1, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	inst := instances[0]
	input := make([]byte, 12)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := inst.Run(input, func(o *inference.Outputs) error {
				if got := o.Tensors[0].At(0); got != 7 {
					t.Errorf("output = %v, want 7", got)
				}
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	outs, err := inst.Infer(input)
	if err != nil {
		t.Fatal(err)
	}
	if err := outs.Release(); err != nil {
		t.Fatal(err)
	}
	// second release is a no-op and must not unlock twice
	if err := outs.Release(); err != nil {
		t.Fatal(err)
	}
	if acc.Runs() != 9 {
		t.Errorf("runs = %d, want 9", acc.Runs())
	}
}

func TestRunReturnsDecodeError(t *testing.T) {
	acc := inferencetest.NewAccelerator(1, 1)
	instances, err := inference.LoadInstances(acc, writeBlob(t), 1, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("bad tensor")
	err = instances[0].Run(make([]byte, 3), func(*inference.Outputs) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	// released despite the decode error
	outs, err := instances[0].Infer(make([]byte, 3))
	if err != nil {
		t.Fatal(err)
	}
	outs.Release()
}

func TestRawTensorDequantize(t *testing.T) {
	tests := []struct {
		name string
		raw  inference.RawTensor
		want []float32
	}{
		{"float", inferencetest.Floats("f", []int64{3}, []float32{0.5, -1, 2}), []float32{0.5, -1, 2}},
		{"int8", inferencetest.Int8s("i", []int64{3}, -128, 0.5, []int8{-128, 0, 127}), []float32{0, 64, 127.5}},
		{"uint8", inferencetest.Uint8s("u", []int64{2}, 128, 0.25, []uint8{128, 132}), []float32{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.raw.Floats()
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCoreAllocatorConcurrent(t *testing.T) {
	cores := inference.NewCoreAllocator(3)
	counts := make([]int, 3)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := cores.Next()
			mu.Lock()
			counts[c]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	for core, n := range counts {
		if n != 100 {
			t.Errorf("core %d used %d times, want 100", core, n)
		}
	}
}

func TestRunProceedsWhileOutputsHeld(t *testing.T) {
	acc := inferencetest.NewAccelerator(2, 2, inferencetest.Floats("out", []int64{1, 1}, []float32{1}))
	instances, err := inference.LoadInstances(acc, writeBlob(t), 1, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	inst := instances[0]
	input := make([]byte, 12)

	first, err := inst.Infer(input)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		second, err := inst.Infer(input)
		if err == nil {
			err = second.Release()
		}
		done <- err
	}()

	// the second run reaches the accelerator while the first outputs are held
	deadline := time.After(time.Second)
	for acc.Runs() < 2 {
		select {
		case <-deadline:
			first.Release()
			t.Fatal("second run blocked behind the held outputs")
		case <-time.After(time.Millisecond):
		}
	}

	// getting its outputs waits for the release
	select {
	case err := <-done:
		t.Fatalf("second infer returned before the first outputs were released: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := first.Release(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("second infer still blocked after release")
	}
	if acc.Held() != 0 {
		t.Errorf("held results = %d, want 0", acc.Held())
	}
}

func TestRunReleasesResults(t *testing.T) {
	acc := inferencetest.NewAccelerator(1, 1)
	instances, err := inference.LoadInstances(acc, writeBlob(t), 1, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	err = instances[0].Run(make([]byte, 3), func(*inference.Outputs) error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if acc.Held() != 0 {
		t.Errorf("held results = %d after Run, want 0", acc.Held())
	}
}
