package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/dudu/edgeguard/internal/detector"
	"github.com/dudu/edgeguard/internal/inference"
	"github.com/dudu/edgeguard/internal/inference/inferencetest"
)

const (
	securityModel = 64
	securityDFL   = 4
)

var securityLabels = detector.NewLabels([]string{"person", "car"})

// yoloOutputs returns three float branches (strides 8, 16, 32) of a 64×64
// model with one object of class cls at cell (2, 3) of the first branch,
// or nothing when cls is negative
func yoloOutputs(cls int) []inference.RawTensor {
	classes := securityLabels.Len()
	var outs []inference.RawTensor
	for b, grid := range []int{8, 4, 2} {
		n := grid * grid
		box := make([]float32, 4*securityDFL*n)
		score := make([]float32, classes*n)
		if b == 0 && cls >= 0 {
			off := 2*grid + 3
			score[off+cls*n] = 0.9
			for side := 0; side < 4; side++ {
				box[off+(side*securityDFL+2)*n] = 20
			}
		}
		g := int64(grid)
		outs = append(outs,
			inferencetest.Floats("box", []int64{1, 4 * securityDFL, g, g}, box),
			inferencetest.Floats("score", []int64{1, int64(classes), g, g}, score),
		)
	}
	return outs
}

func newSecurityPool(t *testing.T, acc *inferencetest.Accelerator, clock func() time.Time) *SecurityPool {
	t.Helper()
	pool, err := NewSecurityPool(SecurityConfig{
		ModelPath:     modelFile(t),
		Instances:     2,
		QueueCapacity: 8,
		Clock:         clock,
	}, SecurityDeps{
		Accel:  acc,
		Labels: securityLabels,
		Log:    quietLog(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestSecurityPoolPersonPresent(t *testing.T) {
	tests := []struct {
		name    string
		cls     int
		objects int
		person  bool
	}{
		{"person", 0, 1, true},
		{"car only", 1, 1, false},
		{"empty scene", -1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := inferencetest.NewAccelerator(securityModel, securityModel, yoloOutputs(tt.cls)...)
			pool := newSecurityPool(t, acc, nil)

			if _, err := pool.Submit(grayFrame(securityModel, securityModel, 0)); err != nil {
				t.Fatal(err)
			}
			res := takeWithin(t, pool.TakeResult, 5*time.Second)

			if len(res.Objects) != tt.objects {
				t.Fatalf("got %d objects, want %d", len(res.Objects), tt.objects)
			}
			if res.PersonPresent != tt.person || pool.PersonPresent() != tt.person {
				t.Errorf("person = %v/%v, want %v", res.PersonPresent, pool.PersonPresent(), tt.person)
			}
			if tt.objects > 0 && res.Objects[0].Label != securityLabels.Name(tt.cls) {
				t.Errorf("label = %q", res.Objects[0].Label)
			}
		})
	}
}

func TestSecurityPoolBurnsTimestamp(t *testing.T) {
	acc := inferencetest.NewAccelerator(securityModel, securityModel, yoloOutputs(-1)...)
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pool := newSecurityPool(t, acc, func() time.Time { return stamp })

	frame := grayFrame(securityModel, securityModel, 0)
	pool.Submit(frame)
	res := takeWithin(t, pool.TakeResult, 5*time.Second)

	changed := 0
	for i := range res.Frame.Data {
		if res.Frame.Data[i] != frame.Data[i] {
			changed++
		}
	}
	if changed == 0 {
		t.Error("no overlay drawn on the frame")
	}
}

func TestSecurityPoolPeek(t *testing.T) {
	acc := inferencetest.NewAccelerator(securityModel, securityModel, yoloOutputs(0)...)
	pool := newSecurityPool(t, acc, nil)

	if _, ok := pool.PeekResult(); ok {
		t.Fatal("peek on an idle pool returned a result")
	}
	pool.Submit(grayFrame(securityModel, securityModel, 3))

	deadline := time.Now().Add(5 * time.Second)
	for pool.PendingResults() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no result queued")
		}
		time.Sleep(time.Millisecond)
	}

	peeked, ok := pool.PeekResult()
	if !ok || peeked.Frame.Seq != 3 {
		t.Fatalf("peek = seq %d/%v", peeked.Frame.Seq, ok)
	}
	if pool.PendingResults() != 1 {
		t.Errorf("peek removed the result")
	}
	if n := pool.ClearResults(); n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}
	if _, ok := pool.TryTakeResult(); ok {
		t.Error("result left after clear")
	}
}

func TestSecurityPoolInitFailure(t *testing.T) {
	acc := inferencetest.NewAccelerator(securityModel, securityModel, yoloOutputs(-1)...)
	acc.LoadErr = errors.New("bad blob")

	_, err := NewSecurityPool(SecurityConfig{ModelPath: modelFile(t), Instances: 2}, SecurityDeps{
		Accel:  acc,
		Labels: securityLabels,
		Log:    quietLog(),
	})
	if !errors.Is(err, ErrPoolInit) {
		t.Fatalf("err = %v, want ErrPoolInit", err)
	}

	_, err = NewSecurityPool(SecurityConfig{ModelPath: modelFile(t)}, SecurityDeps{
		Accel: inferencetest.NewAccelerator(securityModel, securityModel),
		Log:   quietLog(),
	})
	if !errors.Is(err, ErrPoolInit) {
		t.Errorf("missing labels: err = %v, want ErrPoolInit", err)
	}
}
