package camera

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"ok", Frame{Data: make([]byte, 4*2*3), Width: 4, Height: 2}, false},
		{"short buffer", Frame{Data: make([]byte, 10), Width: 4, Height: 2}, true},
		{"zero size", Frame{Width: 0, Height: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFrameMatRoundTrip(t *testing.T) {
	m := gocv.NewMatWithSize(3, 5, gocv.MatTypeCV8UC3)
	defer m.Close()
	m.SetTo(gocv.NewScalar(10, 20, 30, 0))

	f, err := FrameFromMat(m, BGR)
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 5 || f.Height != 3 || len(f.Data) != 45 {
		t.Fatalf("frame = %dx%d, %d bytes", f.Width, f.Height, len(f.Data))
	}
	if f.Data[0] != 10 || f.Data[1] != 20 || f.Data[2] != 30 {
		t.Errorf("first pixel = %v", f.Data[:3])
	}

	back, err := f.Mat()
	if err != nil {
		t.Fatal(err)
	}
	defer back.Close()

	// the copy must not alias the frame buffer
	f.Data[0] = 99
	if v := back.GetVecbAt(0, 0); v[0] != 10 {
		t.Errorf("mat pixel = %v, want 10", v)
	}
}

func TestFrameFromMatRejectsGray(t *testing.T) {
	m := gocv.NewMatWithSize(2, 2, gocv.MatTypeCV8UC1)
	defer m.Close()
	if _, err := FrameFromMat(m, BGR); err == nil {
		t.Error("gray mat accepted")
	}
}

func TestImageSource(t *testing.T) {
	m := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer m.Close()
	path := filepath.Join(t.TempDir(), "still.png")
	if !gocv.IMWrite(path, m) {
		t.Fatal("failed to write test image")
	}

	src, err := NewImageSource(path, 2, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for want := uint64(1); want <= 2; want++ {
		f, err := src.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if f.Seq != want || f.Width != 8 {
			t.Errorf("frame %d: seq %d width %d", want, f.Seq, f.Width)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("err = %v, want ErrSourceClosed", err)
	}
}
