package main

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dudu/edgeguard/internal/camera"
	"github.com/dudu/edgeguard/internal/pipeline"
)

type countingSource struct {
	left int
}

func (s *countingSource) Next(ctx context.Context) (camera.Frame, error) {
	if s.left == 0 {
		return camera.Frame{}, camera.ErrSourceClosed
	}
	s.left--
	return camera.Frame{Width: 1, Height: 1, Data: make([]byte, 3)}, nil
}

func (s *countingSource) Close() error { return nil }

type fakePool struct {
	inFlight atomic.Int32
	closed   atomic.Bool
}

func (p *fakePool) InFlight() int { return int(p.inFlight.Load()) }
func (p *fakePool) Size() int     { return 2 }
func (p *fakePool) Close() error {
	p.closed.Store(true)
	return nil
}

func quietGlobalLog(t *testing.T) {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	log = l
}

func TestFeedSubmitsUntilSourceEnds(t *testing.T) {
	quietGlobalLog(t)
	p := &fakePool{}
	submitted := 0

	feed(context.Background(), &countingSource{left: 5}, p, func(camera.Frame) error {
		submitted++
		return nil
	})

	if submitted != 5 {
		t.Errorf("submitted %d frames, want 5", submitted)
	}
	if !p.closed.Load() {
		t.Error("pool not closed after the source ended")
	}
}

func TestFeedSkipsUnderLoad(t *testing.T) {
	quietGlobalLog(t)
	p := &fakePool{}
	submitted := 0

	// nothing ever finishes, so the final wait for idle ends on the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	feed(ctx, &countingSource{left: 10}, p, func(camera.Frame) error {
		submitted++
		// every submission stays in flight
		p.inFlight.Add(1)
		return nil
	})

	if submitted != 4 {
		t.Errorf("submitted %d frames, want 4 (twice the pool size)", submitted)
	}
}

func TestFeedStopsWhenPoolCloses(t *testing.T) {
	quietGlobalLog(t)
	p := &fakePool{}
	submitted := 0

	done := make(chan struct{})
	go func() {
		feed(context.Background(), &countingSource{left: -1}, p, func(camera.Frame) error {
			submitted++
			if submitted == 3 {
				return pipeline.ErrPoolClosed
			}
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feed kept running after the pool closed")
	}
	if submitted != 3 {
		t.Errorf("submitted %d, want 3", submitted)
	}
}

func TestIsQuit(t *testing.T) {
	for key, want := range map[int]bool{'q': true, 27: true, 'e': false, -1: false} {
		if isQuit(key) != want {
			t.Errorf("isQuit(%d) = %v", key, !want)
		}
	}
}
