package main

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dudu/edgeguard/internal/camera"
	"github.com/dudu/edgeguard/internal/pipeline"
)

// sourceOptions choose between a camera and a still image
type sourceOptions struct {
	camera int
	image  string
	frames int
	delay  time.Duration
}

func openSource(opts sourceOptions) (camera.Source, error) {
	if opts.image != "" {
		src, err := camera.NewImageSource(opts.image, opts.frames, opts.delay)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	cam, err := camera.NewCapture(opts.camera, cfg.CameraFPS, cfg.CameraWidth, cfg.CameraHeight)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"camera": opts.camera, "width": cam.Width(), "height": cam.Height()}).Info("camera opened")
	return cam, nil
}

// runningPool is what the feed loop needs from a face or security pool
type runningPool interface {
	InFlight() int
	Size() int
	Close() error
}

// feed reads frames from src and hands them to submit until ctx ends or the
// source runs dry. Frames are skipped while every worker already has a
// backlog. The pool is closed on return, which ends the consumer loop.
func feed(ctx context.Context, src camera.Source, p runningPool, submit func(camera.Frame) error) {
	defer p.Close()

	maxInFlight := 2 * p.Size()
	var skipped uint64
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, camera.ErrSourceClosed):
				waitIdle(ctx, p)
			case ctx.Err() == nil:
				log.WithError(err).Error("capture failed")
			}
			if skipped > 0 {
				log.WithField("skipped", skipped).Info("frames skipped under load")
			}
			return
		}

		if p.InFlight() >= maxInFlight {
			skipped++
			continue
		}
		if err := submit(frame); err != nil {
			if errors.Is(err, pipeline.ErrPoolClosed) {
				return
			}
			log.WithError(err).Warn("frame rejected")
		}
	}
}

// waitIdle blocks until every submitted task finished or ctx ends
func waitIdle(ctx context.Context, p runningPool) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for p.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func logStats(name string, s pipeline.Stats) {
	log.WithFields(logrus.Fields{
		"pool":        name,
		"submitted":   s.Submitted,
		"completed":   s.Completed,
		"dropped":     s.Dropped,
		"failed":      s.Failed,
		"queue_drops": s.QueueDrops,
	}).Info("pool statistics")
}

// isQuit reports the keys that close the preview: q or ESC
func isQuit(key int) bool {
	return key == 'q' || key == 27
}
