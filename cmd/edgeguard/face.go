package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dudu/edgeguard/internal/camera"
	"github.com/dudu/edgeguard/internal/detector"
	"github.com/dudu/edgeguard/internal/inference"
	"github.com/dudu/edgeguard/internal/pipeline"
	"github.com/dudu/edgeguard/internal/recognition"
	"github.com/dudu/edgeguard/internal/store"
	"github.com/dudu/edgeguard/internal/ui"
)

var faceOpts struct {
	source    sourceOptions
	preview   bool
	recognize bool
	enroll    bool
	reset     bool
}

var faceCmd = &cobra.Command{
	Use:   "face",
	Short: "Run face detection, enrollment and recognition",
	Long: `Detects faces on every frame and, when recognition is on, matches the most
confident face against the enrolled embeddings.

Preview keys: e enrolls the next frame, r toggles recognition, q quits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFace(cmd.Context())
	},
}

func init() {
	f := faceCmd.Flags()
	f.IntVarP(&faceOpts.source.camera, "camera", "c", 0, "Camera device index (default from EDGEGUARD_CAMERA)")
	f.StringVarP(&faceOpts.source.image, "image", "i", "", "Run on a still image instead of the camera")
	f.IntVarP(&faceOpts.source.frames, "frames", "n", 0, "Frames to read from --image (0 = forever)")
	f.DurationVar(&faceOpts.source.delay, "delay", 33*time.Millisecond, "Pause between --image frames")
	f.BoolVarP(&faceOpts.preview, "preview", "p", true, "Show preview window")
	f.BoolVarP(&faceOpts.recognize, "recognize", "r", false, "Start with recognition enabled")
	f.BoolVar(&faceOpts.enroll, "enroll", false, "Enroll the face of the first frame")
	f.BoolVar(&faceOpts.reset, "reset", false, "Delete every enrolled face before starting")
	rootCmd.AddCommand(faceCmd)
}

func runFace(ctx context.Context) error {
	if err := initRuntime(); err != nil {
		return err
	}
	if !faceCmd.Flags().Changed("camera") {
		faceOpts.source.camera = cfg.CameraIndex
	}

	db, err := store.Open(cfg.RegistryPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if faceOpts.reset {
		if err := db.Reset(ctx); err != nil {
			return err
		}
		log.Info("enrolled faces deleted")
	}

	registry := recognition.NewRegistry(float32(cfg.MatchThreshold), db, log)
	if _, err := registry.Load(ctx); err != nil {
		return err
	}

	accel := newAccelerator()
	pool, err := pipeline.NewFacePool(pipeline.FaceConfig{
		DetectorPath:   cfg.RetinaFaceModelPath,
		EncoderPath:    cfg.FaceNetModelPath,
		Instances:      cfg.FacePoolSize,
		QueueCapacity:  cfg.QueueCapacity,
		Detector:       detector.DefaultRetinaFaceParams(),
		NotifyInterval: cfg.NotifyInterval,
	}, pipeline.FaceDeps{
		DetectorAccel: accel,
		EncoderAccel:  accel,
		Cores:         inference.NewCoreAllocator(cfg.CoreCount),
		Registry:      registry,
		Notifier:      pipeline.LogNotifier{Log: log.WithField("component", "status")},
		Log:           log,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	pool.SetRecognitionEnabled(faceOpts.recognize)

	src, err := openSource(faceOpts.source)
	if err != nil {
		return err
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var enroll atomic.Bool
	enroll.Store(faceOpts.enroll)
	go feed(ctx, src, pool, func(f camera.Frame) error {
		if enroll.Swap(false) {
			_, err := pool.SubmitEnroll(f)
			return err
		}
		_, err := pool.Submit(f)
		return err
	})

	var window *ui.Window
	if faceOpts.preview {
		window = ui.NewWindow("EdgeGuard - Face", cfg.CameraWidth, cfg.CameraHeight)
		defer window.Close()
	}

	log.Info("running, press q to quit")
	for {
		res, err := pool.TakeResult()
		if errors.Is(err, pipeline.ErrPoolClosed) {
			logStats("face", pool.Stats())
			return nil
		}
		if err != nil {
			return err
		}

		switch res.Kind {
		case pipeline.KindEnrollment:
			log.WithFields(logrus.Fields{
				"enrolled": res.Enrolled,
				"count":    res.EnrolledCount,
			}).Info("enrollment finished")
			continue
		case pipeline.KindFrame:
			log.WithFields(logrus.Fields{
				"seq":      res.Frame.Seq,
				"faces":    len(res.Faces),
				"matched":  res.Matched,
				"instance": res.Instance,
				"total":    res.Timing.Total,
			}).Debug("frame")
		}

		if window == nil {
			continue
		}
		status := fmt.Sprintf("REC:%s  faces:%d", onOff(pool.RecognitionEnabled()), pool.EnrolledCount())
		if err := window.ShowFrame(res.Frame, status); err != nil {
			log.WithError(err).Warn("failed to show frame")
		}
		switch key := window.WaitKey(1); {
		case isQuit(key):
			cancel()
		case key == 'e':
			enroll.Store(true)
		case key == 'r':
			pool.SetRecognitionEnabled(!pool.RecognitionEnabled())
		}
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
