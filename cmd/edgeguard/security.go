package main

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dudu/edgeguard/internal/camera"
	"github.com/dudu/edgeguard/internal/detector"
	"github.com/dudu/edgeguard/internal/inference"
	"github.com/dudu/edgeguard/internal/pipeline"
	"github.com/dudu/edgeguard/internal/ui"
)

var securityOpts struct {
	source  sourceOptions
	preview bool
}

var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Run object detection with timestamped frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSecurity(cmd.Context())
	},
}

func init() {
	f := securityCmd.Flags()
	f.IntVarP(&securityOpts.source.camera, "camera", "c", 0, "Camera device index (default from EDGEGUARD_CAMERA)")
	f.StringVarP(&securityOpts.source.image, "image", "i", "", "Run on a still image instead of the camera")
	f.IntVarP(&securityOpts.source.frames, "frames", "n", 0, "Frames to read from --image (0 = forever)")
	f.DurationVar(&securityOpts.source.delay, "delay", 33*time.Millisecond, "Pause between --image frames")
	f.BoolVarP(&securityOpts.preview, "preview", "p", true, "Show preview window")
	rootCmd.AddCommand(securityCmd)
}

func runSecurity(ctx context.Context) error {
	if err := initRuntime(); err != nil {
		return err
	}
	if !securityCmd.Flags().Changed("camera") {
		securityOpts.source.camera = cfg.CameraIndex
	}

	labels, err := detector.LoadLabels(cfg.YOLOLabelPath, detector.MaxClasses)
	if err != nil {
		return err
	}

	pool, err := pipeline.NewSecurityPool(pipeline.SecurityConfig{
		ModelPath:     cfg.YOLOModelPath,
		Instances:     cfg.SecurityPoolSize,
		QueueCapacity: cfg.QueueCapacity,
		Detector:      detector.DefaultYOLOParams(),
	}, pipeline.SecurityDeps{
		Accel:  newAccelerator(),
		Cores:  inference.NewCoreAllocator(cfg.CoreCount),
		Labels: labels,
		Log:    log,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	src, err := openSource(securityOpts.source)
	if err != nil {
		return err
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go feed(ctx, src, pool, func(f camera.Frame) error {
		_, err := pool.Submit(f)
		return err
	})

	var window *ui.Window
	if securityOpts.preview {
		window = ui.NewWindow("EdgeGuard - Security", cfg.CameraWidth, cfg.CameraHeight)
		defer window.Close()
	}

	log.Info("running, press q to quit")
	person := false
	for {
		res, err := pool.TakeResult()
		if errors.Is(err, pipeline.ErrPoolClosed) {
			logStats("security", pool.Stats())
			return nil
		}
		if err != nil {
			return err
		}

		if res.PersonPresent != person {
			person = res.PersonPresent
			log.WithField("seq", res.Frame.Seq).WithField("person", person).Info("person presence changed")
		}
		log.WithFields(logrus.Fields{
			"seq":      res.Frame.Seq,
			"objects":  len(res.Objects),
			"instance": res.Instance,
			"total":    res.Timing.Total,
		}).Debug("frame")

		if window == nil {
			continue
		}
		status := ""
		if person {
			status = "PERSON"
		}
		if err := window.ShowFrame(res.Frame, status); err != nil {
			log.WithError(err).Warn("failed to show frame")
		}
		if isQuit(window.WaitKey(1)) {
			cancel()
		}
	}
}
