package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dudu/edgeguard/internal/camera"
	"github.com/dudu/edgeguard/internal/detector"
	"github.com/dudu/edgeguard/internal/inference"
	"github.com/dudu/edgeguard/internal/ui"
)

// PersonClass is the class id the security pool raises PersonPresent for
const PersonClass = 0

// SecurityConfig holds security pool configuration
type SecurityConfig struct {
	ModelPath     string
	Instances     int
	QueueCapacity int
	Detector      detector.YOLOParams
	// Clock stamps frames, time.Now when nil
	Clock func() time.Time
}

// SecurityDeps are the collaborators of a security pool
type SecurityDeps struct {
	Accel  inference.Accelerator
	Cores  *inference.CoreAllocator
	Labels *detector.Labels
	Log    logrus.FieldLogger
}

// SecurityPool runs object detection on camera frames and burns boxes,
// labels and a timestamp into them
type SecurityPool struct {
	*pool

	instances []*inference.Instance
	yolo      *detector.YOLO
	clock     func() time.Time

	person atomic.Bool
}

// NewSecurityPool loads every detector instance and starts the workers
func NewSecurityPool(cfg SecurityConfig, deps SecurityDeps) (*SecurityPool, error) {
	if cfg.Instances <= 0 {
		cfg.Instances = DefaultInstances
	}
	if cfg.Detector == (detector.YOLOParams{}) {
		cfg.Detector = detector.DefaultYOLOParams()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if deps.Cores == nil {
		deps.Cores = inference.NewCoreAllocator(inference.DefaultCoreCount)
	}

	p := newPool("security-pool", cfg.Instances, cfg.QueueCapacity, deps.Log)
	sp := &SecurityPool{pool: p, clock: cfg.Clock}

	if deps.Accel == nil {
		return nil, p.fail(errors.New("missing accelerator"))
	}
	if deps.Labels.Len() == 0 {
		return nil, p.fail(errors.New("no class labels"))
	}

	instances, err := inference.LoadInstances(deps.Accel, cfg.ModelPath, cfg.Instances, deps.Cores, p.log)
	if err != nil {
		return nil, p.fail(err)
	}
	p.closers = append(p.closers, func() error { return inference.CloseAll(instances) })
	sp.instances = instances

	if in := instances[0]; in.Width() != in.Height() {
		return nil, p.fail(fmt.Errorf("model must be square, got %dx%d", in.Width(), in.Height()))
	}

	sp.yolo = detector.NewYOLO(cfg.Detector, deps.Labels, p.log)
	p.start(sp.process)
	return sp, nil
}

// Submit schedules a frame for object detection. The pool takes ownership
// of the frame buffer.
func (s *SecurityPool) Submit(frame camera.Frame) (uuid.UUID, error) {
	return s.submit(frame, false)
}

// PersonPresent reports whether the most recently finished frame contained
// a person
func (s *SecurityPool) PersonPresent() bool {
	return s.person.Load()
}

func (s *SecurityPool) process(_ context.Context, task Task) (Result, error) {
	var res Result

	start := time.Now()
	img, err := bgrMat(task.Frame)
	if err != nil {
		return res, err
	}
	defer img.Close()

	inst := s.instances[task.Instance]
	input, lb, err := modelInput(img, inst.Width())
	if err != nil {
		return res, err
	}
	res.Timing.Preprocess = time.Since(start)

	start = time.Now()
	var objects []detector.Detection
	err = inst.Run(input, func(out *inference.Outputs) error {
		var err error
		objects, err = s.yolo.Decode(out.Tensors, inst.Height(), lb)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("object detection: %w", err)
	}
	res.Timing.Inference = time.Since(start)
	res.Objects = objects

	for _, o := range objects {
		if o.ClassID == PersonClass {
			res.PersonPresent = true
			break
		}
	}
	s.person.Store(res.PersonPresent)

	ui.DrawObjects(&img, objects)
	ui.DrawTimestamp(&img, s.clock())

	frame, err := camera.FrameFromMat(img, camera.BGR)
	if err != nil {
		return res, err
	}
	frame.Seq = task.Frame.Seq
	frame.Captured = task.Frame.Captured

	res.Kind = KindFrame
	res.Frame = frame
	return res, nil
}
