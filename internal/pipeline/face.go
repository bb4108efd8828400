package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/dudu/edgeguard/internal/camera"
	"github.com/dudu/edgeguard/internal/detector"
	"github.com/dudu/edgeguard/internal/inference"
	"github.com/dudu/edgeguard/internal/ui"
)

// DefaultInstances is the number of model instances (and workers) per pool
const DefaultInstances = 10

// FaceConfig holds face pool configuration
type FaceConfig struct {
	DetectorPath   string
	EncoderPath    string
	Instances      int
	QueueCapacity  int
	Detector       detector.RetinaFaceParams
	NotifyInterval time.Duration
}

// FaceDeps are the collaborators of a face pool
type FaceDeps struct {
	DetectorAccel inference.Accelerator
	EncoderAccel  inference.Accelerator
	// Cores is shared with other pools; nil allocates a private one
	Cores    *inference.CoreAllocator
	Registry Matcher
	// Notifier is optional
	Notifier StatusNotifier
	Log      logrus.FieldLogger
}

// FacePool detects faces and, when enabled, recognises or enrolls the most
// confident one. Slot i owns detector i and encoder i.
type FacePool struct {
	*pool

	detectors []*inference.Instance
	encoders  []*inference.Instance
	retina    *detector.RetinaFace
	registry  Matcher
	notifier  *ThrottledNotifier

	recognition atomic.Bool
}

// NewFacePool loads every detector and encoder instance and starts the
// workers. Any load failure releases what was loaded and returns ErrPoolInit.
func NewFacePool(cfg FaceConfig, deps FaceDeps) (*FacePool, error) {
	if cfg.Instances <= 0 {
		cfg.Instances = DefaultInstances
	}
	if cfg.Detector == (detector.RetinaFaceParams{}) {
		cfg.Detector = detector.DefaultRetinaFaceParams()
	}
	if deps.Cores == nil {
		deps.Cores = inference.NewCoreAllocator(inference.DefaultCoreCount)
	}

	p := newPool("face-pool", cfg.Instances, cfg.QueueCapacity, deps.Log)
	fp := &FacePool{pool: p, registry: deps.Registry}

	if deps.DetectorAccel == nil || deps.EncoderAccel == nil {
		return nil, p.fail(errors.New("missing accelerator"))
	}
	if deps.Registry == nil {
		return nil, p.fail(errors.New("missing registry"))
	}

	detectors, err := inference.LoadInstances(deps.DetectorAccel, cfg.DetectorPath, cfg.Instances, deps.Cores, p.log)
	if err != nil {
		return nil, p.fail(err)
	}
	p.closers = append(p.closers, func() error { return inference.CloseAll(detectors) })
	fp.detectors = detectors

	encoders, err := inference.LoadInstances(deps.EncoderAccel, cfg.EncoderPath, cfg.Instances, deps.Cores, p.log)
	if err != nil {
		return nil, p.fail(err)
	}
	p.closers = append(p.closers, func() error { return inference.CloseAll(encoders) })
	fp.encoders = encoders

	det, enc := detectors[0], encoders[0]
	if det.Width() != det.Height() || enc.Width() != enc.Height() {
		return nil, p.fail(fmt.Errorf("models must be square, detector %dx%d encoder %dx%d",
			det.Width(), det.Height(), enc.Width(), enc.Height()))
	}

	fp.retina, err = detector.NewRetinaFace(cfg.Detector, det.Width(), p.log)
	if err != nil {
		return nil, p.fail(err)
	}

	if deps.Notifier != nil {
		fp.notifier = NewThrottledNotifier(deps.Notifier, cfg.NotifyInterval)
	}

	p.start(fp.process)
	return fp, nil
}

// Submit schedules a frame for detection and, when enabled, recognition.
// The pool takes ownership of the frame buffer.
func (f *FacePool) Submit(frame camera.Frame) (uuid.UUID, error) {
	return f.submit(frame, false)
}

// SubmitEnroll schedules a frame whose most confident face is added to the
// registry. It yields an enrollment result instead of an annotated frame.
func (f *FacePool) SubmitEnroll(frame camera.Frame) (uuid.UUID, error) {
	return f.submit(frame, true)
}

// SetRecognitionEnabled switches matching against the registry on or off
func (f *FacePool) SetRecognitionEnabled(on bool) {
	f.recognition.Store(on)
	f.log.WithField("enabled", on).Info("face recognition toggled")
}

// RecognitionEnabled reports whether frames are matched against the registry
func (f *FacePool) RecognitionEnabled() bool {
	return f.recognition.Load()
}

// EnrolledCount returns the number of registered embeddings
func (f *FacePool) EnrolledCount() int {
	return f.registry.Len()
}

// Close shuts the pool down and waits for pending status updates
func (f *FacePool) Close() error {
	err := f.pool.Close()
	if f.notifier != nil {
		f.notifier.Wait()
	}
	return err
}

func (f *FacePool) process(ctx context.Context, task Task) (Result, error) {
	var res Result

	start := time.Now()
	img, err := bgrMat(task.Frame)
	if err != nil {
		return res, err
	}
	defer img.Close()

	det := f.detectors[task.Instance]
	input, lb, err := modelInput(img, det.Width())
	if err != nil {
		return res, err
	}
	res.Timing.Preprocess = time.Since(start)

	start = time.Now()
	var faces []detector.Face
	err = det.Run(input, func(out *inference.Outputs) error {
		var err error
		faces, err = f.retina.Decode(out.Tensors, lb)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("face detection: %w", err)
	}
	res.Timing.Inference = time.Since(start)
	res.Faces = faces

	if task.Enroll {
		return f.enroll(ctx, task, img, res)
	}

	if len(faces) > 0 && f.recognition.Load() {
		start = time.Now()
		emb, ok, err := f.embed(task.Instance, img, faces[0].Box)
		if err != nil {
			return res, err
		}
		if ok {
			res.Matched, res.Distance = f.registry.Match(&emb)
			if f.notifier != nil {
				f.notifier.ShowMatch(res.Matched)
			}
		}
		res.Timing.Recognition = time.Since(start)
	}

	ui.DrawFaces(&img, faces, res.Matched)

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

func (f *FacePool) enroll(ctx context.Context, task Task, img gocv.Mat, res Result) (Result, error) {
	res.Kind = KindEnrollment
	entry := f.log.WithFields(logrus.Fields{"task": task.ID, "instance": task.Instance})

	if len(res.Faces) == 0 {
		res.EnrolledCount = f.registry.Len()
		entry.Info("enrollment skipped: no face in frame")
		return res, nil
	}

	start := time.Now()
	emb, ok, err := f.embed(task.Instance, img, res.Faces[0].Box)
	if err != nil {
		return res, err
	}
	res.Timing.Recognition = time.Since(start)
	if !ok {
		res.EnrolledCount = f.registry.Len()
		entry.Info("enrollment skipped: face outside frame")
		return res, nil
	}

	n, err := f.registry.Enroll(ctx, emb)
	if err != nil {
		entry.WithError(err).Warn("embedding enrolled in memory only")
	}
	res.Enrolled = true
	res.EnrolledCount = n
	entry.WithField("enrolled", n).Info("face enrolled")
	return res, nil
}

// embed crops box out of img and runs the slot's encoder on it. It reports
// false when the box does not overlap the image.
func (f *FacePool) embed(slot int, img gocv.Mat, box detector.Box) (detector.Embedding, bool, error) {
	var emb detector.Embedding

	r := box.Rect().Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	if r.Empty() {
		return emb, false, nil
	}
	crop := img.Region(r)
	defer crop.Close()

	enc := f.encoders[slot]
	input, _, err := modelInput(crop, enc.Width())
	if err != nil {
		return emb, false, err
	}

	err = enc.Run(input, func(out *inference.Outputs) error {
		if len(out.Tensors) == 0 {
			return fmt.Errorf("%w: encoder returned no outputs", detector.ErrUnsupportedInput)
		}
		var err error
		emb, err = detector.ExtractEmbedding(out.Tensors[0])
		return err
	})
	if err != nil {
		return emb, false, fmt.Errorf("face embedding: %w", err)
	}
	return emb, true, nil
}

// bgrMat copies a frame into a BGR Mat. The caller owns the result.
func bgrMat(f camera.Frame) (gocv.Mat, error) {
	m, err := f.Mat()
	if err != nil {
		return m, err
	}
	if f.Order == camera.RGB {
		gocv.CvtColor(m, &m, gocv.ColorRGBToBGR)
	}
	return m, nil
}

// modelInput letterboxes a BGR image to size×size and returns its RGB bytes
// along with the transform
func modelInput(img gocv.Mat, size int) ([]byte, detector.Letterbox, error) {
	lb, err := detector.NewLetterbox(img.Cols(), img.Rows(), size)
	if err != nil {
		return nil, lb, err
	}
	padded, err := lb.Apply(img)
	if err != nil {
		return nil, lb, err
	}
	defer padded.Close()

	gocv.CvtColor(padded, &padded, gocv.ColorBGRToRGB)
	return padded.ToBytes(), lb, nil
}
