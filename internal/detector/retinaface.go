package detector

import (
	"fmt"
	"image"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/dudu/edgeguard/internal/inference"
)

const (
	// NMS is evaluated on a 4K reference plane so the inclusive pixel
	// convention behaves the same for every input size
	referenceWidth  = 3840
	referenceHeight = 2160

	locVariance  = 0.1
	sizeVariance = 0.2
)

// RetinaFaceParams controls RetinaFace decoding
type RetinaFaceParams struct {
	ConfThreshold float32
	NMSThreshold  float32
	VisThreshold  float32
	MaxDetections int
}

// DefaultRetinaFaceParams returns the thresholds the face pipeline runs with
func DefaultRetinaFaceParams() RetinaFaceParams {
	return RetinaFaceParams{
		ConfThreshold: 0.5,
		NMSThreshold:  0.4,
		VisThreshold:  0.4,
		MaxDetections: 128,
	}
}

// RetinaFace decodes the anchor based outputs of a RetinaFace detector
type RetinaFace struct {
	params RetinaFaceParams
	size   int
	priors [][4]float32
	log    logrus.FieldLogger
}

// NewRetinaFace creates a decoder for a square model input of inputSize,
// which must be 320 or 640
func NewRetinaFace(params RetinaFaceParams, inputSize int, log logrus.FieldLogger) (*RetinaFace, error) {
	priors, err := priorBoxes(inputSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RetinaFace{
		params: params,
		size:   inputSize,
		priors: priors,
		log:    log.WithField("decoder", "retinaface"),
	}, nil
}

// InputSize returns the model resolution the decoder was built for
func (r *RetinaFace) InputSize() int {
	return r.size
}

// Decode turns (location, scores, landmarks) outputs into faces in source
// frame pixels, strongest first
func (r *RetinaFace) Decode(outputs []inference.RawTensor, lb Letterbox) ([]Face, error) {
	if len(outputs) < 3 {
		return nil, fmt.Errorf("%w: retinaface wants 3 outputs, got %d", ErrUnsupportedInput, len(outputs))
	}
	loc, conf, landms := outputs[0], outputs[1], outputs[2]
	n := len(r.priors)
	if loc.Len() < n*4 || conf.Len() < n*2 || landms.Len() < n*10 {
		return nil, fmt.Errorf("%w: retinaface outputs %d/%d/%d too small for %d priors",
			ErrUnsupportedInput, loc.Len(), conf.Len(), landms.Len(), n)
	}

	var cands []candidate
	var points [][10]float32
	for i, p := range r.priors {
		score := conf.At(i*2 + 1)
		if score <= r.params.ConfThreshold {
			continue
		}

		// center form decode
		xc := loc.At(i*4+0)*locVariance*p[2] + p[0]
		yc := loc.At(i*4+1)*locVariance*p[3] + p[1]
		w := float32(math.Exp(float64(loc.At(i*4+2)*sizeVariance))) * p[2]
		h := float32(math.Exp(float64(loc.At(i*4+3)*sizeVariance))) * p[3]
		x1 := xc - w*0.5
		y1 := yc - h*0.5

		var lm [10]float32
		for j := 0; j < 5; j++ {
			lm[2*j] = landms.At(i*10+2*j)*locVariance*p[2] + p[0]
			lm[2*j+1] = landms.At(i*10+2*j+1)*locVariance*p[3] + p[1]
		}

		cands = append(cands, candidate{
			box:   rect{x1: x1, y1: y1, x2: x1 + w, y2: y1 + h},
			score: score,
			idx:   len(points),
		})
		points = append(points, lm)
	}

	if len(cands) == 0 {
		return nil, nil
	}

	sortByScore(cands)

	ref := make([]candidate, len(cands))
	for i, c := range cands {
		ref[i] = c
		ref[i].box = rect{
			x1: c.box.x1 * referenceWidth, y1: c.box.y1 * referenceHeight,
			x2: c.box.x2 * referenceWidth, y2: c.box.y2 * referenceHeight,
		}
	}
	keep := nms(ref, r.params.NMSThreshold)

	modelW, modelH := float32(r.size), float32(r.size)
	faces := make([]Face, 0, len(cands))
	for i, c := range cands {
		if len(faces) >= r.params.MaxDetections {
			r.log.Warnf("more than %d faces detected, dropping the rest", r.params.MaxDetections)
			break
		}
		if !keep[i] || c.score < r.params.VisThreshold {
			continue
		}

		face := Face{
			Detection: Detection{
				Box: lb.InverseBox(
					c.box.x1*modelW, c.box.y1*modelH,
					c.box.x2*modelW, c.box.y2*modelH,
				),
				Label:      "face",
				Confidence: c.score,
			},
		}
		lm := points[c.idx]
		for j := 0; j < 5; j++ {
			x, y := lb.Inverse(lm[2*j]*modelW, lm[2*j+1]*modelH)
			face.Landmarks.set(j, image.Pt(x, y))
		}
		faces = append(faces, face)
	}

	return faces, nil
}
