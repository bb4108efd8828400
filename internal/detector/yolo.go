package detector

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/dudu/edgeguard/internal/inference"
)

const yoloBranches = 3

// YOLOParams controls DFL decoding
type YOLOParams struct {
	BoxThreshold  float32
	NMSThreshold  float32
	MaxDetections int
}

// DefaultYOLOParams returns the thresholds the security pipeline runs with
func DefaultYOLOParams() YOLOParams {
	return YOLOParams{
		BoxThreshold:  0.5,
		NMSThreshold:  0.8,
		MaxDetections: 128,
	}
}

// YOLO decodes three branch distribution focal loss detector outputs.
// Each branch has a box tensor [1, 4*dfl, gh, gw], a class score tensor
// [1, classes, gh, gw] and optionally a score sum tensor [1, 1, gh, gw].
type YOLO struct {
	params YOLOParams
	labels *Labels
	log    logrus.FieldLogger
}

// NewYOLO creates a decoder; class names come from labels
func NewYOLO(params YOLOParams, labels *Labels, log logrus.FieldLogger) *YOLO {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &YOLO{
		params: params,
		labels: labels,
		log:    log.WithField("decoder", "yolo"),
	}
}

// Decode turns raw outputs of a network with input height modelH into
// detections in source frame pixels, strongest first
func (y *YOLO) Decode(outputs []inference.RawTensor, modelH int, lb Letterbox) ([]Detection, error) {
	if len(outputs) == 0 || len(outputs)%yoloBranches != 0 {
		return nil, fmt.Errorf("%w: yolo wants a multiple of %d outputs, got %d",
			ErrUnsupportedInput, yoloBranches, len(outputs))
	}
	perBranch := len(outputs) / yoloBranches
	if perBranch != 2 && perBranch != 3 {
		return nil, fmt.Errorf("%w: yolo wants 2 or 3 outputs per branch, got %d", ErrUnsupportedInput, perBranch)
	}

	dflLen := outputs[0].Desc.Dim(1) / 4
	if dflLen <= 0 {
		return nil, fmt.Errorf("%w: box tensor shape %v", ErrUnsupportedInput, outputs[0].Desc.Shape)
	}

	var cands []candidate
	for b := 0; b < yoloBranches; b++ {
		box := outputs[b*perBranch]
		score := outputs[b*perBranch+1]
		var sum *inference.RawTensor
		if perBranch == 3 {
			sum = &outputs[b*perBranch+2]
		}

		gridH, gridW := box.Desc.Dim(2), box.Desc.Dim(3)
		if gridH <= 0 || gridW <= 0 {
			return nil, fmt.Errorf("%w: branch %d box shape %v", ErrUnsupportedInput, b, box.Desc.Shape)
		}
		stride := float32(modelH / gridH)

		classes := score.Desc.Dim(1)
		if n := y.labels.Len(); n > 0 && n < classes {
			classes = n
		}
		gridLen := gridH * gridW
		if box.Len() < 4*dflLen*gridLen || score.Len() < classes*gridLen || (sum != nil && sum.Len() < gridLen) {
			return nil, fmt.Errorf("%w: branch %d tensors smaller than their grid", ErrUnsupportedInput, b)
		}

		cands = y.decodeBranch(cands, box, score, sum, gridH, gridW, classes, dflLen, stride)
	}

	if len(cands) == 0 {
		return nil, nil
	}

	sortByScore(cands)
	cands = y.validClasses(cands)
	keep := nmsPerClass(cands, y.params.NMSThreshold)

	dets := make([]Detection, 0, len(cands))
	for i, c := range cands {
		if !keep[i] {
			continue
		}
		if len(dets) >= y.params.MaxDetections {
			y.log.Warnf("more than %d objects detected, dropping the rest", y.params.MaxDetections)
			break
		}
		dets = append(dets, Detection{
			Box:        lb.InverseBox(c.box.x1, c.box.y1, c.box.x2, c.box.y2),
			ClassID:    c.classID,
			Label:      y.labels.Name(c.classID),
			Confidence: c.score,
		})
	}

	return dets, nil
}

func (y *YOLO) decodeBranch(cands []candidate, box, score inference.RawTensor, sum *inference.RawTensor,
	gridH, gridW, classes, dflLen int, stride float32) []candidate {
	threshold := y.params.BoxThreshold
	gridLen := gridH * gridW
	dist := make([]float32, 4*dflLen)

	for i := 0; i < gridH; i++ {
		for j := 0; j < gridW; j++ {
			offset := i*gridW + j

			// the fused score skips cells before all classes are read
			if sum != nil && sum.At(offset) < threshold {
				continue
			}

			maxClass := -1
			var maxScore float32
			for c := 0; c < classes; c++ {
				s := score.At(offset + c*gridLen)
				if s > threshold && s > maxScore {
					maxScore = s
					maxClass = c
				}
			}
			if maxClass < 0 {
				continue
			}

			for k := range dist {
				dist[k] = box.At(offset + k*gridLen)
			}
			d := dflExpectation(dist, dflLen)

			cands = append(cands, candidate{
				box: rect{
					x1: (-d[0] + float32(j) + 0.5) * stride,
					y1: (-d[1] + float32(i) + 0.5) * stride,
					x2: (d[2] + float32(j) + 0.5) * stride,
					y2: (d[3] + float32(i) + 0.5) * stride,
				},
				score:   maxScore,
				classID: maxClass,
			})
		}
	}
	return cands
}

// validClasses drops candidates whose class id has no label
func (y *YOLO) validClasses(cands []candidate) []candidate {
	n := y.labels.Len()
	if n == 0 {
		return cands
	}
	out := cands[:0]
	for _, c := range cands {
		if c.classID < 0 || c.classID >= n {
			y.log.Debugf("dropping detection with class id %d outside %d labels", c.classID, n)
			continue
		}
		out = append(out, c)
	}
	return out
}

// dflExpectation converts four distributions of dflLen bins into the
// softmax weighted expected offset per side
func dflExpectation(dist []float32, dflLen int) [4]float32 {
	var out [4]float32
	for b := 0; b < 4; b++ {
		bins := dist[b*dflLen : (b+1)*dflLen]
		peak := bins[0]
		for _, v := range bins[1:] {
			peak = max32(peak, v)
		}

		var expSum, accSum float64
		for i, v := range bins {
			e := math.Exp(float64(v - peak))
			expSum += e
			accSum += e * float64(i)
		}
		out[b] = float32(accSum / expSum)
	}
	return out
}
