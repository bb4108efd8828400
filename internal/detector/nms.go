package detector

import "sort"

// rect is a corner form box in model or reference plane coordinates
type rect struct {
	x1, y1, x2, y2 float32
}

// candidate is a decoded box waiting for suppression
type candidate struct {
	box     rect
	score   float32
	classID int
	// index into the decoder's side tables (landmarks)
	idx int
}

// sortByScore orders candidates by descending score. Equal scores keep
// their decode order.
func sortByScore(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})
}

// nms performs greedy Non-Maximum Suppression on candidates already sorted
// by descending score and returns the keep mask
func nms(cands []candidate, iouThreshold float32) []bool {
	keep := make([]bool, len(cands))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(cands); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(cands); j++ {
			if !keep[j] {
				continue
			}
			if overlap(cands[i].box, cands[j].box) > iouThreshold {
				keep[j] = false
			}
		}
	}

	return keep
}

// nmsPerClass runs greedy suppression separately for every class present,
// so boxes of different classes never suppress each other. Candidates must
// be sorted by descending score.
func nmsPerClass(cands []candidate, iouThreshold float32) []bool {
	keep := make([]bool, len(cands))
	for i := range keep {
		keep[i] = true
	}

	for _, c := range classesPresent(cands) {
		for i := 0; i < len(cands); i++ {
			if !keep[i] || cands[i].classID != c {
				continue
			}
			for j := i + 1; j < len(cands); j++ {
				if !keep[j] || cands[j].classID != c {
					continue
				}
				if overlap(cands[i].box, cands[j].box) > iouThreshold {
					keep[j] = false
				}
			}
		}
	}

	return keep
}

func classesPresent(cands []candidate) []int {
	seen := make(map[int]struct{})
	var classes []int
	for _, c := range cands {
		if _, ok := seen[c.classID]; ok {
			continue
		}
		seen[c.classID] = struct{}{}
		classes = append(classes, c.classID)
	}
	sort.Ints(classes)
	return classes
}

// overlap calculates Intersection over Union with inclusive pixel edges,
// so a box from x1 to x2 is x2-x1+1 wide
func overlap(a, b rect) float32 {
	w := max32(0, min32(a.x2, b.x2)-max32(a.x1, b.x1)+1)
	h := max32(0, min32(a.y2, b.y2)-max32(a.y1, b.y1)+1)
	intersection := w * h
	union := (a.x2-a.x1+1)*(a.y2-a.y1+1) + (b.x2-b.x1+1)*(b.y2-b.y1+1) - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// NMS suppresses overlapping detections regardless of class and returns
// the survivors ordered by descending confidence
func NMS(dets []Detection, iouThreshold float32) []Detection {
	return suppress(dets, iouThreshold, nms)
}

// NMSPerClass suppresses overlapping detections within each class only
func NMSPerClass(dets []Detection, iouThreshold float32) []Detection {
	return suppress(dets, iouThreshold, nmsPerClass)
}

func suppress(dets []Detection, iouThreshold float32, fn func([]candidate, float32) []bool) []Detection {
	if len(dets) == 0 {
		return nil
	}

	cands := make([]candidate, len(dets))
	for i, d := range dets {
		cands[i] = candidate{
			box: rect{
				x1: float32(d.Box.Left), y1: float32(d.Box.Top),
				x2: float32(d.Box.Right), y2: float32(d.Box.Bottom),
			},
			score:   d.Confidence,
			classID: d.ClassID,
			idx:     i,
		}
	}
	sortByScore(cands)
	keep := fn(cands, iouThreshold)

	result := make([]Detection, 0, len(cands))
	for i, c := range cands {
		if keep[i] {
			result = append(result, dets[c.idx])
		}
	}
	return result
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func clamp32(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
