package detector

import (
	"fmt"
	"math"
	"sync"
)

var (
	priorSteps    = []int{8, 16, 32}
	priorMinSizes = [][]int{{16, 32}, {64, 128}, {256, 512}}

	priorMu    sync.Mutex
	priorCache = map[int][][4]float32{}
)

// supportedPriorSizes lists the input resolutions with a prior table
var supportedPriorSizes = map[int]int{320: 4200, 640: 16800}

// priorBoxes returns the normalised (cx, cy, w, h) anchor table for a
// square input of the given size. Tables are built once per size and
// shared read only.
func priorBoxes(size int) ([][4]float32, error) {
	want, ok := supportedPriorSizes[size]
	if !ok {
		return nil, fmt.Errorf("%w: no prior table for input size %d", ErrUnsupportedInput, size)
	}

	priorMu.Lock()
	defer priorMu.Unlock()

	if p, ok := priorCache[size]; ok {
		return p, nil
	}

	priors := make([][4]float32, 0, want)
	for k, step := range priorSteps {
		fm := int(math.Ceil(float64(size) / float64(step)))
		for i := 0; i < fm; i++ {
			for j := 0; j < fm; j++ {
				for _, m := range priorMinSizes[k] {
					priors = append(priors, [4]float32{
						(float32(j) + 0.5) * float32(step) / float32(size),
						(float32(i) + 0.5) * float32(step) / float32(size),
						float32(m) / float32(size),
						float32(m) / float32(size),
					})
				}
			}
		}
	}
	if len(priors) != want {
		return nil, fmt.Errorf("prior table for %d has %d entries, want %d", size, len(priors), want)
	}

	priorCache[size] = priors
	return priors, nil
}
