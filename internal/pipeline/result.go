package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/dudu/edgeguard/internal/camera"
	"github.com/dudu/edgeguard/internal/detector"
)

// ResultKind tells consumers what a Result carries
type ResultKind int

const (
	// KindFrame is an annotated frame ready for display
	KindFrame ResultKind = iota
	// KindEnrollment reports an enrollment request; it carries no frame
	KindEnrollment
)

func (k ResultKind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindEnrollment:
		return "enrollment"
	}
	return "unknown"
}

// Timing holds performance timing information
type Timing struct {
	Preprocess  time.Duration
	Inference   time.Duration
	Recognition time.Duration
	Total       time.Duration
}

// Task is one submitted frame bound to the instance that will process it
type Task struct {
	ID        uuid.UUID
	Frame     camera.Frame
	Instance  int
	Enroll    bool
	Submitted time.Time
}

// Result is the outcome of one task
type Result struct {
	TaskID   uuid.UUID
	Kind     ResultKind
	Instance int

	// Frame is the annotated image, zero for enrollment results
	Frame camera.Frame

	Faces   []detector.Face
	Objects []detector.Detection

	// PersonPresent is set by the security pool when any detection is class 0
	PersonPresent bool

	// Matched and Distance are set when recognition ran
	Matched  bool
	Distance float32

	// Enrolled reports whether an embedding was added; EnrolledCount is the
	// registry size afterwards
	Enrolled      bool
	EnrolledCount int

	Timing Timing
}

// clone deep copies the slices so a peeked result can't alias a queued one
func (r Result) clone() Result {
	c := r
	if r.Frame.Data != nil {
		c.Frame.Data = append([]byte(nil), r.Frame.Data...)
	}
	if r.Faces != nil {
		c.Faces = append([]detector.Face(nil), r.Faces...)
	}
	if r.Objects != nil {
		c.Objects = append([]detector.Detection(nil), r.Objects...)
	}
	return c
}
