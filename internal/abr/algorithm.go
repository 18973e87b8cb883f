package abr

import (
	"fmt"

	"github.com/king-prawns/Tape/internal/models"
)

// Algorithm names accepted by NewAlgorithm.
const (
	AlgorithmLlama      = "llama"
	AlgorithmThroughput = "throughput"
	AlgorithmBBA0       = "bba0"
)

// Sample is one measured video segment download.
type Sample struct {
	Bytes   int
	Seconds float64
}

// BitsPerSecond is the throughput of the sample.
func (s Sample) BitsPerSecond() float64 {
	if s.Seconds <= 0 {
		return 0
	}
	return float64(s.Bytes) * 8 / s.Seconds
}

// Inputs is what the manager knows when a decision is requested.
// Samples are oldest first and must not be modified.
type Inputs struct {
	Samples     []Sample
	BufferLevel float64
}

// Algorithm picks one of reps, which are sorted by ascending bandwidth and
// never empty.
type Algorithm interface {
	Name() string
	Choose(periodID string, reps []*models.Representation, in Inputs) *models.Representation
	Reset()
}

// NewAlgorithm builds the named strategy. window is the harmonic mean
// sample count used by llama.
func NewAlgorithm(name string, window int) (Algorithm, error) {
	switch name {
	case "", AlgorithmLlama:
		return NewLlama(window), nil
	case AlgorithmThroughput:
		return NewThroughput(), nil
	case AlgorithmBBA0:
		return NewBBA0(), nil
	default:
		return nil, fmt.Errorf("unknown ABR algorithm %q", name)
	}
}

func indexOf(reps []*models.Representation, id string) int {
	for i, r := range reps {
		if r.ID == id {
			return i
		}
	}
	return -1
}
