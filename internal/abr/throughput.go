package abr

import "github.com/king-prawns/Tape/internal/models"

const (
	throughputShare    = 0.8
	throughputMinBytes = 16_000
)

// Throughput picks the highest bandwidth under 80% of the latest sample
// large enough to be meaningful.
type Throughput struct{}

// NewThroughput creates the strategy.
func NewThroughput() *Throughput { return &Throughput{} }

func (t *Throughput) Name() string { return AlgorithmThroughput }

func (t *Throughput) Choose(_ string, reps []*models.Representation, in Inputs) *models.Representation {
	limit := estimate(in.Samples) * throughputShare
	for i := len(reps) - 1; i >= 0; i-- {
		if float64(reps[i].Bandwidth) <= limit {
			return reps[i]
		}
	}
	return reps[0]
}

func (t *Throughput) Reset() {}

// estimate is the latest sample above throughputMinBytes, or 0.
func estimate(samples []Sample) float64 {
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Bytes > throughputMinBytes {
			return samples[i].BitsPerSecond()
		}
	}
	return 0
}
