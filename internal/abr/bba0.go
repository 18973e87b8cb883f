package abr

import (
	"math"

	"github.com/king-prawns/Tape/internal/models"
)

const (
	bbaReservoir = 8.0
	bbaCushion   = 30.0
)

// BBA0 is the buffer based algorithm: the buffer level between the
// reservoir and reservoir+cushion maps linearly onto the bandwidth ladder.
type BBA0 struct {
	prev map[string]int // period id -> bandwidth
}

// NewBBA0 creates the strategy.
func NewBBA0() *BBA0 {
	return &BBA0{prev: make(map[string]int)}
}

func (b *BBA0) Name() string { return AlgorithmBBA0 }

func (b *BBA0) Choose(periodID string, reps []*models.Representation, in Inputs) *models.Representation {
	n := len(reps)
	rateMin, rateMax := reps[0].Bandwidth, reps[n-1].Bandwidth
	prev := b.prev[periodID]
	if prev < rateMin {
		prev = rateMin
	}

	level := in.BufferLevel
	var next int
	switch {
	case level <= bbaReservoir || n == 1:
		next = rateMin
	case level >= bbaReservoir+bbaCushion:
		next = rateMax
	default:
		mapped := mappedRate(reps, level)
		plus, minus := neighbours(reps, prev)
		if mapped >= plus || mapped <= minus {
			next = mapped
		} else {
			next = prev
		}
	}

	b.prev[periodID] = next
	for _, r := range reps {
		if r.Bandwidth == next {
			return r
		}
	}
	return reps[0]
}

func (b *BBA0) Reset() {
	b.prev = make(map[string]int)
}

// mappedRate is the ladder rung the buffer level maps to.
func mappedRate(reps []*models.Representation, level float64) int {
	step := bbaCushion / float64(len(reps)-1)
	i := int(math.Round((level - bbaReservoir) / step))
	i = max(0, min(i, len(reps)-1))
	return reps[i].Bandwidth
}

// neighbours returns the rungs just above and below prev, clamped to the
// ladder ends.
func neighbours(reps []*models.Representation, prev int) (plus, minus int) {
	plus, minus = reps[len(reps)-1].Bandwidth, reps[0].Bandwidth
	for _, r := range reps {
		if r.Bandwidth > prev {
			plus = r.Bandwidth
			break
		}
	}
	for i := len(reps) - 1; i >= 0; i-- {
		if reps[i].Bandwidth < prev {
			minus = reps[i].Bandwidth
			break
		}
	}
	return plus, minus
}
