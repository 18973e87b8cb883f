package abr

import "github.com/king-prawns/Tape/internal/models"

const defaultWindow = 20

// Llama steps down one rung as soon as the latest sample falls below the
// current bandwidth, and steps up one rung only when the harmonic mean of
// the recent samples clears the next bandwidth.
type Llama struct {
	window  int
	current map[string]string // period id -> representation id
}

// NewLlama creates the strategy with a harmonic mean over window samples.
func NewLlama(window int) *Llama {
	if window <= 0 {
		window = defaultWindow
	}
	return &Llama{window: window, current: make(map[string]string)}
}

func (l *Llama) Name() string { return AlgorithmLlama }

func (l *Llama) Choose(periodID string, reps []*models.Representation, in Inputs) *models.Representation {
	i := indexOf(reps, l.current[periodID])
	if i < 0 {
		i = 0
	}

	if n := len(in.Samples); n > 0 {
		last := in.Samples[n-1].BitsPerSecond()
		mean := harmonicMean(in.Samples, l.window)
		switch {
		case i > 0 && last < float64(reps[i].Bandwidth):
			i--
		case i < len(reps)-1 && mean > float64(reps[i+1].Bandwidth):
			i++
		}
	}

	l.current[periodID] = reps[i].ID
	return reps[i]
}

func (l *Llama) Reset() {
	l.current = make(map[string]string)
}

// harmonicMean of the last window samples. Zero samples are skipped.
func harmonicMean(samples []Sample, window int) float64 {
	start := len(samples) - window
	if start < 0 {
		start = 0
	}
	var sum float64
	var n int
	for _, s := range samples[start:] {
		if bps := s.BitsPerSecond(); bps > 0 {
			sum += 1 / bps
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(n) / sum
}
