package training

// MeanAggregator accumulates per-batch losses and reports the epoch mean.
// The zero value is ready to use.
type MeanAggregator struct {
	sum   float64
	count int
}

func (a *MeanAggregator) Add(v float64) {
	a.sum += v
	a.count++
}

func (a *MeanAggregator) Count() int {
	return a.count
}

// Mean returns 0 when nothing was added; the loop rejects empty training
// sources before aggregation starts.
func (a *MeanAggregator) Mean() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

func (a *MeanAggregator) Reset() {
	a.sum = 0
	a.count = 0
}
