package latency

// Pipeline feeds matched round-trip samples into both the histogram and
// the spike list in one call, matching spec section 4.5's two-step
// processing of every completed burst sample.
type Pipeline struct {
	Histogram *Histogram
	Spikes    *SpikeList

	samples uint64
	sumUsec uint64
}

// NewPipeline builds a Pipeline with a fresh histogram and a spike list
// bounded to k entries (k <= 0 disables spike tracking).
func NewPipeline(k int) *Pipeline {
	return &Pipeline{
		Histogram: NewHistogram(),
		Spikes:    NewSpikeList(k),
	}
}

// Observe records one matched round-trip sample. rttUsec must be >= 0;
// latencyUsec is derived as rttUsec/2 per spec section 4.5.
func (p *Pipeline) Observe(rttUsec int64, packetCounter uint64) int64 {
	latencyUsec := rttUsec / 2
	if latencyUsec < 0 {
		latencyUsec = 0
	}
	p.Histogram.Add(latencyUsec)
	p.Spikes.Add(latencyUsec, packetCounter)
	p.samples++
	p.sumUsec += uint64(latencyUsec)
	return latencyUsec
}

// Samples returns the number of observations fed into the pipeline.
func (p *Pipeline) Samples() uint64 { return p.samples }

// MeanUsec returns the arithmetic mean latency of all observed samples, or
// 0 if none have been observed.
func (p *Pipeline) MeanUsec() float64 {
	if p.samples == 0 {
		return 0
	}
	return float64(p.sumUsec) / float64(p.samples)
}
