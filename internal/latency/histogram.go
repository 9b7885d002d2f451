// Package latency implements the round-trip latency pipeline: a fixed
// bucket histogram and a bounded, ordered top-K spike list.
package latency

// bucketThresholds are the lower-bound microsecond thresholds of the fixed
// histogram. A sample of latency L is attributed to the largest bucket
// whose threshold is strictly less than L, so overflow past the highest
// threshold (5000) still lands in that same bucket rather than the +inf
// one: no finite threshold is ever less than a latency it doesn't exceed.
// The +inf bucket is reachable only by a latency of exactly 0, since no
// threshold (the lowest is 0 itself) is strictly less than it; counted
// there rather than dropped, preserving the total-count invariant.
var bucketThresholds = [...]int64{0, 3, 5, 7, 10, 15, 20, 50, 100, 200, 500, 1000, 2000, 5000}

// Histogram counts latency samples (in microseconds) into the fixed bucket
// set described in the data model: {0,3,5,7,10,15,20,50,100,200,500,1000,
// 2000,5000,inf}.
type Histogram struct {
	counts [len(bucketThresholds) + 1]uint64 // +1 for the implicit "+inf" bucket
}

// NewHistogram returns an empty histogram.
func NewHistogram() *Histogram { return &Histogram{} }

// Add attributes a latency sample (microseconds) to its bucket.
func (h *Histogram) Add(latencyUsec int64) {
	idx := len(bucketThresholds) // default: the +inf bucket
	for i := len(bucketThresholds) - 1; i >= 0; i-- {
		if bucketThresholds[i] < latencyUsec {
			idx = i
			break
		}
	}
	h.counts[idx]++
}

// Total returns the sum of all bucket counts.
func (h *Histogram) Total() uint64 {
	var total uint64
	for _, c := range h.counts {
		total += c
	}
	return total
}

// Bucket describes one histogram bucket for reporting.
type Bucket struct {
	LowerBoundUsec int64 // -1 denotes the +inf bucket
	Count          uint64
}

// Buckets returns a snapshot of all buckets in ascending threshold order.
func (h *Histogram) Buckets() []Bucket {
	out := make([]Bucket, 0, len(h.counts))
	for i, c := range h.counts {
		lb := int64(-1)
		if i < len(bucketThresholds) {
			lb = bucketThresholds[i]
		}
		out = append(out, Bucket{LowerBoundUsec: lb, Count: c})
	}
	return out
}
