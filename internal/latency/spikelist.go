package latency

import "sort"

// Spike is one entry in a SpikeList: an observed latency sample and the
// packet counter value at the time it was observed.
type Spike struct {
	LatencyUsec   int64
	PacketCounter uint64
}

// SpikeList is a bounded, ascending-sorted list of the K largest latency
// samples seen so far. The original design links entries with integer
// "next" indices into a fixed array; since K is small (operator-configured,
// typically <= 10) a plain sorted slice with capacity K is the idiomatic
// Go equivalent (see spec design notes: array-backed order-stat structure).
type SpikeList struct {
	k       int
	entries []Spike
}

// NewSpikeList returns an empty SpikeList bounded to k entries. k <= 0
// disables spike tracking (Add is a no-op and Entries is always empty).
func NewSpikeList(k int) *SpikeList {
	if k < 0 {
		k = 0
	}
	return &SpikeList{k: k, entries: make([]Spike, 0, k)}
}

// Add offers a new sample to the list. Equal-latency samples are inserted
// before the first strictly-greater entry, keeping the head as the eviction
// target for the next displacement.
func (s *SpikeList) Add(latencyUsec int64, packetCounter uint64) {
	if s.k == 0 {
		return
	}
	if len(s.entries) < s.k {
		idx := sort.Search(len(s.entries), func(i int) bool {
			return s.entries[i].LatencyUsec > latencyUsec
		})
		s.entries = append(s.entries, Spike{})
		copy(s.entries[idx+1:], s.entries[idx:])
		s.entries[idx] = Spike{LatencyUsec: latencyUsec, PacketCounter: packetCounter}
		return
	}
	// Full: only displace the minimum (head).
	if latencyUsec <= s.entries[0].LatencyUsec {
		return
	}
	// Evict head, then insert into the remaining k-1 entries at the
	// correct sorted position.
	rest := s.entries[1:]
	idx := sort.Search(len(rest), func(i int) bool {
		return rest[i].LatencyUsec > latencyUsec
	})
	copy(s.entries[0:], rest[:idx])
	s.entries[idx] = Spike{LatencyUsec: latencyUsec, PacketCounter: packetCounter}
}

// Entries returns a snapshot of the list, ascending by latency.
func (s *SpikeList) Entries() []Spike {
	out := make([]Spike, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the current number of tracked entries (<= K).
func (s *SpikeList) Len() int { return len(s.entries) }
