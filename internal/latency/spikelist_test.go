package latency

import "testing"

func TestSpikeList_TopK(t *testing.T) {
	s := NewSpikeList(3)
	for i, v := range []int64{5, 20, 7, 100, 3, 50} {
		s.Add(v, uint64(i+1))
	}
	entries := s.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []int64{20, 50, 100}
	for i, w := range want {
		if entries[i].LatencyUsec != w {
			t.Fatalf("entry %d: want %d got %d", i, w, entries[i].LatencyUsec)
		}
	}
}

func TestSpikeList_SizeNeverExceedsK(t *testing.T) {
	s := NewSpikeList(2)
	for i := 0; i < 50; i++ {
		s.Add(int64(i), uint64(i))
	}
	if s.Len() != 2 {
		t.Fatalf("expected len 2, got %d", s.Len())
	}
}

func TestSpikeList_AscendingOrder(t *testing.T) {
	s := NewSpikeList(5)
	vals := []int64{9, 1, 8, 2, 7, 3, 6, 4, 5}
	for _, v := range vals {
		s.Add(v, 0)
	}
	entries := s.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i-1].LatencyUsec > entries[i].LatencyUsec {
			t.Fatalf("not sorted ascending: %+v", entries)
		}
	}
}

func TestSpikeList_ZeroKDisabled(t *testing.T) {
	s := NewSpikeList(0)
	s.Add(100, 1)
	if s.Len() != 0 {
		t.Fatalf("expected disabled spike list to stay empty, got %d", s.Len())
	}
}

func TestSpikeList_TieBreakBeforeGreater(t *testing.T) {
	s := NewSpikeList(3)
	s.Add(10, 1)
	s.Add(10, 2)
	s.Add(20, 3)
	entries := s.Entries()
	if entries[0].LatencyUsec != 10 || entries[1].LatencyUsec != 10 || entries[2].LatencyUsec != 20 {
		t.Fatalf("unexpected order: %+v", entries)
	}
}
