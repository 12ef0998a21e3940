package arraysink

import "testing"

func TestAllocateReturnsZeroedBuffer(t *testing.T) {
	s := NewMemorySink()
	h := s.Allocate(4, Float64)
	for i, v := range h.Buffer() {
		if v != 0 {
			t.Fatalf("buf[%d] = %v, want 0", i, v)
		}
	}
}

func TestSubmitRecordsAndInvokesCompletion(t *testing.T) {
	s := NewMemorySink()
	h := s.Allocate(3, Float64)
	copy(h.Buffer(), []float64{1, 2, 3})

	var completedCh int
	var completedID uint64
	s.Submit(h, 2, 99, 1.5, 2.5, func(channel int, uniqueID uint64) {
		completedCh = channel
		completedID = uniqueID
	})

	subs := s.Submissions()
	if len(subs) != 1 {
		t.Fatalf("got %d submissions, want 1", len(subs))
	}
	got := subs[0]
	if got.Channel != 2 || got.UniqueID != 99 || got.Timestamp != 1.5 || got.WallClock != 2.5 {
		t.Fatalf("unexpected submission: %+v", got)
	}
	if len(got.Data) != 3 || got.Data[1] != 2 {
		t.Fatalf("unexpected data: %v", got.Data)
	}
	if completedCh != 2 || completedID != 99 {
		t.Fatalf("completion callback saw (%d, %d), want (2, 99)", completedCh, completedID)
	}
}

func TestSubmitCopiesBufferAtCallTime(t *testing.T) {
	s := NewMemorySink()
	h := s.Allocate(2, Float64)
	buf := h.Buffer()
	buf[0] = 10
	s.Submit(h, 0, 0, 0, 0, nil)
	buf[0] = 999 // mutate the handle's buffer after submit

	got := s.Submissions()[0].Data
	if got[0] != 10 {
		t.Fatalf("submission captured %v, want a copy taken at Submit time (10)", got[0])
	}
}

func TestResetClearsSubmissions(t *testing.T) {
	s := NewMemorySink()
	s.Submit(s.Allocate(1, Float64), 0, 0, 0, 0, nil)
	s.Reset()
	if len(s.Submissions()) != 0 {
		t.Fatal("Reset should clear recorded submissions")
	}
}
