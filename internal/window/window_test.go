package window

import (
	"testing"
	"time"

	"meshbridge/internal/frame"
)

func TestAllocateAndMarkSentAdvancesSeq(t *testing.T) {
	w := New(4)
	seq := w.AllocateSeq()
	if seq != 0 {
		t.Fatalf("expected first seq 0, got %d", seq)
	}
	// Allocating again without marking sent must not advance.
	if again := w.AllocateSeq(); again != 0 {
		t.Fatalf("AllocateSeq must not advance without MarkSent, got %d", again)
	}
	w.MarkSent(frame.Frame{Seq: seq})
	if next := w.AllocateSeq(); next != 1 {
		t.Fatalf("expected next seq 1 after MarkSent, got %d", next)
	}
}

func TestCanSendRespectsWindowSize(t *testing.T) {
	w := New(2)
	for i := uint32(0); i < 2; i++ {
		if !w.CanSend() {
			t.Fatalf("expected CanSend at pending count %d", i)
		}
		w.MarkSent(frame.Frame{Seq: w.AllocateSeq()})
	}
	if w.CanSend() {
		t.Fatalf("expected window full")
	}
}

func TestProcessAckCumulative(t *testing.T) {
	w := New(8)
	for i := uint32(0); i < 4; i++ {
		w.MarkSent(frame.Frame{Seq: w.AllocateSeq()})
	}
	acked := w.ProcessAck(2)
	if len(acked) != 2 {
		t.Fatalf("expected 2 acked frames, got %d", len(acked))
	}
	if acked[0].Frame.Seq != 0 || acked[1].Frame.Seq != 1 {
		t.Fatalf("unexpected acked order: %+v", acked)
	}
	if w.PendingCount() != 2 {
		t.Fatalf("expected 2 remaining pending, got %d", w.PendingCount())
	}
}

func TestProcessNackUnknownSeqIsNoop(t *testing.T) {
	w := New(4)
	if _, ok := w.ProcessNack(99); ok {
		t.Fatalf("expected no-op for unknown seq")
	}
}

func TestProcessNackReturnsFrameForRetransmit(t *testing.T) {
	w := New(4)
	f := frame.Frame{Seq: w.AllocateSeq(), Payload: []byte("x")}
	w.MarkSent(f)
	p, ok := w.ProcessNack(0)
	if !ok {
		t.Fatalf("expected ok")
	}
	if p.RetransmitCount != 1 {
		t.Fatalf("expected retransmit count 1, got %d", p.RetransmitCount)
	}
}

func TestGetPendingForRetransmitRespectsTimeoutAndCap(t *testing.T) {
	w := New(4)
	w.MarkSent(frame.Frame{Seq: w.AllocateSeq()})

	// Not yet timed out.
	retx, exceeded := w.GetPendingForRetransmit(time.Hour, 5)
	if len(retx) != 0 || len(exceeded) != 0 {
		t.Fatalf("expected nothing due yet")
	}

	retx, exceeded = w.GetPendingForRetransmit(0, 1)
	if len(retx) != 1 || len(exceeded) != 0 {
		t.Fatalf("expected one retransmit on first pass, got retx=%d exceeded=%d", len(retx), len(exceeded))
	}

	retx, exceeded = w.GetPendingForRetransmit(0, 1)
	if len(retx) != 0 || len(exceeded) != 1 {
		t.Fatalf("expected entry to exceed max_retransmits, got retx=%d exceeded=%d", len(retx), len(exceeded))
	}
}

func TestReceiveFrameInOrderAndDuplicate(t *testing.T) {
	w := New(4)
	f0 := frame.Frame{Seq: 0, Payload: []byte("a")}
	delivered, ok := w.ReceiveFrame(f0)
	if !ok || delivered.Seq != 0 {
		t.Fatalf("expected in-order delivery")
	}
	if w.NextExpectedSeq() != 1 {
		t.Fatalf("expected next expected seq 1, got %d", w.NextExpectedSeq())
	}
	// Re-delivering seq 0 is a duplicate, never delivered again.
	if _, ok := w.ReceiveFrame(f0); ok {
		t.Fatalf("expected duplicate to be rejected")
	}
}

func TestReceiveFrameOutOfOrderBufferingAndDrain(t *testing.T) {
	w := New(8)
	f2 := frame.Frame{Seq: 2, Payload: []byte("c")}
	if _, ok := w.ReceiveFrame(f2); ok {
		t.Fatalf("seq 2 must not be delivered before seq 0,1")
	}
	missing := w.GetMissingSeqs()
	if len(missing) != 2 || missing[0] != 0 || missing[1] != 1 {
		t.Fatalf("unexpected missing seqs: %v", missing)
	}

	f0 := frame.Frame{Seq: 0, Payload: []byte("a")}
	if _, ok := w.ReceiveFrame(f0); !ok {
		t.Fatalf("expected seq 0 delivered")
	}
	f1 := frame.Frame{Seq: 1, Payload: []byte("b")}
	if _, ok := w.ReceiveFrame(f1); !ok {
		t.Fatalf("expected seq 1 delivered")
	}

	drained := w.GetDeliverableFrames()
	if len(drained) != 1 || drained[0].Seq != 2 {
		t.Fatalf("expected buffered seq 2 to drain, got %+v", drained)
	}
	if w.NextExpectedSeq() != 3 {
		t.Fatalf("expected next expected seq 3, got %d", w.NextExpectedSeq())
	}
}

func TestClearResetsState(t *testing.T) {
	w := New(4)
	w.MarkSent(frame.Frame{Seq: w.AllocateSeq()})
	w.ReceiveFrame(frame.Frame{Seq: 5, Payload: []byte("x")})
	w.Clear()
	if w.PendingCount() != 0 {
		t.Fatalf("expected pending cleared")
	}
	if w.NextExpectedSeq() != 0 || w.AllocateSeq() != 0 {
		t.Fatalf("expected sequence counters reset")
	}
}
