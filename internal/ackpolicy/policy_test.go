package ackpolicy

import (
	"testing"
	"time"

	"meshbridge/internal/frame"
)

// fakeStream is a minimal StreamHandle for policy unit tests; it does not
// model a real window, just enough bookkeeping to observe what each policy
// decides.
type fakeStream struct {
	streamID     uint32
	seq          uint32
	nextExpected uint32

	ackedCalls     []uint32
	nackCalls      []uint32
	retransmits    int
	transitioned   bool
	synAckAccepted []frame.Frame

	ackResult  bool
	nackFrame  frame.Frame
	nackResult bool
}

func (f *fakeStream) StreamID() uint32       { return f.streamID }
func (f *fakeStream) AllocateSeq() uint32    { seq := f.seq; f.seq++; return seq }
func (f *fakeStream) NextExpectedSeq() uint32 { return f.nextExpected }
func (f *fakeStream) ProcessAck(ackNum uint32) bool {
	f.ackedCalls = append(f.ackedCalls, ackNum)
	return f.ackResult
}
func (f *fakeStream) ProcessNack(nackSeq uint32) (frame.Frame, bool) {
	f.nackCalls = append(f.nackCalls, nackSeq)
	return f.nackFrame, f.nackResult
}
func (f *fakeStream) RecordRetransmit()              { f.retransmits++ }
func (f *fakeStream) TransitionSynSentToOpen() bool  { f.transitioned = true; return true }
func (f *fakeStream) AcceptSynAck(fr frame.Frame)    { f.synAckAccepted = append(f.synAckAccepted, fr) }

func TestBasicHandleControlAck(t *testing.T) {
	p := NewBasic()
	s := &fakeStream{ackResult: true}
	out := p.HandleControl(s, frame.Frame{Flags: frame.FlagACK, Ack: 3})
	if len(out) != 0 {
		t.Fatalf("expected no control frames for a pure ACK, got %v", out)
	}
	if len(s.ackedCalls) != 1 || s.ackedCalls[0] != 3 {
		t.Fatalf("expected ProcessAck(3), got %v", s.ackedCalls)
	}
	if !s.transitioned {
		t.Fatalf("expected SYN_SENT->OPEN transition attempted")
	}
}

func TestBasicHandleControlNackRetransmits(t *testing.T) {
	p := NewBasic()
	want := frame.Frame{Seq: 5, Payload: []byte("x")}
	s := &fakeStream{nackFrame: want, nackResult: true}
	out := p.HandleControl(s, frame.Frame{Flags: frame.FlagNACK, Ack: 5})
	if len(out) != 1 || out[0].Seq != 5 {
		t.Fatalf("expected retransmit of seq 5, got %v", out)
	}
	if s.retransmits != 1 {
		t.Fatalf("expected one retransmit recorded")
	}
}

func TestBasicOnMissingNacksFirstGap(t *testing.T) {
	p := NewBasic()
	s := &fakeStream{streamID: 1}
	out := p.OnMissing(s, []uint32{3, 4, 5})
	if len(out) != 1 || !out[0].IsNACK() || out[0].Ack != 3 {
		t.Fatalf("expected a single NACK for seq 3, got %v", out)
	}
}

func TestBasicOnCompleteAlwaysAcks(t *testing.T) {
	p := NewBasic()
	s := &fakeStream{streamID: 1, nextExpected: 2}
	out := p.OnComplete(s)
	if len(out) != 1 || !out[0].IsACK() || out[0].Ack != 2 {
		t.Fatalf("expected a pure ACK for next expected 2, got %v", out)
	}
}

func TestSmartCoalescesAcksByCount(t *testing.T) {
	p := NewSmart(SmartConfig{AckEveryN: 3, AckInterval: time.Hour, NackInterval: time.Hour})
	s := &fakeStream{}

	if out := p.OnComplete(s); out != nil {
		t.Fatalf("expected no ACK on delivery 1, got %v", out)
	}
	if out := p.OnComplete(s); out != nil {
		t.Fatalf("expected no ACK on delivery 2, got %v", out)
	}
	out := p.OnComplete(s)
	if len(out) != 1 || !out[0].IsACK() {
		t.Fatalf("expected coalesced ACK on delivery 3, got %v", out)
	}
}

func TestSmartCoalescesAcksByInterval(t *testing.T) {
	p := NewSmart(SmartConfig{AckEveryN: 1000, AckInterval: time.Millisecond, NackInterval: time.Hour})
	s := &fakeStream{}
	if out := p.OnComplete(s); out != nil {
		t.Fatalf("expected no ack yet: %v", out)
	}
	time.Sleep(5 * time.Millisecond)
	out := p.OnComplete(s)
	if len(out) != 1 {
		t.Fatalf("expected ack after interval elapsed, got %v", out)
	}
}

func TestSmartDebouncesRepeatedNack(t *testing.T) {
	p := NewSmart(SmartConfig{AckEveryN: 1, AckInterval: 0, NackInterval: time.Hour})
	s := &fakeStream{streamID: 9}

	out := p.OnMissing(s, []uint32{7})
	if len(out) != 1 {
		t.Fatalf("expected first NACK to be emitted, got %v", out)
	}
	out = p.OnMissing(s, []uint32{7})
	if out != nil {
		t.Fatalf("expected repeated NACK for the same seq to be debounced, got %v", out)
	}
	out = p.OnMissing(s, []uint32{8})
	if len(out) != 1 {
		t.Fatalf("expected a NACK for a different missing seq, got %v", out)
	}
}

func TestSmartHandlesSynAckHandshake(t *testing.T) {
	p := NewSmart(DefaultSmartConfig())
	s := &fakeStream{streamID: 1, nextExpected: 1}
	synAck := frame.Frame{Flags: frame.FlagSYN | frame.FlagACK, Seq: 0, Ack: 0}
	out := p.HandleControl(s, synAck)
	if len(s.synAckAccepted) != 1 {
		t.Fatalf("expected AcceptSynAck to be called once")
	}
	if len(out) != 1 || !out[0].IsACK() {
		t.Fatalf("expected a pure ACK reply to SYN-ACK, got %v", out)
	}
}

func TestNewSmartClampsConfig(t *testing.T) {
	p := NewSmart(SmartConfig{AckEveryN: 0, AckInterval: -1, NackInterval: -1})
	if p.cfg.AckEveryN != 1 {
		t.Fatalf("expected AckEveryN clamped to 1, got %d", p.cfg.AckEveryN)
	}
	if p.cfg.AckInterval != 0 || p.cfg.NackInterval != 0 {
		t.Fatalf("expected negative intervals clamped to 0")
	}
}
