// Package ackpolicy implements the pluggable control-plane policies that
// decide when a Stream emits ACK and NACK frames. Both the Basic and Smart
// policies are purely functional except for the Smart policy's own
// coalescing/debounce state; neither touches the transport directly — they
// return control frames for the caller (Stream) to send.
package ackpolicy

import (
	"sync"
	"time"

	"meshbridge/internal/frame"
)

// StreamHandle is the narrow slice of Stream that a Policy needs. Stream
// satisfies it; defining it here (rather than importing the stream package)
// avoids an import cycle between stream and ackpolicy.
type StreamHandle interface {
	StreamID() uint32
	AllocateSeq() uint32
	NextExpectedSeq() uint32
	ProcessAck(ackNum uint32) (acked bool)
	ProcessNack(nackSeq uint32) (f frame.Frame, ok bool)
	RecordRetransmit()
	TransitionSynSentToOpen() (transitioned bool)
	AcceptSynAck(f frame.Frame)
}

// Policy is the ACK/NACK decision procedure. Every hook returns the control
// frames (if any) the caller should send, in order.
type Policy interface {
	// OnSend runs before a payload frame is sent.
	OnSend(s StreamHandle, payload frame.Frame) []frame.Frame
	// OnChunksSent runs once after a batch of payload frames has been sent.
	OnChunksSent(s StreamHandle) []frame.Frame
	// HandleControl processes the ACK/NACK/SYN+ACK bits of a received frame.
	HandleControl(s StreamHandle, received frame.Frame) []frame.Frame
	// OnMissing runs when the receive window reports gaps.
	OnMissing(s StreamHandle, missing []uint32) []frame.Frame
	// OnComplete runs after in-order payload delivery.
	OnComplete(s StreamHandle) []frame.Frame
}

func pureACK(s StreamHandle) frame.Frame {
	return frame.Frame{
		StreamID: s.StreamID(),
		Seq:      s.AllocateSeq(),
		Ack:      s.NextExpectedSeq(),
		Flags:    frame.FlagACK,
	}
}

func nack(s StreamHandle, seq uint32) frame.Frame {
	return frame.Frame{
		StreamID: s.StreamID(),
		Seq:      s.AllocateSeq(),
		Ack:      seq,
		Flags:    frame.FlagNACK,
	}
}

// Basic is the baseline policy: ACK every in-order delivery, NACK the first
// missing sequence on every gap report, no coalescing.
type Basic struct{}

func NewBasic() *Basic { return &Basic{} }

func (Basic) OnSend(StreamHandle, frame.Frame) []frame.Frame      { return nil }
func (Basic) OnChunksSent(StreamHandle) []frame.Frame             { return nil }

func (Basic) HandleControl(s StreamHandle, f frame.Frame) []frame.Frame {
	var out []frame.Frame
	if f.IsACK() {
		if s.ProcessAck(f.Ack) {
			s.TransitionSynSentToOpen()
		}
	}
	if f.IsNACK() {
		if retx, ok := s.ProcessNack(f.Ack); ok {
			s.RecordRetransmit()
			out = append(out, retx)
		}
	}
	return out
}

func (Basic) OnMissing(s StreamHandle, missing []uint32) []frame.Frame {
	if len(missing) == 0 {
		return nil
	}
	return []frame.Frame{nack(s, missing[0])}
}

func (Basic) OnComplete(s StreamHandle) []frame.Frame {
	return []frame.Frame{pureACK(s)}
}

// SmartConfig tunes the Smart policy's coalescing/debounce knobs.
type SmartConfig struct {
	AckEveryN     int
	AckInterval   time.Duration
	NackInterval  time.Duration
}

// DefaultSmartConfig mirrors the reference implementation's defaults.
func DefaultSmartConfig() SmartConfig {
	return SmartConfig{
		AckEveryN:    4,
		AckInterval:  500 * time.Millisecond,
		NackInterval: 500 * time.Millisecond,
	}
}

// Smart coalesces ACKs (every N deliveries or an elapsed interval,
// whichever comes first) and debounces repeated NACKs for the same gap. It
// additionally recognizes the SYN+ACK handshake and accepts the peer's
// initial sequence number.
type Smart struct {
	cfg SmartConfig

	mu           sync.Mutex
	pendingAcks  int
	lastAckTime  time.Time
	lastNackTime time.Time
	lastNackSeq  uint32
	haveNackSeq  bool
}

// NewSmart constructs a Smart policy, clamping nonsensical knob values the
// way the reference implementation does (ack_every_n >= 1, intervals >= 0).
func NewSmart(cfg SmartConfig) *Smart {
	if cfg.AckEveryN < 1 {
		cfg.AckEveryN = 1
	}
	if cfg.AckInterval < 0 {
		cfg.AckInterval = 0
	}
	if cfg.NackInterval < 0 {
		cfg.NackInterval = 0
	}
	// The ACK interval is measured from construction until the first ACK.
	return &Smart{cfg: cfg, lastAckTime: time.Now()}
}

func (*Smart) OnSend(StreamHandle, frame.Frame) []frame.Frame { return nil }
func (*Smart) OnChunksSent(StreamHandle) []frame.Frame        { return nil }

func (p *Smart) HandleControl(s StreamHandle, f frame.Frame) []frame.Frame {
	if f.IsSYN() && f.IsACK() {
		s.AcceptSynAck(f)
		return []frame.Frame{pureACK(s)}
	}

	var out []frame.Frame
	if f.IsACK() {
		if s.ProcessAck(f.Ack) {
			s.TransitionSynSentToOpen()
		}
	}
	if f.IsNACK() {
		if retx, ok := s.ProcessNack(f.Ack); ok {
			s.RecordRetransmit()
			out = append(out, retx)
		}
	}
	return out
}

func (p *Smart) OnMissing(s StreamHandle, missing []uint32) []frame.Frame {
	if len(missing) == 0 {
		return nil
	}
	seq := missing[0]

	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.haveNackSeq && p.lastNackSeq == seq && now.Sub(p.lastNackTime) < p.cfg.NackInterval {
		return nil
	}
	p.haveNackSeq = true
	p.lastNackSeq = seq
	p.lastNackTime = now
	return []frame.Frame{nack(s, seq)}
}

func (p *Smart) OnComplete(s StreamHandle) []frame.Frame {
	p.mu.Lock()
	p.pendingAcks++
	now := time.Now()
	if p.pendingAcks < p.cfg.AckEveryN && now.Sub(p.lastAckTime) < p.cfg.AckInterval {
		p.mu.Unlock()
		return nil
	}
	p.pendingAcks = 0
	p.lastAckTime = now
	p.mu.Unlock()
	return []frame.Frame{pureACK(s)}
}
