// Package stream implements the per-stream state machine and the public
// byte-oriented send/recv API described by the transport's core. A Stream
// owns exactly one sliding window, one ACK/NACK policy instance, a
// reassembling receive buffer, and a queue of outbound chunks awaiting
// window space.
package stream

import (
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshbridge/internal/ackpolicy"
	"meshbridge/internal/frame"
	"meshbridge/internal/window"
)

// State is the stream lifecycle state. CLOSED is both the initial and the
// terminal state.
type State int

const (
	StateClosed State = iota
	StateSynSent
	StateOpen
	StateFinSent
	StateFinRecv
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateOpen:
		return "OPEN"
	case StateFinSent:
		return "FIN_SENT"
	case StateFinRecv:
		return "FIN_RECV"
	default:
		return "UNKNOWN"
	}
}

// Stats are the per-stream counters supplementing the spec's named fields,
// grounded in original_source/reliability/stream.py's StreamStats.
type Stats struct {
	BytesSent       uint64
	BytesReceived   uint64
	FramesSent      uint64
	FramesReceived  uint64
	Retransmits     uint64
	FramesDropped   uint64 // never incremented: undecodable datagrams are dropped by streammgr before any stream is looked up
	MaxPending      int
	RTTCount        uint64
	RTTSumMillis    float64
	RTTMaxMillis    float64
	CreatedAt       time.Time
}

// AverageRTT returns the mean observed RTT, or zero if none have been
// recorded yet.
func (s Stats) AverageRTT() time.Duration {
	if s.RTTCount == 0 {
		return 0
	}
	return time.Duration(s.RTTSumMillis/float64(s.RTTCount)) * time.Millisecond
}

// Config bundles the tunables a Stream needs, mirroring the reference
// implementation's common/config.py fields relevant to a single stream.
type Config struct {
	WindowSize          int
	ChunkPayloadSize    int
	RetransmitTimeout   time.Duration
	MaxRetransmits      int
	StreamTimeout       time.Duration
}

// SendFunc transmits an already-encoded frame to the stream's remote node.
// It returns whether the underlying transport accepted the datagram; a
// false return means the frame was NOT marked as sent and the caller may
// retry later.
type SendFunc func(encoded []byte) bool

// Stream is a bidirectional, ordered byte stream between two mesh nodes.
type Stream struct {
	id            uint32
	remoteNodeID  uint32
	cfg           Config
	send          SendFunc
	policy        ackpolicy.Policy
	log           *zap.Logger

	mu    sync.Mutex // guards state, lastActivity, stats
	state State
	stats Stats
	lastActivity time.Time

	win *window.Window

	recvMu    sync.Mutex
	recvBuf   []byte
	recvCond  *sync.Cond
	closed    bool // mirrors state machine reaching a terminal condition for recv wakeups

	sendMu    sync.Mutex
	sendQueue [][]byte
}

// New constructs a Stream in the CLOSED state. Callers must call Open (for
// a client-initiated stream) or Accept (for a gateway-accepted stream)
// before using Send/Recv.
func New(id, remoteNodeID uint32, cfg Config, send SendFunc, policy ackpolicy.Policy, log *zap.Logger) *Stream {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 4
	}
	s := &Stream{
		id:           id,
		remoteNodeID: remoteNodeID,
		cfg:          cfg,
		send:         send,
		policy:       policy,
		log:          log.With(zap.Uint32("stream_id", id), zap.Uint32("remote_node", remoteNodeID)),
		state:        StateClosed,
		stats:        Stats{CreatedAt: time.Now()},
		lastActivity: time.Now(),
		win:          window.New(cfg.WindowSize),
	}
	s.recvCond = sync.NewCond(&s.recvMu)
	return s
}

// StreamID implements ackpolicy.StreamHandle.
func (s *Stream) StreamID() uint32 { return s.id }

// RemoteNodeID returns the mesh node id this stream talks to.
func (s *Stream) RemoteNodeID() uint32 { return s.remoteNodeID }

// AllocateSeq implements ackpolicy.StreamHandle.
func (s *Stream) AllocateSeq() uint32 { return s.win.AllocateSeq() }

// NextExpectedSeq implements ackpolicy.StreamHandle.
func (s *Stream) NextExpectedSeq() uint32 { return s.win.NextExpectedSeq() }

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the stream's current statistics.
func (s *Stream) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Stream) setState(newState State) {
	old := s.state
	s.state = newState
	if old != newState {
		s.log.Debug("state transition", zap.Stringer("from", old), zap.Stringer("to", newState))
	}
}

func (s *Stream) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// sendFrame encodes and transmits f. On success it updates send stats and
// the activity timestamp; it never marks window state — callers that need
// the frame tracked for retransmission call win.MarkSent themselves after a
// successful send.
func (s *Stream) sendFrame(f frame.Frame) bool {
	encoded, err := frame.Encode(f)
	if err != nil {
		s.log.Error("failed to encode outgoing frame", zap.Error(err))
		return false
	}
	if !s.send(encoded) {
		return false
	}
	s.mu.Lock()
	s.stats.FramesSent++
	s.stats.BytesSent += uint64(len(f.Payload))
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.log.Debug("sent frame", zap.Stringer("frame", frameStringer{f}))
	return true
}

type frameStringer struct{ f frame.Frame }

func (fs frameStringer) String() string { return fs.f.String() }

func (s *Stream) updateMaxPending() {
	pending := s.win.PendingCount()
	s.mu.Lock()
	if pending > s.stats.MaxPending {
		s.stats.MaxPending = pending
	}
	s.mu.Unlock()
}

// Open initiates a client-side stream: only valid from CLOSED. It allocates
// a sequence number, sends a SYN, and — on success — registers the SYN in
// the window and transitions to SYN_SENT.
func (s *Stream) Open(synPayload []byte) bool {
	s.mu.Lock()
	if s.state != StateClosed {
		s.log.Warn("cannot open, not CLOSED", zap.Stringer("state", s.state))
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	f := frame.Frame{
		StreamID: s.id,
		Seq:      s.win.AllocateSeq(),
		Ack:      s.win.NextExpectedSeq(),
		Flags:    frame.FlagSYN,
		Payload:  synPayload,
	}
	if !s.sendFrame(f) {
		return false
	}
	s.win.MarkSent(f)
	s.updateMaxPending()

	s.mu.Lock()
	s.setState(StateSynSent)
	s.mu.Unlock()
	return true
}

// Accept accepts an incoming stream (gateway side): only valid from CLOSED,
// after the triggering SYN has already been fed through ReceiveFrame (so
// NextExpectedSeq already reflects it). It sends SYN|ACK and transitions to
// OPEN on success, reverting to CLOSED if the send itself fails so that
// local state stays consistent with the peer (which never saw an accept).
func (s *Stream) Accept() bool {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	f := frame.Frame{
		StreamID: s.id,
		Seq:      s.win.AllocateSeq(),
		Ack:      s.win.NextExpectedSeq(),
		Flags:    frame.FlagSYN | frame.FlagACK,
	}
	if !s.sendFrame(f) {
		s.log.Warn("failed to send SYN-ACK, staying CLOSED")
		return false
	}
	s.win.MarkSent(f)
	s.updateMaxPending()

	s.mu.Lock()
	s.setState(StateOpen)
	s.mu.Unlock()
	return true
}

// Send splits data into chunks of at most ChunkPayloadSize bytes (clamped to
// frame.MaxPayloadSize), appends them to the outbound
// queue, and drains the queue into the window while space allows. It
// returns the number of bytes queued (not necessarily yet transmitted);
// valid in OPEN or SYN_SENT (to permit zero-RTT queueing). Safe for
// concurrent calls.
func (s *Stream) Send(data []byte) int {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != StateOpen && st != StateSynSent {
		s.log.Warn("cannot send, stream not open", zap.Stringer("state", st))
		return 0
	}

	chunks := frame.Chunks(data, s.cfg.ChunkPayloadSize)
	s.sendMu.Lock()
	for _, c := range chunks {
		cp := make([]byte, len(c))
		copy(cp, c)
		s.sendQueue = append(s.sendQueue, cp)
	}
	s.sendMu.Unlock()

	s.drainSendQueue()
	return len(data)
}

// drainSendQueue sends queued chunks while the window admits them, running
// the policy's OnSend/OnChunksSent hooks around the batch.
func (s *Stream) drainSendQueue() int {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	sent := 0
	for len(s.sendQueue) > 0 && s.win.CanSend() {
		chunk := s.sendQueue[0]

		f := frame.Frame{
			StreamID: s.id,
			Seq:      s.win.AllocateSeq(),
			Ack:      s.win.NextExpectedSeq(),
			Flags:    frame.FlagACK,
			Payload:  chunk,
		}

		for _, ctrl := range s.policy.OnSend(s, f) {
			s.sendFrame(ctrl)
		}

		if s.sendFrame(f) {
			s.win.MarkSent(f)
			s.updateMaxPending()
			s.sendQueue = s.sendQueue[1:]
			sent++
		} else {
			break
		}
	}
	if sent > 0 {
		for _, ctrl := range s.policy.OnChunksSent(s) {
			s.sendFrame(ctrl)
		}
	}
	return sent
}

// ProcessAck implements ackpolicy.StreamHandle: applies a cumulative ACK to
// the window and records RTTs for newly-acked frames. Returns whether
// anything was actually acknowledged.
func (s *Stream) ProcessAck(ackNum uint32) bool {
	acked := s.win.ProcessAck(ackNum)
	if len(acked) == 0 {
		return false
	}
	now := time.Now()
	s.mu.Lock()
	for _, p := range acked {
		rtt := now.Sub(p.SendTime)
		if rtt < 0 {
			rtt = 0
		}
		ms := float64(rtt) / float64(time.Millisecond)
		s.stats.RTTCount++
		s.stats.RTTSumMillis += ms
		if ms > s.stats.RTTMaxMillis {
			s.stats.RTTMaxMillis = ms
		}
	}
	s.mu.Unlock()
	return true
}

// ProcessNack implements ackpolicy.StreamHandle.
func (s *Stream) ProcessNack(nackSeq uint32) (frame.Frame, bool) {
	p, ok := s.win.ProcessNack(nackSeq)
	if !ok {
		return frame.Frame{}, false
	}
	return p.Frame, true
}

// RecordRetransmit implements ackpolicy.StreamHandle.
func (s *Stream) RecordRetransmit() {
	s.mu.Lock()
	s.stats.Retransmits++
	s.mu.Unlock()
}

// TransitionSynSentToOpen implements ackpolicy.StreamHandle: moves
// SYN_SENT -> OPEN if currently in SYN_SENT. Returns whether it did.
func (s *Stream) TransitionSynSentToOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSynSent {
		s.setState(StateOpen)
		return true
	}
	return false
}

// AcceptSynAck implements ackpolicy.StreamHandle: feeds a SYN+ACK through
// the window's receive path to accept the peer's initial sequence, clears
// our own SYN's pending slot, and transitions SYN_SENT -> OPEN.
func (s *Stream) AcceptSynAck(f frame.Frame) {
	s.win.ReceiveFrame(f)
	s.win.RemovePending(0)
	s.mu.Lock()
	if s.state == StateSynSent {
		s.setState(StateOpen)
	}
	s.mu.Unlock()
}

// ReceiveFrame is the manager's single entry point for injecting a
// demultiplexed frame into this stream. See spec §4.4 for the processing
// order: activity timestamp, then policy control handling, then SYN/RST/
// FIN/payload branching, then an attempt to drain the send queue (new
// window slack may have opened from ACKs carried by this same frame).
func (s *Stream) ReceiveFrame(f frame.Frame) {
	s.touch()
	s.mu.Lock()
	s.stats.FramesReceived++
	s.mu.Unlock()
	s.log.Debug("received frame", zap.Stringer("frame", frameStringer{f}))

	for _, ctrl := range s.policy.HandleControl(s, f) {
		s.sendFrame(ctrl)
	}

	switch {
	case f.IsSYN():
		// Feed the SYN (or SYN+ACK) through the receive window so
		// NextExpectedSeq accounts for the peer's initial sequence. A
		// duplicate/retransmitted handshake frame is below NextExpectedSeq
		// and changes nothing; the manager is responsible for routing brand
		// new SYNs to a fresh stream and calling Accept().
		s.win.ReceiveFrame(f)
		return

	case f.IsRST():
		s.mu.Lock()
		s.setState(StateClosed)
		s.mu.Unlock()
		s.win.Clear()
		s.wakeRecv()
		s.log.Info("RST received, stream closed")
		return

	case f.IsFIN():
		s.mu.Lock()
		wasFinSent := s.state == StateFinSent
		if wasFinSent {
			s.setState(StateClosed)
		} else {
			s.setState(StateFinRecv)
		}
		s.mu.Unlock()
		ack := frame.Frame{
			StreamID: s.id,
			Seq:      s.win.AllocateSeq(),
			Ack:      f.Seq + 1,
			Flags:    frame.FlagACK,
		}
		s.sendFrame(ack)
		s.win.MarkSent(ack)
		if wasFinSent {
			s.log.Info("FIN received after our own FIN, stream CLOSED")
		} else {
			s.log.Info("FIN received, stream FIN_RECV")
		}
		s.wakeRecv()
		return
	}

	if len(f.Payload) > 0 {
		delivered, ok := s.win.ReceiveFrame(f)
		if ok {
			s.appendRecv(delivered.Payload)
			for _, buffered := range s.win.GetDeliverableFrames() {
				s.appendRecv(buffered.Payload)
			}
			for _, ctrl := range s.policy.OnComplete(s) {
				s.sendFrame(ctrl)
			}
		} else {
			if missing := s.win.GetMissingSeqs(); len(missing) > 0 {
				for _, ctrl := range s.policy.OnMissing(s, missing) {
					s.sendFrame(ctrl)
				}
			}
		}
	}

	// New window slack may have opened from ACKs piggybacked on f; this is
	// intentionally outside any lock Stream itself holds — the window and
	// send queue have their own locks.
	s.drainSendQueue()
}

func (s *Stream) appendRecv(payload []byte) {
	if len(payload) == 0 {
		return
	}
	s.recvMu.Lock()
	s.recvBuf = append(s.recvBuf, payload...)
	s.mu.Lock()
	s.stats.BytesReceived += uint64(len(payload))
	s.mu.Unlock()
	s.recvCond.Broadcast()
	s.recvMu.Unlock()
}

func (s *Stream) wakeRecv() {
	s.recvMu.Lock()
	s.recvCond.Broadcast()
	s.recvMu.Unlock()
}

// Recv returns up to maxBytes from the receive buffer, blocking up to
// timeout (or indefinitely if timeout <= 0) until data arrives or the
// stream closes. Returns nil on timeout or close.
func (s *Stream) Recv(maxBytes int, timeout time.Duration) []byte {
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	for {
		if len(s.recvBuf) > 0 {
			n := maxBytes
			if n <= 0 || n > len(s.recvBuf) {
				n = len(s.recvBuf)
			}
			out := make([]byte, n)
			copy(out, s.recvBuf[:n])
			s.recvBuf = s.recvBuf[n:]
			return out
		}

		if s.isTerminalForRecv() {
			return nil
		}

		if !hasDeadline {
			s.recvCond.Wait()
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		s.waitWithTimeout(remaining)
		if time.Now().After(deadline) && len(s.recvBuf) == 0 {
			return nil
		}
	}
}

func (s *Stream) isTerminalForRecv() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed || s.state == StateFinRecv
}

// waitWithTimeout wakes the condvar wait after d by broadcasting from a
// timer goroutine; sync.Cond has no native timed wait.
func (s *Stream) waitWithTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		s.recvMu.Lock()
		s.recvCond.Broadcast()
		s.recvMu.Unlock()
	})
	s.recvCond.Wait()
	timer.Stop()
}

// Close gracefully closes the stream from OPEN: sends FIN|ACK and
// transitions to FIN_SENT.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	f := frame.Frame{
		StreamID: s.id,
		Seq:      s.win.AllocateSeq(),
		Ack:      s.win.NextExpectedSeq(),
		Flags:    frame.FlagFIN | frame.FlagACK,
	}
	if s.sendFrame(f) {
		s.win.MarkSent(f)
		s.updateMaxPending()
		s.mu.Lock()
		s.setState(StateFinSent)
		s.mu.Unlock()
		s.log.Info("FIN sent, stream FIN_SENT")
	}
}

// Reset aborts the stream immediately: sends an RST with seq=ack=0
// (unconditional closure signal; a conforming peer must not reason about
// the seq/ack fields of an RST) and clears the window. payload is carried
// best-effort on the RST frame (e.g. "Connection failed" for a gateway
// dial failure); pass nil for a bare RST.
func (s *Stream) Reset(payload []byte) {
	f := frame.Frame{
		StreamID: s.id,
		Seq:      0,
		Ack:      0,
		Flags:    frame.FlagRST,
		Payload:  payload,
	}
	s.sendFrame(f)
	s.mu.Lock()
	s.setState(StateClosed)
	s.mu.Unlock()
	s.win.Clear()
	s.wakeRecv()
	s.log.Info("RST sent, stream closed")
}

// CheckRetransmits runs the window's retransmit sweep and reissues the
// indicated frames. It returns false iff any frame exceeded
// max_retransmits, in which case the caller must abandon the stream.
func (s *Stream) CheckRetransmits() bool {
	toRetransmit, exceeded := s.win.GetPendingForRetransmit(s.cfg.RetransmitTimeout, s.cfg.MaxRetransmits)

	for _, f := range toRetransmit {
		if s.sendFrame(f) {
			s.mu.Lock()
			s.stats.Retransmits++
			s.mu.Unlock()
		}
	}

	if len(exceeded) > 0 {
		s.log.Warn("frames exceeded max retransmits", zap.Int("count", len(exceeded)))
		return false
	}
	return true
}

// IsTimedOut reports whether the stream has been inactive longer than its
// configured inactivity timeout.
func (s *Stream) IsTimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > s.cfg.StreamTimeout
}

// readTimeout bounds each blocking Recv call a Read makes. Read itself
// retries after every timeout, so it returns only once data arrives or the
// stream reaches CLOSED or FIN_RECV.
const readTimeout = 30 * time.Second

// Read implements io.Reader over Recv, letting a Stream feed io.Copy
// directly the way the upstream proxy pumps two net.Conns together.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		b := s.Recv(len(p), readTimeout)
		if b != nil {
			return copy(p, b), nil
		}
		if s.isTerminalForRecv() {
			return 0, io.EOF
		}
		// Recv timed out with the stream still open; try again.
	}
}

// Write implements io.Writer over Send. Send never blocks or partially
// fails on a live stream — chunks that cannot fit the window yet stay
// queued — so Write always reports the full length written.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != StateOpen && st != StateSynSent {
		return 0, io.ErrClosedPipe
	}
	return s.Send(p), nil
}
