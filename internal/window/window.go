// Package window implements the per-stream, per-direction sliding window:
// the pending-ack table on the send side, and the out-of-order reassembly
// buffer on the receive side.
package window

import (
	"sort"
	"sync"
	"time"

	"meshbridge/internal/frame"
)

// Pending is a sent frame still awaiting acknowledgment.
type Pending struct {
	Frame            frame.Frame
	SendTime         time.Time
	RetransmitCount  int
}

// Window is a per-stream sliding window. All operations are safe for
// concurrent use; a single mutex guards both the send and receive sides,
// mirroring the reference implementation's single-lock design.
type Window struct {
	size int

	mu sync.Mutex

	// send side
	nextSeq uint32
	order   []uint32 // insertion order of pending seqs, for stable iteration
	pending map[uint32]*Pending

	// receive side
	nextExpectedSeq uint32
	buffer          map[uint32]frame.Frame
}

// New creates a Window with the given capacity (max in-flight frames).
func New(size int) *Window {
	return &Window{
		size:    size,
		pending: make(map[uint32]*Pending),
		buffer:  make(map[uint32]frame.Frame),
	}
}

// CanSend reports whether the window has room for another in-flight frame.
func (w *Window) CanSend() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) < w.size
}

// AllocateSeq returns the next sequence number without advancing it. The
// caller commits to it by calling MarkSent with a frame carrying this seq.
func (w *Window) AllocateSeq() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// NextExpectedSeq returns the receive side's next expected sequence number
// (i.e. the cumulative ACK value).
func (w *Window) NextExpectedSeq() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextExpectedSeq
}

// MarkSent registers f as pending acknowledgment and advances nextSeq to
// f.Seq+1. Precondition: CanSend() was true for the caller's admission
// decision (not re-checked here, matching the allocate/attempt-send/commit
// protocol described by the spec).
func (w *Window) MarkSent(f frame.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.pending[f.Seq]; !exists {
		w.order = append(w.order, f.Seq)
	}
	w.pending[f.Seq] = &Pending{Frame: f, SendTime: time.Now()}
	w.nextSeq = f.Seq + 1
}

// ProcessAck removes every pending entry with Seq < ackNum (cumulative
// semantics) and returns them in seq order, for RTT accounting.
func (w *Window) ProcessAck(ackNum uint32) []Pending {
	w.mu.Lock()
	defer w.mu.Unlock()

	var acked []Pending
	remaining := w.order[:0]
	for _, seq := range w.order {
		p, ok := w.pending[seq]
		if !ok {
			continue
		}
		if seq < ackNum {
			acked = append(acked, *p)
			delete(w.pending, seq)
		} else {
			remaining = append(remaining, seq)
		}
	}
	w.order = remaining
	sort.Slice(acked, func(i, j int) bool { return acked[i].Frame.Seq < acked[j].Frame.Seq })
	return acked
}

// ProcessNack increments the retransmit count of the pending frame named by
// nackSeq, resets its send time, and returns it for immediate retransmission.
// Returns (Pending{}, false) if nackSeq is not currently pending (a stale or
// duplicate NACK), which must be a silent no-op to the caller.
func (w *Window) ProcessNack(nackSeq uint32) (Pending, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[nackSeq]
	if !ok {
		return Pending{}, false
	}
	p.RetransmitCount++
	p.SendTime = time.Now()
	return *p, true
}

// RemovePending discards a pending entry without acknowledgment (used when
// a SYN's own pending slot must be cleared after a SYN+ACK handshake).
func (w *Window) RemovePending(seq uint32) (frame.Frame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[seq]
	if !ok {
		return frame.Frame{}, false
	}
	delete(w.pending, seq)
	for i, s := range w.order {
		if s == seq {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	return p.Frame, true
}

// GetPendingForRetransmit scans the pending table for entries whose age has
// reached timeout. Entries already at max_retransmits are reported in
// exceeded (and left untouched, the caller decides to abandon); the rest
// have their retransmit count bumped, send time reset, and are returned for
// reissue.
func (w *Window) GetPendingForRetransmit(timeout time.Duration, maxRetransmits int) (retransmit []frame.Frame, exceeded []uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for _, seq := range w.order {
		p, ok := w.pending[seq]
		if !ok {
			continue
		}
		if now.Sub(p.SendTime) < timeout {
			continue
		}
		if p.RetransmitCount >= maxRetransmits {
			exceeded = append(exceeded, seq)
			continue
		}
		p.RetransmitCount++
		p.SendTime = now
		retransmit = append(retransmit, p.Frame)
	}
	return retransmit, exceeded
}

// PendingCount returns the number of unacknowledged in-flight frames.
func (w *Window) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// ReceiveFrame processes an incoming payload-bearing frame against the
// receive side. It returns the frame and true if it was delivered in-order
// (seq == nextExpectedSeq, which is then advanced by one); returns
// (Frame{}, false) for a duplicate (seq < nextExpectedSeq, never
// re-delivered) or an out-of-order arrival (buffered for later).
func (w *Window) ReceiveFrame(f frame.Frame) (frame.Frame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if f.Seq < w.nextExpectedSeq {
		return frame.Frame{}, false
	}
	if f.Seq == w.nextExpectedSeq {
		w.nextExpectedSeq = f.Seq + 1
		return f, true
	}
	w.buffer[f.Seq] = f
	return frame.Frame{}, false
}

// GetDeliverableFrames drains the prefix of the out-of-order buffer that is
// now contiguous with nextExpectedSeq, advancing it once per frame. Call
// this immediately after a ReceiveFrame that returned delivered=true.
func (w *Window) GetDeliverableFrames() []frame.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []frame.Frame
	for {
		f, ok := w.buffer[w.nextExpectedSeq]
		if !ok {
			break
		}
		delete(w.buffer, w.nextExpectedSeq)
		out = append(out, f)
		w.nextExpectedSeq++
	}
	return out
}

// GetMissingSeqs returns, in ascending order, every sequence number in
// [nextExpectedSeq, max(buffered)) that is absent from the buffer. Returns
// nil if the buffer is empty.
func (w *Window) GetMissingSeqs() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buffer) == 0 {
		return nil
	}
	var maxBuffered uint32
	first := true
	for seq := range w.buffer {
		if first || seq > maxBuffered {
			maxBuffered = seq
			first = false
		}
	}
	var missing []uint32
	for seq := w.nextExpectedSeq; seq < maxBuffered; seq++ {
		if _, ok := w.buffer[seq]; !ok {
			missing = append(missing, seq)
		}
	}
	return missing
}

// Clear resets all window state (used on RST).
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = make(map[uint32]*Pending)
	w.order = nil
	w.buffer = make(map[uint32]frame.Frame)
	w.nextSeq = 0
	w.nextExpectedSeq = 0
}
