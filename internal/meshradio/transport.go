// Package meshradio provides the datagram transport abstraction that sits
// below the frame/window/stream layers: sending and receiving whole,
// already-encoded frames addressed to a mesh node id, over whatever radio
// link is actually attached.
package meshradio

import (
	"context"
	"hash/crc32"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Port is the application port number this transport registers on the mesh
// network, analogous to a UDP port. Chosen high enough to stay clear of the
// firmware's reserved port range.
const Port = 256

// Datagram is a received mesh packet, already demultiplexed to our port.
type Datagram struct {
	FromNode uint32
	Payload  []byte
}

// Transport is the narrow interface the stream layer depends on. Send
// returns whether the local radio accepted the packet for transmission —
// it says nothing about delivery, which is the job of the layers above.
type Transport interface {
	Send(ctx context.Context, toNode uint32, payload []byte) bool
	Recv() <-chan Datagram
	LocalNodeID() uint32
	Close() error
}

// maxBurstBytes caps the rate limiter's burst so a long idle period cannot
// let a single send blast out an unbounded backlog once traffic resumes,
// mirroring nishisan-dev-n-backup's ThrottledWriter.
const maxBurstBytes = 4096

// throttle wraps a byte-rate limit shared by every stream on a node, since
// the radio link itself has one airtime budget regardless of how many
// streams are multiplexed over it.
type throttle struct {
	limiter *rate.Limiter
}

func newThrottle(bytesPerSec int) *throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec
	if burst > maxBurstBytes {
		burst = maxBurstBytes
	}
	return &throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

func (t *throttle) wait(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	if n > t.limiter.Burst() {
		n = t.limiter.Burst()
	}
	return t.limiter.WaitN(ctx, n)
}

// dedupeTTL is how long a recently-seen (from_node, payload-hash) pair is
// remembered, long enough to absorb the mesh firmware's own hop-level
// rebroadcast duplication and well below any realistic retransmit timeout,
// so a retransmitted frame (identical bytes) that recurs seconds later is
// delivered rather than suppressed.
const dedupeTTL = 250 * time.Millisecond

// dedupeKey derives a cheap cache key for a received datagram. CRC32 of the
// payload is already computed by frame.Decode's caller in most paths; this
// is an independent, coarser hash purely for duplicate suppression and is
// not a substitute for the frame's own CRC validation.
func dedupeKey(fromNode uint32, payload []byte) string {
	return strconv.FormatUint(uint64(fromNode), 36) + ":" + strconv.FormatUint(uint64(crc32.ChecksumIEEE(payload)), 36)
}
