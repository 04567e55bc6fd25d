package stream

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"meshbridge/internal/ackpolicy"
	"meshbridge/internal/frame"
)

func testConfig() Config {
	return Config{
		WindowSize:        4,
		ChunkPayloadSize:  8,
		RetransmitTimeout: 50 * time.Millisecond,
		MaxRetransmits:    3,
		StreamTimeout:     time.Second,
	}
}

// pairedSend links two streams' sends directly, bypassing any transport, so
// tests exercise the protocol state machine end to end without a mesh
// radio.
func pairedSend(t *testing.T, target **Stream) SendFunc {
	t.Helper()
	return func(encoded []byte) bool {
		f, err := frame.Decode(encoded)
		if err != nil {
			t.Fatalf("test harness failed to decode its own frame: %v", err)
		}
		(*target).ReceiveFrame(f)
		return true
	}
}

func newPair(t *testing.T) (*Stream, *Stream) {
	t.Helper()
	log := zap.NewNop()
	var client, gateway *Stream
	client = New(1, 100, testConfig(), pairedSend(t, &gateway), ackpolicy.NewBasic(), log)
	gateway = New(1, 200, testConfig(), pairedSend(t, &client), ackpolicy.NewBasic(), log)
	return client, gateway
}

func TestHandshakeReachesOpen(t *testing.T) {
	client, gateway := newPair(t)

	if !client.Open([]byte("CONNECT example.com:443")) {
		t.Fatalf("Open failed")
	}
	if gateway.State() != StateClosed {
		t.Fatalf("gateway stream is only created by the manager on SYN; expected CLOSED here, got %s", gateway.State())
	}
	// The SYN has already reached the gateway stream; accepting it sends the
	// SYN|ACK that completes the client's side of the handshake.
	if !gateway.Accept() {
		t.Fatalf("Accept failed")
	}
	if client.State() != StateOpen {
		t.Fatalf("expected client OPEN after handshake, got %s", client.State())
	}
}

func TestAcceptThenDataExchange(t *testing.T) {
	log := zap.NewNop()
	var client, gw *Stream
	client = New(1, 100, testConfig(), pairedSend(t, &gw), ackpolicy.NewBasic(), log)
	gw = New(1, 100, testConfig(), pairedSend(t, &client), ackpolicy.NewBasic(), log)

	client.Open([]byte("CONNECT example.com:443"))
	// Simulate the manager feeding the SYN into a freshly created gateway
	// stream before Accept, as streammgr.handleSyn does.
	synFrame := frame.Frame{StreamID: 1, Seq: 0, Ack: 0, Flags: frame.FlagSYN, Payload: []byte("CONNECT example.com:443")}
	gw.ReceiveFrame(synFrame)
	if !gw.Accept() {
		t.Fatalf("Accept failed")
	}
	if gw.State() != StateOpen {
		t.Fatalf("expected gateway OPEN, got %s", gw.State())
	}
	if client.State() != StateOpen {
		t.Fatalf("expected client OPEN after SYN-ACK, got %s", client.State())
	}

	client.Send([]byte("GET / HTTP/1.0\r\n\r\n"))
	got := gw.Recv(1024, 200*time.Millisecond)
	if string(got) != "GET / HTTP/1.0\r\n\r\n" {
		t.Fatalf("gateway did not receive the client's data, got %q", got)
	}
}

func TestCloseTransitionsToFinSent(t *testing.T) {
	client, gateway := newPair(t)
	client.Open(nil)
	_ = gateway
	// Skip past the handshake directly to OPEN; the handshake itself is
	// covered by TestHandshakeReachesOpen and TestAcceptThenDataExchange.
	client.mu.Lock()
	client.setState(StateOpen)
	client.mu.Unlock()
	client.Close()
	if client.State() != StateFinSent {
		t.Fatalf("expected FIN_SENT after Close, got %s", client.State())
	}
}

func TestResetClosesImmediatelyAndWakesRecv(t *testing.T) {
	client, _ := newPair(t)
	client.Open(nil)

	done := make(chan []byte, 1)
	go func() { done <- client.Recv(10, time.Second) }()
	time.Sleep(10 * time.Millisecond)
	client.Reset(nil)

	select {
	case got := <-done:
		if got != nil {
			t.Fatalf("expected nil from Recv after Reset, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("Recv did not wake up after Reset")
	}
	if client.State() != StateClosed {
		t.Fatalf("expected CLOSED after Reset, got %s", client.State())
	}
}

func TestOutOfOrderDeliveryReassembles(t *testing.T) {
	log := zap.NewNop()
	var recvStream *Stream
	recvStream = New(1, 100, testConfig(), func([]byte) bool { return true }, ackpolicy.NewBasic(), log)

	f0 := frame.Frame{StreamID: 1, Seq: 0, Ack: 0, Flags: frame.FlagACK, Payload: []byte("AAAA")}
	f1 := frame.Frame{StreamID: 1, Seq: 1, Ack: 0, Flags: frame.FlagACK, Payload: []byte("BBBB")}

	// Force OPEN so Recv doesn't consider the stream terminal.
	recvStream.mu.Lock()
	recvStream.setState(StateOpen)
	recvStream.mu.Unlock()

	recvStream.ReceiveFrame(f1)
	recvStream.ReceiveFrame(f0)

	got := recvStream.Recv(1024, 100*time.Millisecond)
	if string(got) != "AAAABBBB" {
		t.Fatalf("expected reassembled AAAABBBB, got %q", got)
	}
}

func TestCheckRetransmitsReissuesAndReportsExceeded(t *testing.T) {
	log := zap.NewNop()
	var sent int
	s := New(1, 100, Config{
		WindowSize:        4,
		ChunkPayloadSize:  8,
		RetransmitTimeout: 0,
		MaxRetransmits:    1,
		StreamTimeout:     time.Second,
	}, func([]byte) bool { sent++; return true }, ackpolicy.NewBasic(), log)

	s.mu.Lock()
	s.setState(StateOpen)
	s.mu.Unlock()
	s.Send([]byte("hello"))

	if ok := s.CheckRetransmits(); !ok {
		t.Fatalf("expected first sweep to just retransmit, not exceed the cap")
	}
	if ok := s.CheckRetransmits(); ok {
		t.Fatalf("expected second sweep to report the frame exceeded max_retransmits")
	}
}
