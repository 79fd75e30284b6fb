package mold

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"jaybeams/internal/itch"
	"jaybeams/pkg/types"
)

// fakeClock records requested sleeps instead of blocking.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

// packetSink captures emitted packets.
type packetSink struct {
	packets [][]byte
}

func (s *packetSink) send(p []byte) error {
	s.packets = append(s.packets, append([]byte(nil), p...))
	return nil
}

// rawMessage builds an ITCH add-order with the given timestamp, padded
// to the requested wire size with trailing opaque bytes.
func rawMessage(ts time.Duration, size int) []byte {
	msg := itch.AddOrder{
		Header:   itch.Header{Timestamp: ts},
		OrderRef: 1,
		Side:     types.Buy,
		Shares:   100,
		Stock:    types.NewSymbol("HSART"),
		Price:    100000,
	}.Encode(nil)
	for len(msg) < size {
		msg = append(msg, 0)
	}
	return msg
}

func pacerConfig(maxDelay time.Duration, mtu int) PacerConfig {
	return PacerConfig{MaxDelay: maxDelay, MTU: mtu}
}

func TestPacerCoalescesCloseMessages(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	sink := &packetSink{}
	p := NewPacer(pacerConfig(time.Millisecond, 250), "TESTSESSON", clock)

	if err := p.HandleMessage(rawMessage(0, 100), sink.send); err != nil {
		t.Fatal(err)
	}
	if err := p.HandleMessage(rawMessage(500*time.Microsecond, 80), sink.send); err != nil {
		t.Fatal(err)
	}
	if len(sink.packets) != 0 {
		t.Fatalf("no packet should flush while coalescing, got %d", len(sink.packets))
	}
	if err := p.Flush(500*time.Microsecond, sink.send); err != nil {
		t.Fatal(err)
	}
	if len(sink.packets) != 1 {
		t.Fatalf("packets = %d, want 1", len(sink.packets))
	}
	h, err := DecodeHeader(sink.packets[0])
	if err != nil {
		t.Fatal(err)
	}
	if h.SequenceNum != 0 || h.BlockCount != 2 {
		t.Errorf("header = seq %d count %d, want seq 0 count 2", h.SequenceNum, h.BlockCount)
	}
	if got := string(h.SessionID[:]); got != "TESTSESSON" {
		t.Errorf("session id = %q", got)
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("coalescing should not sleep, got %v", clock.sleeps)
	}
}

// A message that would overflow the MTU flushes the pending packet
// first; a message past the coalescing window flushes and sleeps out
// the feed gap.
func TestPacerFlushOnOverflowAndGap(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	sink := &packetSink{}
	p := NewPacer(pacerConfig(time.Millisecond, 250), "TESTSESSON", clock)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(p.HandleMessage(rawMessage(0, 100), sink.send))
	must(p.HandleMessage(rawMessage(500*time.Microsecond, 80), sink.send))
	// 80 more bytes cannot fit: 20 + (100+2) + (80+2) + (80+2) > 250.
	must(p.HandleMessage(rawMessage(600*time.Microsecond, 80), sink.send))
	if len(sink.packets) != 1 {
		t.Fatalf("overflow should have flushed one packet, got %d", len(sink.packets))
	}
	h, _ := DecodeHeader(sink.packets[0])
	if h.SequenceNum != 0 || h.BlockCount != 2 {
		t.Errorf("packet 1 = seq %d count %d, want seq 0 count 2", h.SequenceNum, h.BlockCount)
	}

	// 5ms is far past the 1ms window: flush {m3} and sleep the gap.
	must(p.HandleMessage(rawMessage(5*time.Millisecond, 40), sink.send))
	if len(sink.packets) != 2 {
		t.Fatalf("gap should have flushed the second packet, got %d", len(sink.packets))
	}
	h, _ = DecodeHeader(sink.packets[1])
	if h.SequenceNum != 2 || h.BlockCount != 1 {
		t.Errorf("packet 2 = seq %d count %d, want seq 2 count 1", h.SequenceNum, h.BlockCount)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != 4400*time.Microsecond {
		t.Errorf("sleeps = %v, want one 4.4ms sleep", clock.sleeps)
	}

	must(p.Flush(5*time.Millisecond, sink.send))
	h, _ = DecodeHeader(sink.packets[2])
	if h.SequenceNum != 3 || h.BlockCount != 1 {
		t.Errorf("packet 3 = seq %d count %d, want seq 3 count 1", h.SequenceNum, h.BlockCount)
	}
}

// Sequence numbers chain: seq(k+1) = seq(k) + blocks(k), and the block
// count always matches the blocks in the packet.
func TestPacerSequenceContinuity(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	sink := &packetSink{}
	p := NewPacer(pacerConfig(time.Millisecond, 200), "TESTSESSON", clock)

	ts := time.Duration(0)
	for i := 0; i < 50; i++ {
		// Alternate bursts and gaps to force a mix of packet shapes.
		if i%7 == 0 {
			ts += 2 * time.Millisecond
		} else {
			ts += 100 * time.Microsecond
		}
		if err := p.HandleMessage(rawMessage(ts, 40+(i%3)*20), sink.send); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Flush(ts, sink.send); err != nil {
		t.Fatal(err)
	}

	var nextSeq uint64
	var total int
	for i, pkt := range sink.packets {
		h, err := DecodeHeader(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if h.SequenceNum != nextSeq {
			t.Errorf("packet %d: seq = %d, want %d", i, h.SequenceNum, nextSeq)
		}
		blocks := 0
		err = Blocks(pkt, func(payload []byte) error {
			blocks++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if blocks != int(h.BlockCount) {
			t.Errorf("packet %d: header count %d, actual blocks %d", i, h.BlockCount, blocks)
		}
		nextSeq += uint64(h.BlockCount)
		total += blocks
	}
	if total != 50 {
		t.Errorf("blocks across all packets = %d, want 50", total)
	}
}

// A heartbeat with nothing pending emits an empty-body packet carrying
// the next expected sequence number.
func TestPacerHeartbeat(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	sink := &packetSink{}
	p := NewPacer(pacerConfig(time.Millisecond, 250), "TESTSESSON", clock)

	if err := p.HandleMessage(rawMessage(0, 60), sink.send); err != nil {
		t.Fatal(err)
	}
	if err := p.Heartbeat(sink.send); err != nil {
		t.Fatal(err)
	}
	if err := p.Heartbeat(sink.send); err != nil {
		t.Fatal(err)
	}
	if len(sink.packets) != 2 {
		t.Fatalf("packets = %d, want 2", len(sink.packets))
	}
	h, _ := DecodeHeader(sink.packets[1])
	if h.SequenceNum != 1 || h.BlockCount != 0 {
		t.Errorf("heartbeat = seq %d count %d, want seq 1 count 0", h.SequenceNum, h.BlockCount)
	}
	if len(sink.packets[1]) != HeaderSize {
		t.Errorf("heartbeat length = %d, want bare header", len(sink.packets[1]))
	}
}

// Oversized messages fail before any pacer state changes.
func TestPacerOversizedMessage(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	sink := &packetSink{}
	p := NewPacer(pacerConfig(time.Millisecond, 100), "TESTSESSON", clock)

	err := p.HandleMessage(rawMessage(0, 90), sink.send)
	if !errors.Is(err, ErrOversizedMessage) {
		t.Fatalf("err = %v, want ErrOversizedMessage", err)
	}
	if len(sink.packets) != 0 {
		t.Errorf("no packet should have been emitted")
	}
	// The pacer is still usable for messages that fit.
	if err := p.HandleMessage(rawMessage(0, 40), sink.send); err != nil {
		t.Fatal(err)
	}
}

func TestBlocksDecodeTruncated(t *testing.T) {
	t.Parallel()

	pkt := make([]byte, HeaderSize+2)
	binary.BigEndian.PutUint16(pkt[BlockCountOffset:], 1)
	binary.BigEndian.PutUint16(pkt[HeaderSize:], 500)
	err := Blocks(pkt, func([]byte) error { return nil })
	if !errors.Is(err, ErrShortPacket) {
		t.Errorf("err = %v, want ErrShortPacket", err)
	}
}
