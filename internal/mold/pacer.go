package mold

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"jaybeams/internal/itch"
)

// ErrOversizedMessage reports a message that cannot fit a MoldUDP64
// block or the configured MTU. It is fatal for the pacer: the condition
// is a misconfiguration that must be caught at integration time.
var ErrOversizedMessage = errors.New("oversized message")

// PacerConfig sizes the pacer.
type PacerConfig struct {
	// MaxDelay is the coalescing window: messages whose original
	// timestamps are closer than this are packed into one packet.
	MaxDelay time.Duration `mapstructure:"max-delay"`
	// MTU bounds the size of every emitted packet.
	MTU int `mapstructure:"mtu"`
}

// DefaultPacerConfig returns the production defaults.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{MaxDelay: time.Millisecond, MTU: 1400}
}

// Validate checks the configuration ranges.
func (c PacerConfig) Validate() error {
	if c.MaxDelay <= 0 {
		return fmt.Errorf("pacer.max-delay must be positive, got %v", c.MaxDelay)
	}
	if c.MTU <= HeaderSize+2 || c.MTU > rawBufSize {
		return fmt.Errorf("pacer.mtu must be in (%d, %d], got %d", HeaderSize+2, rawBufSize, c.MTU)
	}
	return nil
}

// MoldUDP64 runs over UDP; a datagram can never exceed 64 KiB, so a
// fixed scratch buffer is all the packet storage the pacer needs.
const rawBufSize = 65536

// Sink receives each completed packet. The buffer is owned by the pacer
// and only valid for the duration of the call.
type Sink func(packet []byte) error

// Pacer coalesces raw ITCH-5.0 messages into MoldUDP64 packets, pacing
// the output to match the inter-message gaps of the original feed. The
// original timestamps are read from each message's header; when a gap
// exceeds MaxDelay the pending packet is flushed and the pacer sleeps
// through the gap on the injected clock.
type Pacer struct {
	clock    Clock
	maxDelay time.Duration
	mtu      int

	buf        [rawBufSize]byte
	packetSize int
	firstBlock uint64
	firstTs    time.Duration
	blockCount uint32
	lastSend   time.Duration
	msgCount   uint64
}

// NewPacer creates a pacer writing packets for the given session id.
func NewPacer(cfg PacerConfig, session string, clock Clock) *Pacer {
	p := &Pacer{
		clock:      clock,
		maxDelay:   cfg.MaxDelay,
		mtu:        cfg.MTU,
		packetSize: HeaderSize,
	}
	id := SessionID(session)
	copy(p.buf[:SessionIDSize], id[:])
	return p
}

// HandleMessage processes one raw ITCH message: coalesce it into the
// pending packet, or flush, sleep out the feed gap, and start a new
// packet with it. Errors from the sink and oversized messages abort
// before any pacer state changes.
func (p *Pacer) HandleMessage(msg []byte, sink Sink) error {
	h, err := itch.DecodeHeader(msg)
	if err != nil {
		return err
	}
	if len(msg) >= 1<<16 {
		return fmt.Errorf("%w: %d bytes exceeds the block limit", ErrOversizedMessage, len(msg))
	}
	if len(msg) >= p.mtu-HeaderSize-2 {
		return fmt.Errorf("%w: %d bytes cannot fit a %d-byte MTU", ErrOversizedMessage, len(msg), p.mtu)
	}
	if p.msgCount == 0 {
		// Without this the very first message would always flush.
		p.lastSend = h.Timestamp
	}
	elapsed := h.Timestamp - p.lastSend
	if elapsed < p.maxDelay {
		return p.coalesce(msg, h.Timestamp, sink)
	}
	if err := p.Flush(h.Timestamp, sink); err != nil {
		return err
	}
	p.clock.Sleep(elapsed)
	return p.coalesce(msg, h.Timestamp, sink)
}

// Flush emits the pending packet, if any.
func (p *Pacer) Flush(ts time.Duration, sink Sink) error {
	if p.blockCount == 0 {
		return nil
	}
	return p.flush(ts, sink)
}

// Heartbeat emits the pending packet, or an empty-body packet carrying
// the next expected sequence number when nothing is pending.
func (p *Pacer) Heartbeat(sink Sink) error {
	return p.flush(p.firstTs, sink)
}

func (p *Pacer) coalesce(msg []byte, ts time.Duration, sink Sink) error {
	if p.packetFull(len(msg)) {
		if err := p.Flush(ts, sink); err != nil {
			return err
		}
	}
	if p.blockCount == 0 {
		p.firstBlock = p.msgCount
		p.firstTs = ts
	}
	binary.BigEndian.PutUint16(p.buf[p.packetSize:], uint16(len(msg)))
	copy(p.buf[p.packetSize+2:], msg)
	p.packetSize += len(msg) + 2
	p.blockCount++
	p.msgCount++
	return nil
}

func (p *Pacer) packetFull(blockSize int) bool {
	if blockSize+2+p.packetSize >= p.mtu {
		return true
	}
	return p.blockCount == 1<<16-1
}

func (p *Pacer) flush(ts time.Duration, sink Sink) error {
	binary.BigEndian.PutUint64(p.buf[SequenceOffset:], p.firstBlock)
	binary.BigEndian.PutUint16(p.buf[BlockCountOffset:], uint16(p.blockCount))
	if err := sink(p.buf[:p.packetSize]); err != nil {
		return err
	}
	p.lastSend = ts
	p.firstBlock += uint64(p.blockCount)
	p.blockCount = 0
	p.packetSize = HeaderSize
	return nil
}
