// Package mold implements the MoldUDP64 framing used to carry ITCH-5.0
// messages over UDP, and the pacer that re-serializes a recorded message
// stream into timed datagrams.
package mold

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MoldUDP64 packet header layout.
const (
	SessionIDSize    = 10
	SequenceOffset   = 10
	BlockCountOffset = 18
	HeaderSize       = 20
)

// ErrShortPacket reports a datagram too small to carry its own framing.
var ErrShortPacket = errors.New("short MoldUDP64 packet")

// Header is the decoded MoldUDP64 packet header. A block count of zero
// with a valid sequence number is a heartbeat.
type Header struct {
	SessionID   [SessionIDSize]byte
	SequenceNum uint64
	BlockCount  uint16
}

// DecodeHeader reads the packet header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrShortPacket, len(buf), HeaderSize)
	}
	var h Header
	copy(h.SessionID[:], buf[:SessionIDSize])
	h.SequenceNum = binary.BigEndian.Uint64(buf[SequenceOffset:])
	h.BlockCount = binary.BigEndian.Uint16(buf[BlockCountOffset:])
	return h, nil
}

// Blocks iterates the message blocks of a packet, calling fn with each
// payload. It stops with an error on a truncated block.
func Blocks(buf []byte, fn func(payload []byte) error) error {
	h, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	off := HeaderSize
	for i := 0; i < int(h.BlockCount); i++ {
		if off+2 > len(buf) {
			return fmt.Errorf("%w: block %d header at offset %d", ErrShortPacket, i, off)
		}
		n := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if off+n > len(buf) {
			return fmt.Errorf("%w: block %d payload of %d bytes at offset %d", ErrShortPacket, i, n, off)
		}
		if err := fn(buf[off : off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// SessionID pads or truncates s to the 10-byte wire representation.
func SessionID(s string) [SessionIDSize]byte {
	var id [SessionIDSize]byte
	for i := range id {
		if i < len(s) {
			id[i] = s[i]
		} else {
			id[i] = ' '
		}
	}
	return id
}
