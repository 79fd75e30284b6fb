// Package itch decodes and encodes NASDAQ ITCH-5.0 messages.
//
// Every message is a big-endian fixed-layout record starting with an
// 11-byte common header: one type byte, a 2-byte stock locate, a 2-byte
// tracking number, and a 6-byte timestamp counting nanoseconds since
// midnight. Only the seven order-state message types are decoded into
// structs; all other types are recognized by their fixed length and
// consumed as opaque byte spans.
package itch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"jaybeams/pkg/types"
)

// HeaderSize is the length of the common message header.
const HeaderSize = 11

// ErrUnknownType reports a message type byte not present in ITCH-5.0.
var ErrUnknownType = errors.New("unknown ITCH message type")

// ErrShortMessage reports a buffer shorter than its type requires.
var ErrShortMessage = errors.New("short ITCH message")

// Message type bytes for the order-state messages.
const (
	TypeStockDirectory    = 'R'
	TypeAddOrder          = 'A'
	TypeAddOrderMPID      = 'F'
	TypeOrderExecuted     = 'E'
	TypeOrderExecutedPx   = 'C'
	TypeOrderCancel       = 'X'
	TypeOrderDelete       = 'D'
	TypeOrderReplace      = 'U'
)

// messageLengths maps every ITCH-5.0 type byte to its fixed length,
// including the types this package does not decode.
var messageLengths = map[byte]int{
	'S': 12, // system event
	'R': 39, // stock directory
	'H': 25, // stock trading action
	'Y': 20, // Reg SHO restriction
	'L': 26, // market participant position
	'V': 35, // MWCB decline level
	'W': 12, // MWCB status
	'K': 28, // IPO quoting period update
	'J': 35, // LULD auction collar
	'h': 21, // operational halt
	'A': 36, // add order
	'F': 40, // add order with MPID attribution
	'E': 31, // order executed
	'C': 36, // order executed with price
	'X': 23, // order cancel
	'D': 19, // order delete
	'U': 35, // order replace
	'P': 44, // trade (non-cross)
	'Q': 40, // cross trade
	'B': 19, // broken trade
	'I': 50, // net order imbalance indicator
	'N': 20, // retail price improvement indicator
}

// MessageLength returns the fixed length for an ITCH-5.0 type byte.
func MessageLength(msgType byte) (int, error) {
	n, ok := messageLengths[msgType]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}
	return n, nil
}

// Header is the common ITCH-5.0 message header.
type Header struct {
	Type     byte
	Locate   uint16
	Tracking uint16
	// Timestamp counts nanoseconds since midnight.
	Timestamp time.Duration
}

// DecodeHeader reads the common header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrShortMessage, len(buf), HeaderSize)
	}
	return Header{
		Type:      buf[0],
		Locate:    binary.BigEndian.Uint16(buf[1:3]),
		Tracking:  binary.BigEndian.Uint16(buf[3:5]),
		Timestamp: time.Duration(uint64(buf[5])<<40 | uint64(buf[6])<<32 | uint64(binary.BigEndian.Uint32(buf[7:11]))),
	}, nil
}

func encodeHeader(buf []byte, h Header) {
	buf[0] = h.Type
	binary.BigEndian.PutUint16(buf[1:3], h.Locate)
	binary.BigEndian.PutUint16(buf[3:5], h.Tracking)
	ns := uint64(h.Timestamp)
	buf[5] = byte(ns >> 40)
	buf[6] = byte(ns >> 32)
	binary.BigEndian.PutUint32(buf[7:11], uint32(ns))
}

// StockDirectory announces a tradeable security. Only the fields the
// book engine consumes are decoded; the remainder of the record rides
// along as opaque bytes.
type StockDirectory struct {
	Header Header
	Stock  types.Symbol
}

// AddOrder enters a new order on the book. MPID is empty for type 'A'
// and carries the attribution for type 'F'.
type AddOrder struct {
	Header   Header
	OrderRef uint64
	Side     types.Side
	Shares   int32
	Stock    types.Symbol
	Price    types.Price4
	MPID     [4]byte
}

// OrderExecuted reports shares executed against a resting order. For
// type 'C' the execution price is carried but is informational only.
type OrderExecuted struct {
	Header    Header
	OrderRef  uint64
	Shares    int32
	MatchNum  uint64
	Printable byte         // 'C' only
	Price     types.Price4 // 'C' only
}

// OrderCancel removes shares from a resting order without executing.
type OrderCancel struct {
	Header   Header
	OrderRef uint64
	Shares   int32
}

// OrderDelete removes a resting order entirely.
type OrderDelete struct {
	Header   Header
	OrderRef uint64
}

// OrderReplace atomically cancels one order and enters another at a new
// price and quantity, on the same side and symbol.
type OrderReplace struct {
	Header      Header
	OrigRef     uint64
	NewRef      uint64
	Shares      int32
	Price       types.Price4
}
