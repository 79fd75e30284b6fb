package itch

import "encoding/binary"

// The encoders produce the exact wire image their decoders accept; the
// replay tools and the test feeds are built from them.

// Encode appends the wire image of an 'R' message to dst.
func (m StockDirectory) Encode(dst []byte) []byte {
	buf := make([]byte, 39)
	h := m.Header
	h.Type = TypeStockDirectory
	encodeHeader(buf, h)
	copy(buf[11:19], m.Stock[:])
	// Remaining directory attributes are not modeled; the fields decode
	// as their zero values.
	return append(dst, buf...)
}

// Encode appends the wire image of an 'A' or 'F' message to dst.
func (m AddOrder) Encode(dst []byte) []byte {
	h := m.Header
	if h.Type != TypeAddOrderMPID {
		h.Type = TypeAddOrder
	}
	n, _ := MessageLength(h.Type)
	buf := make([]byte, n)
	encodeHeader(buf, h)
	binary.BigEndian.PutUint64(buf[11:19], m.OrderRef)
	buf[19] = byte(m.Side)
	binary.BigEndian.PutUint32(buf[20:24], uint32(m.Shares))
	copy(buf[24:32], m.Stock[:])
	binary.BigEndian.PutUint32(buf[32:36], uint32(m.Price))
	if h.Type == TypeAddOrderMPID {
		copy(buf[36:40], m.MPID[:])
	}
	return append(dst, buf...)
}

// Encode appends the wire image of an 'E' or 'C' message to dst.
func (m OrderExecuted) Encode(dst []byte) []byte {
	h := m.Header
	if h.Type != TypeOrderExecutedPx {
		h.Type = TypeOrderExecuted
	}
	n, _ := MessageLength(h.Type)
	buf := make([]byte, n)
	encodeHeader(buf, h)
	binary.BigEndian.PutUint64(buf[11:19], m.OrderRef)
	binary.BigEndian.PutUint32(buf[19:23], uint32(m.Shares))
	binary.BigEndian.PutUint64(buf[23:31], m.MatchNum)
	if h.Type == TypeOrderExecutedPx {
		buf[31] = m.Printable
		binary.BigEndian.PutUint32(buf[32:36], uint32(m.Price))
	}
	return append(dst, buf...)
}

// Encode appends the wire image of an 'X' message to dst.
func (m OrderCancel) Encode(dst []byte) []byte {
	buf := make([]byte, 23)
	h := m.Header
	h.Type = TypeOrderCancel
	encodeHeader(buf, h)
	binary.BigEndian.PutUint64(buf[11:19], m.OrderRef)
	binary.BigEndian.PutUint32(buf[19:23], uint32(m.Shares))
	return append(dst, buf...)
}

// Encode appends the wire image of a 'D' message to dst.
func (m OrderDelete) Encode(dst []byte) []byte {
	buf := make([]byte, 19)
	h := m.Header
	h.Type = TypeOrderDelete
	encodeHeader(buf, h)
	binary.BigEndian.PutUint64(buf[11:19], m.OrderRef)
	return append(dst, buf...)
}

// Encode appends the wire image of a 'U' message to dst.
func (m OrderReplace) Encode(dst []byte) []byte {
	buf := make([]byte, 35)
	h := m.Header
	h.Type = TypeOrderReplace
	encodeHeader(buf, h)
	binary.BigEndian.PutUint64(buf[11:19], m.OrigRef)
	binary.BigEndian.PutUint64(buf[19:27], m.NewRef)
	binary.BigEndian.PutUint32(buf[27:31], uint32(m.Shares))
	binary.BigEndian.PutUint32(buf[31:35], uint32(m.Price))
	return append(dst, buf...)
}
