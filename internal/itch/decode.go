package itch

import (
	"encoding/binary"
	"fmt"

	"jaybeams/pkg/types"
)

func checkLength(buf []byte, msgType byte) error {
	want, err := MessageLength(msgType)
	if err != nil {
		return err
	}
	if len(buf) < want {
		return fmt.Errorf("%w: type %q has %d bytes, need %d", ErrShortMessage, msgType, len(buf), want)
	}
	return nil
}

// DecodeStockDirectory decodes an 'R' message.
func DecodeStockDirectory(buf []byte) (StockDirectory, error) {
	if err := checkLength(buf, TypeStockDirectory); err != nil {
		return StockDirectory{}, err
	}
	h, _ := DecodeHeader(buf)
	return StockDirectory{
		Header: h,
		Stock:  types.SymbolFromBytes(buf[11:19]),
	}, nil
}

// DecodeAddOrder decodes an 'A' or 'F' message.
func DecodeAddOrder(buf []byte) (AddOrder, error) {
	if err := checkLength(buf, buf[0]); err != nil {
		return AddOrder{}, err
	}
	h, _ := DecodeHeader(buf)
	msg := AddOrder{
		Header:   h,
		OrderRef: binary.BigEndian.Uint64(buf[11:19]),
		Side:     types.Side(buf[19]),
		Shares:   int32(binary.BigEndian.Uint32(buf[20:24])),
		Stock:    types.SymbolFromBytes(buf[24:32]),
		Price:    types.Price4(binary.BigEndian.Uint32(buf[32:36])),
	}
	if h.Type == TypeAddOrderMPID {
		copy(msg.MPID[:], buf[36:40])
	}
	return msg, nil
}

// DecodeOrderExecuted decodes an 'E' or 'C' message.
func DecodeOrderExecuted(buf []byte) (OrderExecuted, error) {
	if err := checkLength(buf, buf[0]); err != nil {
		return OrderExecuted{}, err
	}
	h, _ := DecodeHeader(buf)
	msg := OrderExecuted{
		Header:   h,
		OrderRef: binary.BigEndian.Uint64(buf[11:19]),
		Shares:   int32(binary.BigEndian.Uint32(buf[19:23])),
		MatchNum: binary.BigEndian.Uint64(buf[23:31]),
	}
	if h.Type == TypeOrderExecutedPx {
		msg.Printable = buf[31]
		msg.Price = types.Price4(binary.BigEndian.Uint32(buf[32:36]))
	}
	return msg, nil
}

// DecodeOrderCancel decodes an 'X' message.
func DecodeOrderCancel(buf []byte) (OrderCancel, error) {
	if err := checkLength(buf, TypeOrderCancel); err != nil {
		return OrderCancel{}, err
	}
	h, _ := DecodeHeader(buf)
	return OrderCancel{
		Header:   h,
		OrderRef: binary.BigEndian.Uint64(buf[11:19]),
		Shares:   int32(binary.BigEndian.Uint32(buf[19:23])),
	}, nil
}

// DecodeOrderDelete decodes a 'D' message.
func DecodeOrderDelete(buf []byte) (OrderDelete, error) {
	if err := checkLength(buf, TypeOrderDelete); err != nil {
		return OrderDelete{}, err
	}
	h, _ := DecodeHeader(buf)
	return OrderDelete{
		Header:   h,
		OrderRef: binary.BigEndian.Uint64(buf[11:19]),
	}, nil
}

// DecodeOrderReplace decodes a 'U' message.
func DecodeOrderReplace(buf []byte) (OrderReplace, error) {
	if err := checkLength(buf, TypeOrderReplace); err != nil {
		return OrderReplace{}, err
	}
	h, _ := DecodeHeader(buf)
	return OrderReplace{
		Header:  h,
		OrigRef: binary.BigEndian.Uint64(buf[11:19]),
		NewRef:  binary.BigEndian.Uint64(buf[19:27]),
		Shares:  int32(binary.BigEndian.Uint32(buf[27:31])),
		Price:   types.Price4(binary.BigEndian.Uint32(buf[31:35])),
	}, nil
}
