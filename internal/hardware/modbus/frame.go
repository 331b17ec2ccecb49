package modbus

import (
	"encoding/binary"
	"fmt"
)

// Frame is one Modbus TCP application data unit: the 7 byte MBAP header
// followed by function code and data.
type Frame struct {
	TransactionID uint16
	ProtocolID    uint16 // always 0 for Modbus
	Length        uint16 // bytes following the length field
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncReadHoldingRegisters = 0x03
	FuncReadInputRegisters   = 0x04
	FuncWriteSingleRegister  = 0x06

	exceptionFlag = 0x80
	headerLen     = 7
	maxFrameLen   = 260
)

// ExceptionError is returned when the server answers with an exception
// response.
type ExceptionError struct {
	Function uint8
	Code     uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X on function 0x%02X", e.Code, e.Function)
}

func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // unit id + function code

	buf := make([]byte, headerLen+1+len(f.Data))
	binary.BigEndian.PutUint16(buf[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], f.Length)
	buf[6] = f.UnitID
	buf[7] = f.FunctionCode
	copy(buf[8:], f.Data)

	return buf
}

func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < headerLen+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	f := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}
	if f.ProtocolID != 0 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", f.ProtocolID)
	}
	if int(f.Length) != len(data)-6 {
		return nil, fmt.Errorf("length field %d does not match %d payload bytes", f.Length, len(data)-6)
	}
	if len(data) > headerLen+1 {
		f.Data = data[headerLen+1:]
	}

	if f.FunctionCode&exceptionFlag != 0 {
		code := uint8(0)
		if len(f.Data) > 0 {
			code = f.Data[0]
		}
		return f, &ExceptionError{Function: f.FunctionCode &^ exceptionFlag, Code: code}
	}

	return f, nil
}

func readRequest(function uint8, unitID uint8, start, quantity uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &Frame{UnitID: unitID, FunctionCode: function, Data: data}
}

func ReadHoldingRegistersRequest(unitID uint8, start, quantity uint16) *Frame {
	return readRequest(FuncReadHoldingRegisters, unitID, start, quantity)
}

func ReadInputRegistersRequest(unitID uint8, start, quantity uint16) *Frame {
	return readRequest(FuncReadInputRegisters, unitID, start, quantity)
}

func WriteSingleRegisterRequest(unitID uint8, addr, value uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)

	return &Frame{UnitID: unitID, FunctionCode: FuncWriteSingleRegister, Data: data}
}

// Registers parses a holding or input register response.
func (f *Frame) Registers() ([]uint16, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(f.Data[0])
	if byteCount%2 != 0 || len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("incomplete register data")
	}

	regs := make([]uint16, byteCount/2)
	for i := range regs {
		off := 1 + i*2
		regs[i] = binary.BigEndian.Uint16(f.Data[off : off+2])
	}
	return regs, nil
}
