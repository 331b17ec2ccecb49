package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ hardware.Heatable = (*Zone)(nil)
var _ hardware.Sensor = (*Zone)(nil)
var _ hardware.Initializer = (*Zone)(nil)

// fakeServer is a minimal Modbus TCP slave with one register bank per table.
type fakeServer struct {
	ln net.Listener

	mu      sync.Mutex
	input   map[uint16]uint16
	holding map[uint16]uint16
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln, input: map[uint16]uint16{}, holding: map[uint16]uint16{}}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) setInput(addr, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input[addr] = v
}

func (s *fakeServer) holdingValue(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding[addr]
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	for {
		header := make([]byte, headerLen)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		body := make([]byte, int(binary.BigEndian.Uint16(header[4:6]))-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		req, err := DecodeFrame(append(header, body...))
		if err != nil {
			return
		}
		if _, err := conn.Write(s.respond(req).Encode()); err != nil {
			return
		}
	}
}

func (s *fakeServer) respond(req *Frame) *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &Frame{TransactionID: req.TransactionID, UnitID: req.UnitID, FunctionCode: req.FunctionCode}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	arg := binary.BigEndian.Uint16(req.Data[2:4])

	switch req.FunctionCode {
	case FuncReadInputRegisters, FuncReadHoldingRegisters:
		bank := s.holding
		if req.FunctionCode == FuncReadInputRegisters {
			bank = s.input
		}
		resp.Data = make([]byte, 1+2*int(arg))
		resp.Data[0] = byte(2 * arg)
		for i := uint16(0); i < arg; i++ {
			binary.BigEndian.PutUint16(resp.Data[1+2*i:], bank[addr+i])
		}
	case FuncWriteSingleRegister:
		s.holding[addr] = arg
		resp.Data = req.Data
	default:
		resp.FunctionCode |= exceptionFlag
		resp.Data = []byte{0x01}
	}
	return resp
}

func testZone(s *fakeServer) *Zone {
	return NewZone(ZoneConfig{
		ID:                  "grill",
		Zone:                "grill",
		Address:             s.addr(),
		UnitID:              1,
		Timeout:             time.Second,
		TemperatureRegister: 0,
		PowerRegister:       10,
		EnableRegister:      11,
	})
}

func TestZoneReadsSignedTenths(t *testing.T) {
	s := newFakeServer(t)
	z := testZone(s)
	defer z.Close()
	ctx := context.Background()

	s.setInput(0, 1753)
	c, err := z.ReadTemperature(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 175.3, c, 0.001)

	s.setInput(0, uint16(0xFFFF-49)) // -5.0
	c, err = z.ReadTemperature(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -5.0, c, 0.001)

	readings, err := z.Read(ctx)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, types.QuantityTemperature, readings[0].Quantity)
}

func TestZoneWritesPowerAndEnable(t *testing.T) {
	s := newFakeServer(t)
	z := testZone(s)
	defer z.Close()
	ctx := context.Background()

	require.NoError(t, z.Initialize(ctx))
	assert.True(t, z.Status().Online)

	require.NoError(t, z.Activate(ctx))
	require.NoError(t, z.SetPower(ctx, 42.5))
	assert.Equal(t, uint16(1), s.holdingValue(11))
	assert.Equal(t, uint16(425), s.holdingValue(10))

	require.NoError(t, z.EmergencyStop(ctx))
	assert.Equal(t, uint16(0), s.holdingValue(10))
	assert.Equal(t, uint16(0), s.holdingValue(11))

	assert.Error(t, z.SetPower(ctx, 101))
}

func TestZoneUnreachableIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	z := NewZone(ZoneConfig{ID: "fryer", Zone: "fryer", Address: addr, Timeout: 100 * time.Millisecond})
	_, err = z.ReadTemperature(context.Background())

	var the *types.TransientHardwareError
	require.True(t, errors.As(err, &the))
	assert.Equal(t, "fryer", the.Component)
	assert.NotEmpty(t, z.Status().Detail)
}

func TestDecodeExceptionResponse(t *testing.T) {
	f := &Frame{TransactionID: 7, UnitID: 1, FunctionCode: FuncReadInputRegisters | exceptionFlag, Data: []byte{0x02}}
	_, err := DecodeFrame(f.Encode())

	var ex *ExceptionError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, uint8(FuncReadInputRegisters), ex.Function)
	assert.Equal(t, uint8(0x02), ex.Code)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	_, err := DecodeFrame([]byte{0, 1, 0})
	assert.Error(t, err)

	f := WriteSingleRegisterRequest(1, 10, 5)
	buf := f.Encode()
	buf[2] = 0x01
	_, err = DecodeFrame(buf)
	assert.Error(t, err)
}
