package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Client is a Modbus TCP master for one server. Requests are serialized.
type Client struct {
	address string
	timeout time.Duration

	mu            sync.Mutex
	conn          net.Conn
	transactionID uint16
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{address: address, timeout: timeout}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.address, err)
	}
	c.conn = conn
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes the request and reads one response. The deadline is the earlier
// of ctx's deadline and the client timeout. The connection is dropped after an
// I/O error and re-dialed on the next request.
func (c *Client) Send(ctx context.Context, req *Frame) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	c.transactionID++
	req.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := c.conn.Write(req.Encode()); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("read header failed: %w", err)
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || headerLen+length-1 > maxFrameLen {
		c.closeLocked()
		return nil, fmt.Errorf("invalid length field %d", length)
	}

	buf := make([]byte, headerLen+length-1)
	copy(buf, header)
	if _, err := io.ReadFull(c.conn, buf[headerLen:]); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("read body failed: %w", err)
	}

	resp, err := DecodeFrame(buf)
	if err != nil {
		return nil, err
	}
	if resp.TransactionID != req.TransactionID {
		c.closeLocked()
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d", req.TransactionID, resp.TransactionID)
	}
	return resp, nil
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, start, quantity uint16) ([]uint16, error) {
	resp, err := c.Send(ctx, ReadHoldingRegistersRequest(unitID, start, quantity))
	if err != nil {
		return nil, err
	}
	return resp.Registers()
}

func (c *Client) ReadInputRegisters(ctx context.Context, unitID uint8, start, quantity uint16) ([]uint16, error) {
	resp, err := c.Send(ctx, ReadInputRegistersRequest(unitID, start, quantity))
	if err != nil {
		return nil, err
	}
	return resp.Registers()
}

func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr, value uint16) error {
	_, err := c.Send(ctx, WriteSingleRegisterRequest(unitID, addr, value))
	return err
}
