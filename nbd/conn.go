package nbd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

type connection struct {
	nc net.Conn
	b  *bufio.ReadWriter
}

func newConnection(nc net.Conn) *connection {
	c := &connection{
		nc: nc,
		b:  bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
	}
	return c
}

func (c *connection) ReadFull(p []byte) error {
	_, err := io.ReadFull(c.b, p)
	return err
}

func (c *connection) ReadUint16() (uint16, error) {
	p := make([]byte, 2)
	_, err := io.ReadFull(c.b, p)
	return binary.BigEndian.Uint16(p), err
}

func (c *connection) ReadUint32() (uint32, error) {
	p := make([]byte, 4)
	_, err := io.ReadFull(c.b, p)
	return binary.BigEndian.Uint32(p), err
}

func (c *connection) ReadUint64() (uint64, error) {
	p := make([]byte, 8)
	_, err := io.ReadFull(c.b, p)
	return binary.BigEndian.Uint64(p), err
}

func (c *connection) Write(p []byte) error {
	_, err := c.b.Write(p)
	return err
}

func (c *connection) WriteUint16(data uint16) error {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, data)
	return c.Write(p)
}

func (c *connection) WriteUint32(data uint32) error {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, data)
	return c.Write(p)
}

func (c *connection) WriteUint64(data uint64) error {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, data)
	return c.Write(p)
}

// WriteOptionReply writes a reply to the option negotiation request opt.
func (c *connection) WriteOptionReply(opt, typ uint32, data []byte) error {
	err := c.WriteUint64(optReplyMagic)
	if err != nil {
		return err
	}
	for _, v := range []uint32{opt, typ, uint32(len(data))} {
		err = c.WriteUint32(v)
		if err != nil {
			return err
		}
	}
	return c.Write(data)
}

// WriteSimpleReply answers the request identified by cookie. data is only
// sent when errno is zero.
func (c *connection) WriteSimpleReply(cookie uint64, errno uint32, data []byte) error {
	err := c.WriteUint32(replyMagic)
	if err != nil {
		return err
	}
	err = c.WriteUint32(errno)
	if err != nil {
		return err
	}
	err = c.WriteUint64(cookie)
	if err != nil || errno != 0 {
		return err
	}
	return c.Write(data)
}

type request struct {
	flags  uint16
	typ    uint16
	cookie uint64
	off    uint64
	length uint32
}

// ReadRequest reads the header of a transmission request. A client that hung
// up between requests yields io.EOF.
func (c *connection) ReadRequest() (request, error) {
	var r request
	magic, err := c.ReadUint32()
	if err != nil {
		return r, err
	}
	if magic != requestMagic {
		return r, fmt.Errorf("bad request magic %#x", magic)
	}
	if r.flags, err = c.ReadUint16(); err != nil {
		return r, noEOF(err)
	}
	if r.typ, err = c.ReadUint16(); err != nil {
		return r, noEOF(err)
	}
	if r.cookie, err = c.ReadUint64(); err != nil {
		return r, noEOF(err)
	}
	if r.off, err = c.ReadUint64(); err != nil {
		return r, noEOF(err)
	}
	if r.length, err = c.ReadUint32(); err != nil {
		return r, noEOF(err)
	}
	return r, nil
}

// noEOF reports a hang-up in the middle of a message as truncation.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (c *connection) Flush() error {
	return c.b.Flush()
}
