// Package nbd is a Network Block Device server implemented based on
// https://github.com/NetworkBlockDevice/nbd/blob/cb20c16354cccf4698fde74c42f5fb8542b289ae/doc/proto.md
//
// Every export is a logical file of a blockvfs.FileSystem. Only the fixed
// newstyle handshake and simple replies are supported.
package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/kochman/blockvfs"
)

const DefaultExport = "nbd"

type Option func(*Server)

// WithExportSize sets the minimum size advertised for an export. Exports
// whose file is already larger advertise the file size instead.
func WithExportSize(n int64) Option {
	return func(s *Server) {
		s.size = n
	}
}

// WithDefaultExport names the file served to clients that ask for the
// empty export name.
func WithDefaultExport(name string) Option {
	return func(s *Server) {
		s.defaultExport = name
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

type Server struct {
	fs            blockvfs.FileSystem
	size          int64
	defaultExport string
	log           *slog.Logger

	// handle ids are unique across all connections
	ids atomic.Int64
}

func NewServer(fs blockvfs.FileSystem, opts ...Option) *Server {
	s := &Server{
		fs:            fs,
		defaultExport: DefaultExport,
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on ln until ctx is done, in which case it
// returns nil, or until accepting fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	s.log.Info("serving nbd", "addr", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("unable to accept: %w", err)
		}
		go s.ServeConn(ctx, nc)
	}
}

type export struct {
	id   blockvfs.HandleID
	name string
	size int64
}

// inBounds reports whether a request of length bytes at off fits the export.
func (e *export) inBounds(off uint64, length uint32) bool {
	size := uint64(e.size)
	return off <= size && uint64(length) <= size-off
}

func (s *Server) openExport(ctx context.Context, name string) (*export, error) {
	if name == "" {
		name = s.defaultExport
	}
	id := blockvfs.HandleID(s.ids.Add(1))
	_, err := s.fs.Open(ctx, name, id, blockvfs.OpenReadWrite|blockvfs.OpenCreate|blockvfs.OpenMainDB)
	if err != nil {
		return nil, fmt.Errorf("unable to open export %q: %w", name, err)
	}
	size, err := s.fs.Size(ctx, id)
	if err != nil {
		s.fs.Close(ctx, id)
		return nil, fmt.Errorf("unable to get size of export %q: %w", name, err)
	}
	return &export{
		id:   id,
		name: name,
		size: max(s.size, size),
	}, nil
}

func (s *Server) closeExport(ctx context.Context, e *export) {
	err := s.fs.Close(ctx, e.id)
	if err != nil {
		s.log.Warn("unable to close export", "export", e.name, "err", err)
	}
}

// ServeConn runs the handshake and then serves requests on nc until the
// client disconnects. It closes nc.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	log := s.log.With("remote", nc.RemoteAddr().String())
	log.Debug("handling connection")

	c := newConnection(nc)
	e, err := s.handshake(ctx, c)
	if err != nil {
		log.Warn("handshake failed", "err", err)
		return
	}
	if e == nil {
		log.Debug("client aborted")
		return
	}
	defer s.closeExport(ctx, e)

	log = log.With("export", e.name)
	log.Debug("transmission started", "size", e.size)
	err = s.transmit(ctx, c, e, log)
	if err != nil {
		log.Warn("transmission failed", "err", err)
		return
	}
	log.Debug("client disconnected")
}

// handshake negotiates an export. It returns a nil export without error if
// the client aborted.
func (s *Server) handshake(ctx context.Context, c *connection) (*export, error) {
	err := c.WriteUint64(nbdMagic)
	if err != nil {
		return nil, err
	}
	err = c.WriteUint64(optMagic)
	if err != nil {
		return nil, err
	}
	err = c.WriteUint16(flagFixedNewstyle | flagNoZeroes)
	if err != nil {
		return nil, err
	}
	err = c.Flush()
	if err != nil {
		return nil, err
	}

	clientFlags, err := c.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("unable to read client flags: %w", err)
	}
	if clientFlags&^(flagFixedNewstyle|flagNoZeroes) != 0 {
		return nil, fmt.Errorf("unsupported client flags %#x", clientFlags)
	}
	noZeroes := clientFlags&flagNoZeroes != 0

	for {
		magic, err := c.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("unable to read option: %w", err)
		}
		if magic != optMagic {
			return nil, fmt.Errorf("bad option magic %#x", magic)
		}
		opt, err := c.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("unable to read option: %w", err)
		}
		l, err := c.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("unable to read option length: %w", err)
		}
		if l > maxOptionLength {
			return nil, fmt.Errorf("option %d too long: %d bytes", opt, l)
		}
		data := make([]byte, l)
		err = c.ReadFull(data)
		if err != nil {
			return nil, fmt.Errorf("unable to read option data: %w", err)
		}
		s.log.Debug("got option", "option", opt, "length", l)

		switch opt {
		case optExportName:
			// there is no way to report an error for this option other
			// than hanging up
			e, err := s.openExport(ctx, string(data))
			if err != nil {
				return nil, err
			}
			err = c.WriteUint64(uint64(e.size))
			if err == nil {
				err = c.WriteUint16(transmissionFlags)
			}
			if err == nil && !noZeroes {
				err = c.Write(make([]byte, 124))
			}
			if err == nil {
				err = c.Flush()
			}
			if err != nil {
				s.closeExport(ctx, e)
				return nil, err
			}
			return e, nil

		case optAbort:
			err = c.WriteOptionReply(opt, repAck, nil)
			if err == nil {
				err = c.Flush()
			}
			return nil, err

		case optInfo, optGo:
			e, err := s.negotiateInfo(ctx, c, opt, data)
			if err != nil {
				return nil, err
			}
			if e == nil {
				continue
			}
			if opt == optGo {
				return e, nil
			}
			s.closeExport(ctx, e)

		default:
			err = c.WriteOptionReply(opt, repErrUnsup, nil)
			if err == nil {
				err = c.Flush()
			}
			if err != nil {
				return nil, err
			}
		}
	}
}

// negotiateInfo answers NBD_OPT_INFO and NBD_OPT_GO. A nil export without
// error means the option was refused and negotiation goes on.
func (s *Server) negotiateInfo(ctx context.Context, c *connection, opt uint32, data []byte) (*export, error) {
	name, ok := parseInfoRequest(data)
	if !ok {
		err := c.WriteOptionReply(opt, repErrInvalid, nil)
		if err == nil {
			err = c.Flush()
		}
		return nil, err
	}

	e, err := s.openExport(ctx, name)
	if err != nil {
		s.log.Warn("refusing export", "export", name, "err", err)
		err = c.WriteOptionReply(opt, repErrUnknown, nil)
		if err == nil {
			err = c.Flush()
		}
		return nil, err
	}

	// information requests are ignored; NBD_INFO_EXPORT is always sent
	info := make([]byte, 12)
	binary.BigEndian.PutUint16(info[0:], infoExport)
	binary.BigEndian.PutUint64(info[2:], uint64(e.size))
	binary.BigEndian.PutUint16(info[10:], transmissionFlags)
	err = c.WriteOptionReply(opt, repInfo, info)
	if err == nil {
		err = c.WriteOptionReply(opt, repAck, nil)
	}
	if err == nil {
		err = c.Flush()
	}
	if err != nil {
		s.closeExport(ctx, e)
		return nil, err
	}
	return e, nil
}

// parseInfoRequest extracts the export name from the data of an
// NBD_OPT_INFO or NBD_OPT_GO option.
func parseInfoRequest(data []byte) (string, bool) {
	if len(data) < 6 {
		return "", false
	}
	l := uint64(binary.BigEndian.Uint32(data[:4]))
	if uint64(len(data)) < 4+l+2 {
		return "", false
	}
	name := string(data[4 : 4+l])
	n := uint64(binary.BigEndian.Uint16(data[4+l:]))
	if uint64(len(data)) != 4+l+2+2*n {
		return "", false
	}
	return name, true
}

// transmit serves requests until the client sends NBD_CMD_DISC.
func (s *Server) transmit(ctx context.Context, c *connection, e *export, log *slog.Logger) error {
	for {
		req, err := c.ReadRequest()
		if errors.Is(err, io.EOF) {
			// hung up without NBD_CMD_DISC
			return nil
		} else if err != nil {
			return fmt.Errorf("unable to read request: %w", err)
		}
		// command flags do not change how requests are served here
		typ, cookie, off, length := req.typ, req.cookie, req.off, req.length

		var errno uint32
		var data []byte
		switch typ {
		case cmdDisc:
			return nil

		case cmdRead:
			if length > maxPayload || !e.inBounds(off, length) {
				errno = errInval
				break
			}
			data = make([]byte, length)
			err = s.fs.ReadAt(ctx, e.id, data, int64(off))
			if err != nil {
				log.Warn("read failed", "offset", off, "length", length, "err", err)
				errno = errIO
			}

		case cmdWrite:
			if length > maxPayload {
				return fmt.Errorf("write of %d bytes exceeds maximum payload", length)
			}
			p := make([]byte, length)
			err = c.ReadFull(p)
			if err != nil {
				return fmt.Errorf("unable to read write payload: %w", err)
			}
			if !e.inBounds(off, length) {
				errno = errInval
				break
			}
			err = s.fs.WriteAt(ctx, e.id, p, int64(off))
			if err != nil {
				log.Warn("write failed", "offset", off, "length", length, "err", err)
				errno = errIO
			}

		case cmdFlush:
			// every completed write has already reached the store

		case cmdTrim:
			// trimming is advisory and blocks are left in place
			if !e.inBounds(off, length) {
				errno = errInval
			}

		default:
			log.Warn("unsupported command", "command", typ)
			errno = errInval
		}

		err = c.WriteSimpleReply(cookie, errno, data)
		if err == nil {
			err = c.Flush()
		}
		if err != nil {
			return fmt.Errorf("unable to write reply: %w", err)
		}
	}
}
