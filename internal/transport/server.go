// Package transport implements the raw TCP accept loop and per-connection
// frame reader: a growable read buffer that extracts length-prefixed
// frames as they complete, a write queue per connection, and
// idle-connection timeouts enforced by a read deadline.
//
// The accept loop uses a familiar game-server listener idiom: a
// context-cancelable loop handing each accepted connection to its own
// goroutine, with the listener closed from a second goroutine watching
// ctx.Done so Accept unblocks promptly on shutdown.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rhythmsession/server/internal/metrics"
	"github.com/rhythmsession/server/internal/wire"
)

const (
	readTimeout    = 10 * time.Second
	heartbeatEvery = 30 * time.Second
	maxFrameBytes  = 1 << 20 // 1 MiB: guards against a hostile unbounded length prefix
	initialBufSize = 4096
)

// FrameHandler receives HandleFrame once per complete frame extracted from
// a connection's stream, and HandleDisconnect once when the connection is
// torn down (whether by the peer, an error, or shutdown).
type FrameHandler interface {
	HandleFrame(ctx context.Context, connID string, frame []byte)
	HandleDisconnect(ctx context.Context, connID string)
}

// ConnRegistrar is notified as connections are accepted, so the session
// table can track them even before authentication.
type ConnRegistrar interface {
	HandleConnection(connID string, closeFn func(), ip string)
}

// Server accepts TCP connections and feeds decoded frames to a
// FrameHandler.
type Server struct {
	addr      string
	handler   FrameHandler
	registrar ConnRegistrar
	log       *zap.Logger

	mu     sync.Mutex
	nextID uint64
	conns  map[string]*conn

	listening chan struct{}
	boundAddr string
}

func New(addr string, handler FrameHandler, registrar ConnRegistrar, log *zap.Logger) *Server {
	return &Server{
		addr:      addr,
		handler:   handler,
		registrar: registrar,
		log:       log,
		conns:     make(map[string]*conn),
		listening: make(chan struct{}),
	}
}

// SetHandler wires the FrameHandler in after construction, for callers
// whose handler itself depends on this Server as a ConnRegistry (the
// engine needs to send to connections, so it can't exist before the
// Server does).
func (s *Server) SetHandler(handler FrameHandler) {
	s.handler = handler
}

// Addr blocks until the listener is bound and returns its address; useful
// for tests that bind to ":0" and need the chosen port.
func (s *Server) Addr() string {
	<-s.listening
	return s.boundAddr
}

// conn tracks one accepted TCP connection: its outbound write queue and
// its registered id.
type conn struct {
	id     string
	nc     net.Conn
	send   chan []byte
	once   sync.Once
}

func (c *conn) Close() {
	c.once.Do(func() {
		close(c.send)
		c.nc.Close()
	})
}

// Send queues frame for the connection's write goroutine. Never blocks on
// a stalled reader indefinitely; a full queue drops the connection rather
// than let one slow client back-pressure the whole fan-out loop.
func (c *conn) Send(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.Close()
	}
}

// Serve runs the accept loop until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.boundAddr = ln.Addr().String()
	close(s.listening)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	s.log.Info("session server listening", zap.String("addr", s.addr))
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, nc)
		}()
	}
	wg.Wait()
	return nil
}

// Send implements engine.ConnRegistry: looks up the live connection and
// queues frame for delivery. A federation virtual connection id (no local
// socket) is silently dropped here; federation owns its own delivery path.
func (s *Server) Send(connID string, frame []byte) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.Send(frame)
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	id := s.newConnID()
	c := &conn{id: id, nc: nc, send: make(chan []byte, 64)}

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	metrics.IncConnection()

	ip, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	s.registrar.HandleConnection(id, c.Close, ip)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	var writeWG sync.WaitGroup
	writeWG.Add(1)
	go func() {
		defer writeWG.Done()
		s.writePump(c)
	}()

	s.readLoop(ctx, id, nc)

	close(done)
	c.Close()
	writeWG.Wait()

	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	metrics.DecConnection()
	s.handler.HandleDisconnect(ctx, id)
}

func (s *Server) writePump(c *conn) {
	for frame := range c.send {
		c.nc.SetWriteDeadline(time.Now().Add(readTimeout))
		if _, err := c.nc.Write(frame); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, connID string, nc net.Conn) {
	buf := make([]byte, 0, initialBufSize)
	read := make([]byte, initialBufSize)

	for {
		nc.SetReadDeadline(time.Now().Add(readTimeout + heartbeatEvery))
		n, err := nc.Read(read)
		if n > 0 {
			buf = append(buf, read[:n]...)
			for {
				payload, consumed, ok := wire.ExtractFrame(buf)
				if !ok {
					break
				}
				if consumed > maxFrameBytes {
					return
				}
				buf = buf[consumed:]
				if payload != nil {
					s.handler.HandleFrame(ctx, connID, payload)
				}
			}
			if len(buf) > maxFrameBytes {
				return
			}
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) newConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return "conn-" + strconv.FormatUint(s.nextID, 10)
}
