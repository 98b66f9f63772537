package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/siohaza/gridhost/internal/protocol"
)

type tcpConn struct {
	conn    net.Conn
	reader  *protocol.FrameReader
	writeMu sync.Mutex
	closeMu sync.Once
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{
		conn:   conn,
		reader: protocol.NewFrameReader(conn, protocol.MaxFrameSize),
	}
}

func (c *tcpConn) ReadMessage() ([]byte, error) {
	return c.reader.ReadFrame()
}

func (c *tcpConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteFrame(c.conn, data)
}

func (c *tcpConn) Close() error {
	var err error
	c.closeMu.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpConn) Transport() Transport {
	return TransportTCP
}

type TCPServer struct {
	addr     string
	listener net.Listener
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewTCPServer(addr string, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}

	return &TCPServer{
		addr:   addr,
		logger: logger,
	}
}

// Start binds the listener and runs the accept loop in the background.
// Each connection is served on its own goroutine.
func (s *TCPServer) Start(handler Handler) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.logger.Info("tcp listener started", "address", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(handler)
	}()
	return nil
}

func (s *TCPServer) acceptLoop(handler Handler) {
	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		go handler(newTCPConn(conn))
	}
}

func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for the accept loop to exit. Live
// connections are left to their owners.
func (s *TCPServer) Stop() {
	if s.listener == nil {
		return
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("failed to close tcp listener", "error", err)
	}
	s.wg.Wait()
	s.logger.Info("tcp listener stopped")
}
