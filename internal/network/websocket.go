package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siohaza/gridhost/internal/protocol"
)

type wsConn struct {
	conn    *websocket.Conn
	remote  string
	writeMu sync.Mutex
	closeMu sync.Once
}

func newWSConn(conn *websocket.Conn, remote string) *wsConn {
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &wsConn{conn: conn, remote: remote}
}

// ReadMessage returns the next non-empty frame. Each text or binary frame
// is one document.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, protocol.ErrFrameTooLarge
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, err
		}

		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeMu.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

func (c *wsConn) Transport() Transport {
	return TransportWebSocket
}

type WebSocketServer struct {
	addr     string
	path     string
	logger   *slog.Logger
	upgrader websocket.Upgrader
	listener net.Listener
	http     *http.Server
	done     chan struct{}
}

func NewWebSocketServer(addr, path string, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/ws"
	}

	return &WebSocketServer{
		addr:   addr,
		path:   path,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *WebSocketServer) Start(handler Handler) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		handler(newWSConn(conn, r.RemoteAddr))
	})

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	s.logger.Info("websocket listener started", "address", listener.Addr().String(), "path", s.path)

	go func() {
		defer close(s.done)
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket listener failed", "error", err)
		}
	}()
	return nil
}

func (s *WebSocketServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the HTTP listener down. Upgraded connections are hijacked and
// are not tracked by the HTTP server; their owners close them.
func (s *WebSocketServer) Stop(ctx context.Context) {
	if s.http == nil {
		return
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("failed to shut down websocket listener", "error", err)
	}
	<-s.done
	s.logger.Info("websocket listener stopped")
}
