// Package network accepts client connections over newline-framed TCP and
// WebSocket and exposes both behind a single message-oriented Conn.
package network

import "time"

type Transport string

const (
	TransportTCP       Transport = "tcp"
	TransportWebSocket Transport = "websocket"
)

const writeTimeout = 5 * time.Second

// Conn carries whole JSON documents. ReadMessage returns one document per
// call; WriteMessage is safe for concurrent use.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
	Transport() Transport
}

// Handler owns a connection until it returns. The listener does not close
// the connection afterwards.
type Handler func(Conn)
