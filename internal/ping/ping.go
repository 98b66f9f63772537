// Package ping answers UDP status queries. HELLO gets HI; HELLOLAN gets a
// JSON summary of the server.
package ping

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
)

type ServerInfo struct {
	Name           string `json:"name"`
	MOTD           string `json:"motd"`
	PlayersCurrent int    `json:"players_current"`
	PlayersMax     int    `json:"players_max"`
	World          string `json:"world"`
	Password       bool   `json:"password"`
}

// InfoFunc returns the current server summary for each LAN query.
type InfoFunc func() ServerInfo

type Handler struct {
	conn          *net.UDPConn
	info          InfoFunc
	logger        *slog.Logger
	stopChan      chan struct{}
	done          chan struct{}
	listenAddress string
}

func NewHandler(address string, info InfoFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		info:          info,
		logger:        logger,
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
		listenAddress: address,
	}
}

func (h *Handler) Start() error {
	addr, err := net.ResolveUDPAddr("udp", h.listenAddress)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	h.conn = conn
	h.logger.Info("status responder started", "address", conn.LocalAddr().String())

	go h.handlePackets()

	return nil
}

func (h *Handler) Addr() net.Addr {
	if h.conn == nil {
		return nil
	}
	return h.conn.LocalAddr()
}

func (h *Handler) Stop() {
	if h.conn == nil {
		return
	}
	close(h.stopChan)
	h.conn.Close()
	<-h.done
	h.logger.Info("status responder stopped")
}

func (h *Handler) handlePackets() {
	defer close(h.done)
	buffer := make([]byte, 1024)

	for {
		n, addr, err := h.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-h.stopChan:
				return
			default:
				h.logger.Error("failed to read UDP packet", "error", err)
				continue
			}
		}

		if n > 0 {
			h.handlePacket(buffer[:n], addr)
		}
	}
}

func (h *Handler) handlePacket(data []byte, addr *net.UDPAddr) {
	switch string(data) {
	case "HELLO":
		h.handlePing(addr)
	case "HELLOLAN":
		h.handleLANPing(addr)
	}
}

func (h *Handler) handlePing(addr *net.UDPAddr) {
	if _, err := h.conn.WriteToUDP([]byte("HI"), addr); err != nil {
		h.logger.Error("failed to send ping response", "error", err, "addr", addr)
		return
	}
	h.logger.Debug("sent ping response", "addr", addr)
}

func (h *Handler) handleLANPing(addr *net.UDPAddr) {
	jsonData, err := json.Marshal(h.info())
	if err != nil {
		h.logger.Error("failed to marshal server info", "error", err)
		return
	}

	if _, err := h.conn.WriteToUDP(jsonData, addr); err != nil {
		h.logger.Error("failed to send LAN response", "error", err, "addr", addr)
		return
	}
	h.logger.Debug("sent LAN info response", "addr", addr)
}
