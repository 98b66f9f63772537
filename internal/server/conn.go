package server

import (
	"errors"
	"io"
	"net"

	"github.com/siohaza/gridhost/internal/network"
	"github.com/siohaza/gridhost/internal/protocol"
	"github.com/siohaza/gridhost/internal/session"
	"github.com/siohaza/gridhost/internal/world"
)

// HandleConn serves one client until it disconnects or sends something
// undecodable. The session is released and the connection closed on return.
func (s *Server) HandleConn(conn network.Conn) {
	sess, err := s.sessions.Register(conn)
	if err != nil {
		s.logger.Debug("connection rejected", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	defer func() {
		s.sessions.Release(sess)
		conn.Close()
	}()

	if err := s.sendWelcome(sess); err != nil {
		s.logger.Warn("failed to send welcome", "id", sess.ID, "error", err)
		return
	}

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection read ended", "id", sess.ID, "error", err)
			}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warn("protocol error, closing connection", "id", sess.ID, "error", err)
			return
		}

		if !s.handleMessage(sess, msg) {
			return
		}
	}
}

func (s *Server) sendWelcome(sess *session.Session) error {
	snapshot := s.world.Snapshot()
	grid := make([][]string, len(snapshot))
	for y, row := range snapshot {
		grid[y] = make([]string, len(row))
		for x, b := range row {
			grid[y][x] = string(b)
		}
	}

	return s.sessions.Send(sess.ID, protocol.NewWelcome(sess.ID, s.config.Server.MOTD, s.config.Server.Name, grid))
}

// handleMessage applies one client message. It returns false when the
// connection should be closed.
func (s *Server) handleMessage(sess *session.Session, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.Command:
		if s.punish.IsMuted(sess.ID) {
			s.logger.Debug("dropping command from muted session", "id", sess.ID)
			return true
		}
		if !sess.AllowCommand() {
			return s.rateLimited(sess, "command")
		}
		s.dispatcher.Dispatch(sess.ID, m.Command)

	case protocol.BreakBlock:
		if !sess.AllowEdit() {
			return s.rateLimited(sess, "edit")
		}
		s.applyEdit(sess, protocol.KindBreakBlock, m.X, m.Y, world.BlockAir)

	case protocol.PlaceBlock:
		b, err := world.ParseBlock(m.Block)
		if err != nil {
			s.logger.Warn("ignoring edit with unknown block", "id", sess.ID, "block", m.Block)
			return true
		}
		if !sess.AllowEdit() {
			return s.rateLimited(sess, "edit")
		}
		s.applyEdit(sess, protocol.KindPlaceBlock, m.X, m.Y, b)
	}

	return true
}

func (s *Server) applyEdit(sess *session.Session, kind protocol.Kind, x, y int, b world.Block) {
	applied, err := s.world.SetCell(x, y, b)
	if err != nil {
		s.logger.Error("failed to apply world edit", "id", sess.ID, "x", x, "y", y, "error", err)
		return
	}
	if !applied {
		s.logger.Debug("ignoring out of bounds edit", "id", sess.ID, "x", x, "y", y)
		return
	}
	if s.metrics != nil {
		s.metrics.WorldEdit(string(kind))
	}
}

// rateLimited drops the message, disconnecting the session once it has
// used up its violation budget.
func (s *Server) rateLimited(sess *session.Session, what string) bool {
	if !sess.Exhausted() {
		s.logger.Debug("rate limit exceeded", "id", sess.ID, "kind", what, "violations", sess.Violations())
		return true
	}

	s.logger.Warn("disconnecting session for excessive rate limit violations", "id", sess.ID, "violations", sess.Violations())
	s.sessions.Disconnect(sess.ID, protocol.ReasonRateLimited)
	return false
}
