package ping

import (
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func startHandler(t *testing.T, info InfoFunc) *Handler {
	t.Helper()
	h := NewHandler("127.0.0.1:0", info, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func query(t *testing.T, h *Handler, payload string) []byte {
	t.Helper()
	conn, err := net.Dial("udp", h.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

func TestHelloGetsHi(t *testing.T) {
	h := startHandler(t, func() ServerInfo { return ServerInfo{} })

	if got := string(query(t, h, "HELLO")); got != "HI" {
		t.Fatalf("reply = %q", got)
	}
}

func TestLANQueryReportsLiveCount(t *testing.T) {
	var players atomic.Int32
	h := startHandler(t, func() ServerInfo {
		return ServerInfo{
			Name:           "My server",
			MOTD:           "A simple server",
			PlayersCurrent: int(players.Load()),
			PlayersMax:     10,
			World:          "world",
		}
	})

	players.Store(3)
	var info ServerInfo
	if err := json.Unmarshal(query(t, h, "HELLOLAN"), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Name != "My server" || info.PlayersCurrent != 3 || info.PlayersMax != 10 || info.World != "world" || info.Password {
		t.Fatalf("info = %+v", info)
	}
}
