package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siohaza/gridhost/internal/command"
	"github.com/siohaza/gridhost/internal/network"
	"github.com/siohaza/gridhost/internal/punish"
	"github.com/siohaza/gridhost/internal/world"
	"github.com/siohaza/gridhost/pkg/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Status.Enabled = false
	cfg.Storage.Dir = t.TempDir()
	cfg.Storage.BackupOnStop = false
	cfg.Scripts.Dir = filepath.Join(t.TempDir(), "scripts")
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) (*Server, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	opts = append([]Option{WithOutput(out)}, opts...)

	srv, err := New(cfg, nil, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, out
}

func fixedIDs(ids ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id
	}
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(doc string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(doc + "\n")); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

func (c *client) read() (map[string]any, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *client) mustRead() map[string]any {
	c.t.Helper()
	msg, err := c.read()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return msg
}

func (c *client) expectClosed() {
	c.t.Helper()
	msg, err := c.read()
	if err == nil {
		c.t.Fatalf("expected closed connection, got %v", msg)
	}
	if !errors.Is(err, io.EOF) && !isReset(err) {
		c.t.Fatalf("expected EOF, got %v", err)
	}
}

func isReset(err error) bool {
	return strings.Contains(err.Error(), "connection reset")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func cell(msg map[string]any, x, y int) string {
	rows := msg["world"].([]any)
	return rows[y].([]any)[x].(string)
}

func TestStartupBannerShowsBoundAddress(t *testing.T) {
	srv, out := startServer(t, testConfig(t))

	want := "[SERVER] My server started on " + srv.Addr().String() + "\n"
	if !strings.Contains(out.String(), want) {
		t.Fatalf("report = %q, want %q", out.String(), want)
	}
	if strings.HasSuffix(srv.Addr().String(), ":0") {
		t.Fatal("listener not bound to a real port")
	}
}

func TestWelcomeCarriesWorldSnapshot(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))
	c := dial(t, srv)

	msg := c.mustRead()
	if msg["type"] != "welcome" {
		t.Fatalf("type = %v", msg["type"])
	}
	if id, _ := msg["id"].(string); len(id) != 6 {
		t.Fatalf("id = %v", msg["id"])
	}
	if msg["motd"] != "A simple server" || msg["server"] != "My server" {
		t.Fatalf("metadata = %v / %v", msg["motd"], msg["server"])
	}

	rows := msg["world"].([]any)
	if len(rows) != 10 {
		t.Fatalf("rows = %d", len(rows))
	}
	for y, row := range rows {
		cells := row.([]any)
		if len(cells) != 10 {
			t.Fatalf("row %d has %d cells", y, len(cells))
		}
		for x, v := range cells {
			if v != "air" {
				t.Fatalf("cell (%d,%d) = %v", x, y, v)
			}
		}
	}
}

func TestEditsPropagateToLaterClients(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))

	first := dial(t, srv)
	first.mustRead()

	first.send(`{"type":"break_block","x":2,"y":3}`)
	first.send(`{"type":"place_block","x":4,"y":1,"block":"stone"}`)
	waitFor(t, "stone at (4,1)", func() bool {
		b, _ := srv.World().Get(4, 1)
		return b == world.BlockStone
	})

	second := dial(t, srv)
	msg := second.mustRead()
	if cell(msg, 2, 3) != "air" {
		t.Fatalf("cell (2,3) = %s", cell(msg, 2, 3))
	}
	if cell(msg, 4, 1) != "stone" {
		t.Fatalf("cell (4,1) = %s", cell(msg, 4, 1))
	}

	second.send(`{"type":"break_block","x":4,"y":1}`)
	second.send(`{"type":"break_block","x":10,"y":-1}`)
	waitFor(t, "air at (4,1)", func() bool {
		b, _ := srv.World().Get(4, 1)
		return b == world.BlockAir
	})
}

func TestBannedIdentifierIsRefused(t *testing.T) {
	srv, _ := startServer(t, testConfig(t), WithIDSource(fixedIDs("abc123")))

	if res := srv.ExecuteConsole("/ban abc123"); res.Outcome != command.OutcomeOK {
		t.Fatalf("ban outcome = %s", res.Outcome)
	}

	c := dial(t, srv)
	c.expectClosed()
	if srv.Sessions().Count() != 0 {
		t.Fatal("banned identifier registered")
	}
}

func TestPermsThenKick(t *testing.T) {
	srv, out := startServer(t, testConfig(t), WithIDSource(fixedIDs("abc123")))

	c := dial(t, srv)
	if msg := c.mustRead(); msg["id"] != "abc123" {
		t.Fatalf("id = %v", msg["id"])
	}

	srv.ExecuteConsole("/perms abc123 5")
	srv.ExecuteConsole("/kick abc123")

	msg := c.mustRead()
	if msg["type"] != "disconnect" || msg["reason"] != "Kicked" {
		t.Fatalf("got %v", msg)
	}
	c.expectClosed()

	waitFor(t, "session removal", func() bool { return srv.Sessions().Count() == 0 })
	if srv.Permissions().LevelOf("abc123") != 5 {
		t.Fatalf("level = %d", srv.Permissions().LevelOf("abc123"))
	}

	report := out.String()
	for _, want := range []string{
		"[SERVER] Player abc123's permission set to 5.",
		"[SERVER] Player abc123 kicked.",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func TestBanDoesNotDisconnectLiveSession(t *testing.T) {
	srv, _ := startServer(t, testConfig(t), WithIDSource(fixedIDs("abc123")))

	c := dial(t, srv)
	c.mustRead()
	srv.ExecuteConsole("/ban abc123")

	c.send(`{"type":"place_block","x":0,"y":0,"block":"brick"}`)
	waitFor(t, "edit from banned live session", func() bool {
		b, _ := srv.World().Get(0, 0)
		return b == world.BlockBrick
	})
	if !srv.Sessions().Contains("abc123") {
		t.Fatal("ban disconnected a live session")
	}
}

func TestMutedCommandsDroppedButEditsApply(t *testing.T) {
	srv, out := startServer(t, testConfig(t), WithIDSource(fixedIDs("abc123")))

	c := dial(t, srv)
	c.mustRead()
	srv.ExecuteConsole("/mute abc123")

	c.send(`{"type":"command","command":"/help"}`)
	c.send(`{"type":"place_block","x":1,"y":1,"block":"sand"}`)
	waitFor(t, "edit from muted session", func() bool {
		b, _ := srv.World().Get(1, 1)
		return b == world.BlockSand
	})
	if strings.Contains(out.String(), "Available commands:") {
		t.Fatal("muted command reached the dispatcher")
	}

	srv.ExecuteConsole("/unpunish abc123")
	if srv.Punishments().Status("abc123") != punish.StatusNone {
		t.Fatal("unpunish failed")
	}
	c.send(`{"type":"command","command":"/help"}`)
	waitFor(t, "help output", func() bool {
		return strings.Contains(out.String(), "Available commands:")
	})
}

func TestClientCommandsRespectLevels(t *testing.T) {
	srv, out := startServer(t, testConfig(t), WithIDSource(fixedIDs("abc123", "def456")))

	admin := dial(t, srv)
	admin.mustRead()
	victim := dial(t, srv)
	victim.mustRead()

	admin.send(`{"type":"command","command":"/kick def456"}`)
	waitFor(t, "permission denial", func() bool {
		return strings.Contains(out.String(), "You do not have permission to execute 'kick'.")
	})

	srv.ExecuteConsole("/perms abc123 1")
	admin.send(`{"type":"command","command":"/kick def456"}`)

	msg := victim.mustRead()
	if msg["reason"] != "Kicked" {
		t.Fatalf("victim got %v", msg)
	}
}

func TestHugeCoordinatesAreIgnored(t *testing.T) {
	srv, _ := startServer(t, testConfig(t), WithIDSource(fixedIDs("abc123")))

	c := dial(t, srv)
	c.mustRead()
	c.send(`{"type":"break_block","x":100000000000000000000,"y":0}`)
	c.send(`{"type":"place_block","x":1e20,"y":-1e20,"block":"stone"}`)
	c.send(`{"type":"place_block","x":6,"y":6,"block":"dirt"}`)

	waitFor(t, "edit after huge coordinates", func() bool {
		b, _ := srv.World().Get(6, 6)
		return b == world.BlockDirt
	})
	if !srv.Sessions().Contains("abc123") {
		t.Fatal("huge coordinates disconnected the session")
	}
	for _, row := range srv.World().Snapshot() {
		for _, b := range row {
			if b == world.BlockStone {
				t.Fatal("out of range edit was applied")
			}
		}
	}
}

// brokenConn fails every write, as a peer that vanished right after
// connecting does.
type brokenConn struct {
	mu     sync.Mutex
	reads  int
	closed bool
}

func (c *brokenConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return nil, io.EOF
}

func (c *brokenConn) WriteMessage([]byte) error {
	return errors.New("broken pipe")
}

func (c *brokenConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *brokenConn) RemoteAddr() string { return "192.0.2.1:4000" }

func (c *brokenConn) Transport() network.Transport { return network.TransportTCP }

func TestFailedWelcomeDropsSession(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))

	conn := &brokenConn{}
	srv.HandleConn(conn)

	if srv.Sessions().Count() != 0 {
		t.Fatalf("sessions = %v", srv.Sessions().IDs())
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed {
		t.Fatal("connection left open after failed welcome")
	}
	if conn.reads != 0 {
		t.Fatal("receive loop ran after failed welcome")
	}
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))

	c := dial(t, srv)
	c.mustRead()
	other := dial(t, srv)
	other.mustRead()

	c.send(`{"type":"break_block","x":"two","y":3}`)
	c.expectClosed()

	waitFor(t, "session removal", func() bool { return srv.Sessions().Count() == 1 })
}

func TestServerFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxPlayers = 1
	srv, _ := startServer(t, cfg)

	first := dial(t, srv)
	first.mustRead()

	second := dial(t, srv)
	msg := second.mustRead()
	if msg["type"] != "disconnect" || msg["reason"] != "Server is full" {
		t.Fatalf("got %v", msg)
	}
	second.expectClosed()
}

func TestRateLimitDisconnects(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.EditsPerSecond = 0.001
	cfg.RateLimit.EditBurst = 1
	cfg.RateLimit.MaxViolations = 1
	srv, _ := startServer(t, cfg)

	c := dial(t, srv)
	c.mustRead()
	for i := 0; i < 3; i++ {
		c.send(`{"type":"break_block","x":0,"y":0}`)
	}

	msg := c.mustRead()
	if msg["type"] != "disconnect" || msg["reason"] != "Rate limit exceeded" {
		t.Fatalf("got %v", msg)
	}
	waitFor(t, "session removal", func() bool { return srv.Sessions().Count() == 0 })
}

func TestStopPersistsAndExits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.BackupOnStop = true
	exited := make(chan int, 1)
	srv, out := startServer(t, cfg,
		WithIDSource(fixedIDs("abc123")),
		WithExit(func(code int) { exited <- code }))

	c := dial(t, srv)
	c.mustRead()
	srv.ExecuteConsole("/perms abc123 3")
	c.send(`{"type":"command","command":"/stop"}`)

	select {
	case code := <-exited:
		if code != 0 {
			t.Fatalf("exit code = %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not exit")
	}

	report := out.String()
	if !strings.Contains(report, "[SERVER] Stopping server safely...") ||
		!strings.Contains(report, "[SERVER] All data saved. Goodbye!") {
		t.Fatalf("report:\n%s", report)
	}

	for _, name := range []string{"blacklist.json", "permission.json", "commands.json", filepath.Join("worlds", "world", "world.json")} {
		if _, err := os.Stat(filepath.Join(cfg.Storage.Dir, name)); err != nil {
			t.Fatalf("%s not persisted: %v", name, err)
		}
	}
	backups, err := filepath.Glob(filepath.Join(cfg.Storage.Dir, "worlds", "world", "backups", "*.json.zst"))
	if err != nil || len(backups) == 0 {
		t.Fatalf("no backup written: %v", err)
	}
}

func TestScriptedCommands(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Scripts.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	script := `
name = "paint"
level = 1
function execute(sender, args)
    set_block(tonumber(args[1]), tonumber(args[2]), args[3])
    return "painted by " .. sender
end
`
	if err := os.WriteFile(filepath.Join(cfg.Scripts.Dir, "paint.lua"), []byte(script), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Scripts.Dir, "todo.lua"), []byte(`name = "todo"`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	srv, out := startServer(t, cfg)

	if srv.Permissions().RequiredLevel("paint") != 1 {
		t.Fatalf("paint level = %d", srv.Permissions().RequiredLevel("paint"))
	}
	if res := srv.ExecuteConsole("/paint 3 3 water"); res.Outcome != command.OutcomeOK {
		t.Fatalf("outcome = %s\n%s", res.Outcome, out.String())
	}
	if b, _ := srv.World().Get(3, 3); b != world.BlockWater {
		t.Fatalf("cell (3,3) = %s", b)
	}
	if !strings.Contains(out.String(), "[SERVER] painted by CONSOLE") {
		t.Fatalf("report:\n%s", out.String())
	}

	if res := srv.ExecuteConsole("/PAINT 3 3 sand"); res.Outcome != command.OutcomeUnknown {
		t.Fatalf("upper-case outcome = %s", res.Outcome)
	}
	if b, _ := srv.World().Get(3, 3); b != world.BlockWater {
		t.Fatalf("cell (3,3) = %s after upper-case command", b)
	}

	if res := srv.ExecuteConsole("/todo"); res.Outcome != command.OutcomeNotImplemented {
		t.Fatalf("todo outcome = %s", res.Outcome)
	}
	if res := srv.ExecuteConsole("/help"); res.Outcome != command.OutcomeOK {
		t.Fatalf("help outcome = %s", res.Outcome)
	}
	if !strings.Contains(out.String(), "  /paint") {
		t.Fatalf("help does not list scripted commands:\n%s", out.String())
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "bolt"

	srv, err := New(cfg, nil, WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv.ExecuteConsole("/ban abc123")
	srv.ExecuteConsole("/perms def456 2")
	if _, err := srv.World().SetCell(5, 5, world.BlockWood); err != nil {
		t.Fatalf("set cell: %v", err)
	}
	srv.Stop()

	again, _ := startServer(t, cfg)
	if !again.Punishments().IsBanned("abc123") {
		t.Fatal("ban lost across restart")
	}
	if again.Permissions().LevelOf("def456") != 2 {
		t.Fatal("level lost across restart")
	}
	if b, _ := again.World().Get(5, 5); b != world.BlockWood {
		t.Fatalf("cell (5,5) = %s", b)
	}
}

func TestWebSocketClient(t *testing.T) {
	cfg := testConfig(t)
	cfg.WebSocket.Enabled = true
	cfg.WebSocket.Port = 0
	srv, _ := startServer(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.WebSocketAddr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg["type"] != "welcome" {
		t.Fatalf("got %v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"place_block","x":9,"y":9,"block":"grass"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "websocket edit", func() bool {
		b, _ := srv.World().Get(9, 9)
		return b == world.BlockGrass
	})
}
