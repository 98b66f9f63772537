// Package server wires the stores, registries and listeners into a running
// grid server.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/siohaza/gridhost/internal/command"
	"github.com/siohaza/gridhost/internal/metrics"
	"github.com/siohaza/gridhost/internal/network"
	"github.com/siohaza/gridhost/internal/perms"
	"github.com/siohaza/gridhost/internal/ping"
	"github.com/siohaza/gridhost/internal/protocol"
	"github.com/siohaza/gridhost/internal/punish"
	"github.com/siohaza/gridhost/internal/session"
	"github.com/siohaza/gridhost/internal/store"
	"github.com/siohaza/gridhost/internal/world"
	"github.com/siohaza/gridhost/pkg/config"
	"github.com/siohaza/gridhost/pkg/lua"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	config      *config.Config
	logger      *slog.Logger
	store       store.Store
	world       *world.World
	punish      *punish.Registry
	perms       *perms.Table
	sessions    *session.Registry
	dispatcher  *command.Dispatcher
	report      *command.Reporter
	luaCommands *lua.CommandManager
	metrics     *metrics.Metrics
	tcp         *network.TCPServer
	websocket   *network.WebSocketServer
	pingHandler *ping.Handler

	output    io.Writer
	idSource  func() string
	exit      func(int)
	startTime time.Time
	persistMu sync.Mutex
	stopOnce  sync.Once
}

type Option func(*Server)

// WithOutput sets where command diagnostics are written. Defaults to
// stdout.
func WithOutput(w io.Writer) Option {
	return func(s *Server) {
		s.output = w
	}
}

// WithIDSource replaces the session identifier generator.
func WithIDSource(fn func() string) Option {
	return func(s *Server) {
		s.idSource = fn
	}
}

// WithExit replaces the process exit used by the stop command.
func WithExit(fn func(int)) Option {
	return func(s *Server) {
		s.exit = fn
	}
}

func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	srv := &Server{
		config: cfg,
		logger: logger,
		output: os.Stdout,
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.report = command.NewReporter(srv.output, logger)

	st, err := store.Open(cfg.Storage.Backend, cfg.Storage.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	srv.store = st

	if err := srv.load(); err != nil {
		st.Close()
		return nil, err
	}
	return srv, nil
}

func (s *Server) load() error {
	var err error

	s.world, err = world.Load(s.store, world.Key(s.config.Server.WorldName), s.config.World.Width, s.config.World.Height, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load world: %w", err)
	}

	s.punish, err = punish.Load(s.store, s.logger)
	if err != nil {
		return err
	}

	if s.config.Metrics.Enabled {
		s.metrics = metrics.New(s.logger)
	}

	sessionOpts := []session.Option{
		session.WithCapacity(s.config.Server.MaxPlayers),
		session.WithLogger(s.logger),
		session.WithRateLimits(session.RateLimits{
			Enabled:           s.config.RateLimit.Enabled,
			EditsPerSecond:    s.config.RateLimit.EditsPerSecond,
			EditBurst:         s.config.RateLimit.EditBurst,
			CommandsPerSecond: s.config.RateLimit.CommandsPerSecond,
			CommandBurst:      s.config.RateLimit.CommandBurst,
			MaxViolations:     s.config.RateLimit.MaxViolations,
		}),
	}
	if s.idSource != nil {
		sessionOpts = append(sessionOpts, session.WithIDSource(s.idSource))
	}
	if s.metrics != nil {
		sessionOpts = append(sessionOpts, session.WithMetrics(s.metrics))
	}
	s.sessions = session.NewRegistry(s.punish, sessionOpts...)

	api := lua.NewGameAPI(s.world, s.sessions, s.punish)
	s.luaCommands = lua.NewCommandManager(s.logger)
	if err := s.luaCommands.LoadCommands(s.config.Scripts.Dir, api); err != nil {
		s.logger.Warn("failed to load lua commands", "error", err)
	}

	s.perms, err = perms.Load(s.store, s.requirements(), s.logger)
	if err != nil {
		return err
	}
	api.SetLevels(s.perms)

	deps := command.Deps{
		Sessions: s.sessions,
		Punish:   s.punish,
		Perms:    s.perms,
		Halter:   s,
	}
	if s.metrics != nil {
		deps.Metrics = s.metrics
	}
	s.dispatcher = command.NewDispatcher(deps, s.report, s.logger)
	s.registerScriptCommands()

	return nil
}

// requirements returns the built-in command levels followed by every
// scripted command that does not shadow a built-in.
func (s *Server) requirements() []perms.Requirement {
	reqs := perms.DefaultRequirements()
	for _, cmd := range s.luaCommands.Commands() {
		if isBuiltin(cmd.Name) {
			s.logger.Warn("lua command shadows a built-in, ignoring", "name", cmd.Name)
			continue
		}
		reqs = append(reqs, perms.Requirement{Name: cmd.Name, Level: cmd.Level})
	}
	return reqs
}

func (s *Server) registerScriptCommands() {
	for _, cmd := range s.luaCommands.Commands() {
		if isBuiltin(cmd.Name) || !s.perms.Has(cmd.Name) {
			continue
		}
		if !cmd.Implemented() {
			s.logger.Warn("lua command has no handler", "name", cmd.Name, "handler", cmd.Handler)
			continue
		}

		name := cmd.Name
		s.dispatcher.Register(name, func(c *command.Call) error {
			out, err := s.luaCommands.Execute(c.Sender, name, c.Args)
			if err != nil {
				return err
			}
			if out != "" {
				c.Reply("%s", out)
			}
			return nil
		})
	}
}

func isBuiltin(name string) bool {
	for _, r := range perms.DefaultRequirements() {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Start opens the listeners. The game listener is required; the status,
// websocket and metrics endpoints log and continue on failure.
func (s *Server) Start() error {
	s.startTime = time.Now()

	s.tcp = network.NewTCPServer(s.config.Address(s.config.Server.Port), s.logger)
	if err := s.tcp.Start(s.HandleConn); err != nil {
		return fmt.Errorf("failed to start network: %w", err)
	}

	if s.config.WebSocket.Enabled {
		s.websocket = network.NewWebSocketServer(s.config.Address(s.config.WebSocket.Port), s.config.WebSocket.Path, s.logger)
		if err := s.websocket.Start(s.HandleConn); err != nil {
			s.logger.Warn("failed to start websocket listener", "error", err)
			s.websocket = nil
		}
	}

	if s.config.Status.Enabled {
		s.pingHandler = ping.NewHandler(s.config.Address(s.config.Status.Port), s.statusInfo, s.logger)
		if err := s.pingHandler.Start(); err != nil {
			s.logger.Warn("failed to start status responder", "error", err)
			s.pingHandler = nil
		}
	}

	if s.metrics != nil {
		if err := s.metrics.Start(s.config.Metrics.Address); err != nil {
			s.logger.Warn("failed to start metrics endpoint", "error", err)
		}
	}

	s.report.Printf("%s started on %s", s.config.Server.Name, s.tcp.Addr())
	s.logger.Info("server started", "name", s.config.Server.Name, "address", s.tcp.Addr().String())
	return nil
}

func (s *Server) statusInfo() ping.ServerInfo {
	return ping.ServerInfo{
		Name:           s.config.Server.Name,
		MOTD:           s.config.Server.MOTD,
		PlayersCurrent: s.sessions.Count(),
		PlayersMax:     s.config.Server.MaxPlayers,
		World:          s.config.Server.WorldName,
		Password:       s.config.Server.PasswordServer,
	}
}

// Addr is the bound game listener address.
func (s *Server) Addr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

func (s *Server) WebSocketAddr() net.Addr {
	if s.websocket == nil {
		return nil
	}
	return s.websocket.Addr()
}

func (s *Server) World() *world.World { return s.world }

func (s *Server) Sessions() *session.Registry { return s.sessions }

func (s *Server) Punishments() *punish.Registry { return s.punish }

func (s *Server) Permissions() *perms.Table { return s.perms }

// Dispatch runs a command line for sender.
func (s *Server) Dispatch(sender, line string) command.Result {
	return s.dispatcher.Dispatch(sender, line)
}

// ExecuteConsole runs a command line as the console operator.
func (s *Server) ExecuteConsole(line string) command.Result {
	return s.dispatcher.Dispatch(perms.ConsoleID, line)
}

// PersistAll saves the world, punishments and permission levels, then
// writes a world backup when configured.
func (s *Server) PersistAll() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	var errs []error
	if err := s.world.Persist(); err != nil {
		errs = append(errs, err)
	}
	if err := s.punish.Save(); err != nil {
		errs = append(errs, err)
	}
	if err := s.perms.Save(); err != nil {
		errs = append(errs, err)
	}

	if s.config.Storage.BackupOnStop {
		if err := s.world.Backup(s.backupPath()); err != nil {
			s.logger.Warn("world backup failed", "error", err)
		}
	}

	return errors.Join(errs...)
}

func (s *Server) backupPath() string {
	name := fmt.Sprintf("world-%d.json.zst", time.Now().Unix())
	return filepath.Join(s.config.Storage.Dir, "worlds", s.config.Server.WorldName, "backups", name)
}

// Exit ends the process without draining connections.
func (s *Server) Exit(code int) {
	s.logger.Info("exiting", "code", code)
	s.exit(code)
}

// Stop shuts the server down gracefully: listeners close, sessions get a
// shutdown notice, state is persisted and the store is closed.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping server")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if s.tcp != nil {
			s.tcp.Stop()
		}
		if s.websocket != nil {
			s.websocket.Stop(ctx)
		}
		if s.pingHandler != nil {
			s.pingHandler.Stop()
		}

		s.sessions.CloseAll(protocol.ReasonShutdown)

		if err := s.PersistAll(); err != nil {
			s.logger.Error("failed to persist state", "error", err)
		}

		if s.metrics != nil {
			s.metrics.Stop(ctx)
		}

		if err := s.store.Close(); err != nil {
			s.logger.Warn("failed to close store", "error", err)
		}

		s.logger.Info("server stopped", "uptime", time.Since(s.startTime).Round(time.Second))
	})
}
