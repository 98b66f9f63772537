package lua

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

var ErrNoHandler = errors.New("command handler not found")

type LuaCommand struct {
	Name        string
	Level       int
	Description string
	Usage       string
	Handler     string
	VM          *VM
}

// Implemented reports whether the script defines its handler function.
func (c *LuaCommand) Implemented() bool {
	return c.VM.Defines(c.Handler)
}

type CommandManager struct {
	commands map[string]*LuaCommand
	logger   *slog.Logger
}

func NewCommandManager(logger *slog.Logger) *CommandManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandManager{
		commands: make(map[string]*LuaCommand),
		logger:   logger,
	}
}

// LoadCommands loads every .lua file in commandsDir. A missing directory
// means no scripted commands. Broken scripts are logged and skipped.
func (cm *CommandManager) LoadCommands(commandsDir string, api *GameAPI) error {
	files, err := os.ReadDir(commandsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cm.logger.Debug("no command scripts directory", "dir", commandsDir)
			return nil
		}
		return fmt.Errorf("failed to read commands directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".lua") {
			continue
		}

		commandPath := filepath.Join(commandsDir, file.Name())
		if err := cm.LoadCommandFile(commandPath, api); err != nil {
			cm.logger.Warn("failed to load command file", "file", file.Name(), "error", err)
			continue
		}
	}

	cm.logger.Info("loaded lua commands", "count", len(cm.commands))
	return nil
}

func (cm *CommandManager) LoadCommandFile(path string, api *GameAPI) error {
	vm := NewVM()

	if api != nil {
		api.RegisterFunctions(vm)
	}

	if err := vm.Run(path); err != nil {
		return err
	}

	decl := vm.Declaration()
	name := commandName(decl.Name)
	if name == "" || strings.ContainsAny(name, " \t/") {
		return fmt.Errorf("invalid command name %q", decl.Name)
	}
	if !decl.HasLevel {
		cm.logger.Debug("lua command has no level, defaulting to 0", "name", name)
	}

	cmd := &LuaCommand{
		Name:        name,
		Level:       decl.Level,
		Description: decl.Description,
		Usage:       decl.Usage,
		Handler:     decl.Handler,
		VM:          vm,
	}

	if existing, ok := cm.commands[name]; ok {
		cm.logger.Warn("duplicate lua command, keeping the later file", "name", name, "level", existing.Level)
	}
	cm.Register(cmd)
	return nil
}

func (cm *CommandManager) Register(cmd *LuaCommand) {
	cm.commands[cmd.Name] = cmd
}

func (cm *CommandManager) Get(name string) *LuaCommand {
	return cm.commands[commandName(name)]
}

// commandName is the case-folded form a script's declared name is
// registered under.
func commandName(declared string) string {
	return cases.Fold().String(strings.TrimSpace(declared))
}

// Commands returns the loaded commands sorted by name.
func (cm *CommandManager) Commands() []*LuaCommand {
	cmds := make([]*LuaCommand, 0, len(cm.commands))
	for _, cmd := range cm.commands {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// Execute calls the command's handler as handler(sender, args) where
// args[0] is the command name. The handler's string result is returned.
func (cm *CommandManager) Execute(sender, cmdName string, args []string) (string, error) {
	cmd := cm.Get(cmdName)
	if cmd == nil {
		return "", fmt.Errorf("unknown command: %s", cmdName)
	}

	return cmd.VM.Invoke(cmd.Handler, cmd.Name, sender, args)
}
