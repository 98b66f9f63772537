package lua

import (
	"fmt"
	"sync"

	"github.com/Shopify/go-lua"
)

const defaultHandler = "execute"

// Globals removed from every script state.
var blockedGlobals = []string{"io", "os", "debug", "dofile", "loadfile", "require"}

// VM is a sandboxed Lua state holding one command script. Methods take the
// VM lock themselves.
type VM struct {
	mu    sync.Mutex
	state *lua.State
}

func NewVM() *VM {
	state := lua.NewState()
	lua.OpenLibraries(state)
	for _, name := range blockedGlobals {
		state.PushNil()
		state.SetGlobal(name)
	}
	return &VM{state: state}
}

// Expose makes fn callable from the script as a global function.
func (vm *VM) Expose(name string, fn lua.Function) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.state.Register(name, fn)
}

func (vm *VM) Run(path string) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := lua.DoFile(vm.state, path); err != nil {
		return fmt.Errorf("failed to load lua file %s: %w", path, err)
	}
	return nil
}

func (vm *VM) RunString(code string) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := lua.DoString(vm.state, code); err != nil {
		return fmt.Errorf("failed to run lua chunk: %w", err)
	}
	return nil
}

// Declaration is what a command script states about itself through its
// globals.
type Declaration struct {
	Name        string
	Level       int
	HasLevel    bool
	Usage       string
	Description string
	Handler     string
}

// Declaration reads the declaration globals. A missing handler global
// means the default "execute".
func (vm *VM) Declaration() Declaration {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	d := Declaration{Handler: defaultHandler}
	d.Name, _ = vm.stringGlobal("name")
	d.Usage, _ = vm.stringGlobal("usage")
	d.Description, _ = vm.stringGlobal("description")
	if h, ok := vm.stringGlobal("handler"); ok && h != "" {
		d.Handler = h
	}
	if level, ok := vm.numberGlobal("level"); ok {
		d.Level = int(level)
		d.HasLevel = true
	}
	return d
}

// StringGlobal returns a global only when it holds a string.
func (vm *VM) StringGlobal(name string) (string, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.stringGlobal(name)
}

func (vm *VM) stringGlobal(name string) (string, bool) {
	vm.state.Global(name)
	defer vm.state.Pop(1)
	if vm.state.TypeOf(-1) != lua.TypeString {
		return "", false
	}
	return vm.state.ToString(-1)
}

func (vm *VM) numberGlobal(name string) (float64, bool) {
	vm.state.Global(name)
	defer vm.state.Pop(1)
	if vm.state.TypeOf(-1) != lua.TypeNumber {
		return 0, false
	}
	return vm.state.ToNumber(-1)
}

// Defines reports whether fn is a global function.
func (vm *VM) Defines(fn string) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.state.Global(fn)
	defer vm.state.Pop(1)
	return vm.state.IsFunction(-1)
}

// Invoke calls handler(sender, args) where args[0] is the command name and
// args[1..] the arguments. A string result is returned, anything else
// yields "".
func (vm *VM) Invoke(handler, command, sender string, args []string) (string, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	state := vm.state
	top := state.Top()
	state.Global(handler)
	if !state.IsFunction(-1) {
		state.Pop(1)
		return "", fmt.Errorf("%w: %s", ErrNoHandler, handler)
	}

	state.PushString(sender)
	state.CreateTable(len(args), 1)
	state.PushString(command)
	state.RawSetInt(-2, 0)
	for i, arg := range args {
		state.PushString(arg)
		state.RawSetInt(-2, i+1)
	}

	if err := state.ProtectedCall(2, 1, 0); err != nil {
		state.SetTop(top)
		return "", fmt.Errorf("command %s failed: %w", command, err)
	}
	defer state.SetTop(top)

	if state.TypeOf(-1) != lua.TypeString {
		return "", nil
	}
	out, _ := state.ToString(-1)
	return out, nil
}
