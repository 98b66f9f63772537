package lua

import (
	"sort"

	"github.com/Shopify/go-lua"

	"github.com/siohaza/gridhost/internal/protocol"
	"github.com/siohaza/gridhost/internal/punish"
	"github.com/siohaza/gridhost/internal/world"
)

type World interface {
	Get(x, y int) (world.Block, bool)
	SetCell(x, y int, b world.Block) (bool, error)
	Width() int
	Height() int
}

type Sessions interface {
	Disconnect(id, reason string)
	IDs() []string
}

type Punisher interface {
	Status(id string) punish.Status
	Ban(id string) error
	Mute(id string) error
	Clear(id string) (bool, error)
}

type Levels interface {
	LevelOf(id string) int
}

// GameAPI is the set of server functions exposed to command scripts.
type GameAPI struct {
	world    World
	sessions Sessions
	punish   Punisher
	levels   Levels
}

func NewGameAPI(w World, sessions Sessions, p Punisher) *GameAPI {
	return &GameAPI{
		world:    w,
		sessions: sessions,
		punish:   p,
	}
}

// SetLevels attaches the permission table once it is loaded. Scripts are
// read before the table so their commands can join its defaults.
func (api *GameAPI) SetLevels(levels Levels) {
	api.levels = levels
}

func (api *GameAPI) RegisterFunctions(vm *VM) {
	vm.Expose("get_block", api.getBlock)
	vm.Expose("set_block", api.setBlock)
	vm.Expose("world_size", api.worldSize)
	vm.Expose("kick", api.kick)
	vm.Expose("ban", api.ban)
	vm.Expose("mute", api.mute)
	vm.Expose("unpunish", api.unpunish)
	vm.Expose("get_status", api.status)
	vm.Expose("get_level", api.level)
	vm.Expose("get_sessions", api.listSessions)
}

// get_block(x, y) returns the block name, or nil outside the grid.
func (api *GameAPI) getBlock(state *lua.State) int {
	x := lua.CheckInteger(state, 1)
	y := lua.CheckInteger(state, 2)

	b, ok := api.world.Get(x, y)
	if !ok {
		state.PushNil()
		return 1
	}
	state.PushString(string(b))
	return 1
}

// set_block(x, y, block) returns whether the edit landed inside the grid.
func (api *GameAPI) setBlock(state *lua.State) int {
	x := lua.CheckInteger(state, 1)
	y := lua.CheckInteger(state, 2)
	name := lua.CheckString(state, 3)

	b, err := world.ParseBlock(name)
	if err != nil {
		lua.Errorf(state, "%s", err.Error())
		return 0
	}

	applied, err := api.world.SetCell(x, y, b)
	if err != nil {
		lua.Errorf(state, "%s", err.Error())
		return 0
	}
	state.PushBoolean(applied)
	return 1
}

func (api *GameAPI) worldSize(state *lua.State) int {
	state.PushInteger(api.world.Width())
	state.PushInteger(api.world.Height())
	return 2
}

func (api *GameAPI) kick(state *lua.State) int {
	id := lua.CheckString(state, 1)
	reason := lua.OptString(state, 2, protocol.ReasonKicked)

	api.sessions.Disconnect(id, reason)
	return 0
}

func (api *GameAPI) ban(state *lua.State) int {
	id := lua.CheckString(state, 1)
	if err := api.punish.Ban(id); err != nil {
		lua.Errorf(state, "%s", err.Error())
	}
	return 0
}

func (api *GameAPI) mute(state *lua.State) int {
	id := lua.CheckString(state, 1)
	if err := api.punish.Mute(id); err != nil {
		lua.Errorf(state, "%s", err.Error())
	}
	return 0
}

// unpunish(id) returns whether an entry was removed.
func (api *GameAPI) unpunish(state *lua.State) int {
	id := lua.CheckString(state, 1)
	removed, err := api.punish.Clear(id)
	if err != nil {
		lua.Errorf(state, "%s", err.Error())
		return 0
	}
	state.PushBoolean(removed)
	return 1
}

func (api *GameAPI) status(state *lua.State) int {
	id := lua.CheckString(state, 1)
	state.PushString(api.punish.Status(id).String())
	return 1
}

func (api *GameAPI) level(state *lua.State) int {
	id := lua.CheckString(state, 1)
	if api.levels == nil {
		state.PushInteger(0)
		return 1
	}
	state.PushInteger(api.levels.LevelOf(id))
	return 1
}

func (api *GameAPI) listSessions(state *lua.State) int {
	ids := api.sessions.IDs()
	sort.Strings(ids)

	state.NewTable()
	for i, id := range ids {
		state.PushString(id)
		state.RawSetInt(-2, i+1)
	}
	return 1
}
