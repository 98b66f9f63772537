package command

import (
	"strconv"

	"github.com/siohaza/gridhost/internal/protocol"
)

type Sessions interface {
	Disconnect(id, reason string)
}

type Punisher interface {
	Ban(id string) error
	Mute(id string) error
	Clear(id string) (bool, error)
}

type Permissions interface {
	Requirements
	SetLevel(id string, level int) error
	Commands() []string
}

// Halter persists all state and ends the process.
type Halter interface {
	PersistAll() error
	Exit(code int)
}

type Deps struct {
	Sessions Sessions
	Punish   Punisher
	Perms    Permissions
	Halter   Halter
	Metrics  Observer
}

func registerBuiltins(d *Dispatcher, deps Deps) {
	d.Register("kick", kickAction(deps.Sessions))
	d.Register("ban", punishAction("ban", "banned", deps.Punish.Ban))
	d.Register("mute", punishAction("mute", "muted", deps.Punish.Mute))
	d.Register("unpunish", punishAction("unpunish", "unpunished", func(id string) error {
		_, err := deps.Punish.Clear(id)
		return err
	}))
	d.Register("perms", permsAction(deps.Perms))
	d.Register("help", helpAction(deps.Perms))
	if deps.Halter != nil {
		d.Register("stop", stopAction(deps.Halter))
	}
}

func kickAction(sessions Sessions) Action {
	return func(c *Call) error {
		if len(c.Args) < 1 {
			return Usage("/kick <player_id>")
		}
		sessions.Disconnect(c.Args[0], protocol.ReasonKicked)
		c.Reply("Player %s kicked.", c.Args[0])
		return nil
	}
}

// ban leaves a connected session alone; it only blocks future
// registrations.
func punishAction(name, verb string, apply func(id string) error) Action {
	return func(c *Call) error {
		if len(c.Args) < 1 {
			return Usage("/" + name + " <player_id>")
		}
		if err := apply(c.Args[0]); err != nil {
			return err
		}
		c.Reply("Player %s %s.", c.Args[0], verb)
		return nil
	}
}

func permsAction(perms Permissions) Action {
	return func(c *Call) error {
		if len(c.Args) < 2 {
			return Usage("/perms <player_id> <level>")
		}
		level, err := strconv.Atoi(c.Args[1])
		if err != nil {
			return Usage("/perms <player_id> <level>")
		}
		if err := perms.SetLevel(c.Args[0], level); err != nil {
			return err
		}
		c.Reply("Player %s's permission set to %d.", c.Args[0], level)
		return nil
	}
}

func helpAction(perms Permissions) Action {
	return func(c *Call) error {
		c.Reply("Available commands:")
		for _, name := range perms.Commands() {
			c.Line("  /" + name)
		}
		return nil
	}
}

func stopAction(h Halter) Action {
	return func(c *Call) error {
		c.Reply("Stopping server safely...")
		if err := h.PersistAll(); err != nil {
			return err
		}
		c.Reply("All data saved. Goodbye!")
		h.Exit(0)
		return nil
	}
}
