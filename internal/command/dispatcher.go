// Package command parses, authorizes and executes operator commands. Every
// outcome is reported as a diagnostic line; failures in one command never
// reach the caller.
package command

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type Outcome string

const (
	OutcomeDropped        Outcome = "dropped"
	OutcomeUnknown        Outcome = "unknown"
	OutcomeDenied         Outcome = "denied"
	OutcomeUsage          Outcome = "usage"
	OutcomeFailed         Outcome = "failed"
	OutcomeNotImplemented Outcome = "not_implemented"
	OutcomeOK             Outcome = "ok"
)

var ErrUsage = errors.New("usage")

type usageError struct {
	usage string
}

func (e *usageError) Error() string { return "Usage: " + e.usage }
func (e *usageError) Unwrap() error { return ErrUsage }

// Usage builds the error an action returns for missing or malformed
// arguments.
func Usage(usage string) error {
	return &usageError{usage: usage}
}

// Call is one authorized invocation handed to an action.
type Call struct {
	Sender string
	Name   string
	Args   []string
	out    *Reporter
}

func (c *Call) Reply(format string, args ...any) {
	c.out.Printf(format, args...)
}

func (c *Call) Line(s string) {
	c.out.Line(s)
}

type Action func(c *Call) error

type Result struct {
	Command string
	Outcome Outcome
	Err     error
}

// Requirements is the permission table view the dispatcher needs.
type Requirements interface {
	Has(name string) bool
	CanExecute(id, command string) bool
}

type Observer interface {
	CommandDispatched(outcome string)
}

type Dispatcher struct {
	perms    Requirements
	out      *Reporter
	logger   *slog.Logger
	observer Observer

	mu      sync.RWMutex
	actions map[string]Action
}

// NewDispatcher builds a dispatcher with the built-in actions bound to deps.
func NewDispatcher(deps Deps, out *Reporter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = NewReporter(nil, logger)
	}

	d := &Dispatcher{
		perms:    deps.Perms,
		out:      out,
		logger:   logger,
		observer: deps.Metrics,
		actions:  make(map[string]Action),
	}
	registerBuiltins(d, deps)
	return d
}

// Register binds an action to a command name, replacing any previous one.
func (d *Dispatcher) Register(name string, action Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions[name] = action
}

func (d *Dispatcher) action(name string) (Action, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actions[name]
	return a, ok
}

// Dispatch runs one command line for sender.
func (d *Dispatcher) Dispatch(sender, line string) Result {
	res := d.dispatch(sender, line)
	if d.observer != nil {
		d.observer.CommandDispatched(string(res.Outcome))
	}
	d.logger.Debug("command dispatched", "sender", sender, "command", res.Command, "outcome", res.Outcome)
	return res
}

func (d *Dispatcher) dispatch(sender, line string) Result {
	inv, ok := Parse(line)
	if !ok {
		return Result{Outcome: OutcomeDropped}
	}
	res := Result{Command: inv.Name}

	if !d.perms.Has(inv.Name) {
		d.out.Printf("Command '%s' does not exist.", inv.Name)
		res.Outcome = OutcomeUnknown
		return res
	}

	if !d.perms.CanExecute(sender, inv.Name) {
		d.out.Printf("You do not have permission to execute '%s'.", inv.Name)
		res.Outcome = OutcomeDenied
		return res
	}

	action, ok := d.action(inv.Name)
	if !ok {
		d.out.Printf("Command '%s' is not implemented yet.", inv.Name)
		res.Outcome = OutcomeNotImplemented
		return res
	}

	call := &Call{Sender: sender, Name: inv.Name, Args: inv.Args, out: d.out}
	if err := d.execute(action, call); err != nil {
		res.Err = err
		if errors.Is(err, ErrUsage) {
			d.out.Printf("%s", err.Error())
			res.Outcome = OutcomeUsage
			return res
		}
		d.out.Printf("Error executing command '%s': %v", inv.Name, err)
		d.logger.Warn("command failed", "command", inv.Name, "sender", sender, "error", err)
		res.Outcome = OutcomeFailed
		return res
	}

	res.Outcome = OutcomeOK
	return res
}

func (d *Dispatcher) execute(action Action, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return action(call)
}
