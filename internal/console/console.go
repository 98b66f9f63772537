// Package console reads operator commands from a line-oriented input.
package console

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/siohaza/gridhost/internal/command"
	"github.com/siohaza/gridhost/internal/perms"
)

const Prompt = ">>> "

// Dispatcher runs one command line on behalf of sender.
type Dispatcher interface {
	Dispatch(sender, line string) command.Result
}

type Console struct {
	in          io.Reader
	out         io.Writer
	dispatcher  Dispatcher
	interactive bool
	logger      *slog.Logger
}

// New builds a console over in. The prompt is printed only when in is a
// terminal.
func New(in io.Reader, out io.Writer, d Dispatcher, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		in:          in,
		out:         out,
		dispatcher:  d,
		interactive: IsTerminal(in),
		logger:      logger,
	}
}

// IsTerminal reports whether r is a file attached to a terminal.
func IsTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Run reads lines until end of input. Lines starting with the command
// marker are dispatched as the console identity; everything else is
// ignored. End of input stops the console only.
func (c *Console) Run() error {
	scanner := bufio.NewScanner(c.in)
	for {
		c.prompt()
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if !command.IsCommandLine(line) {
			continue
		}
		c.dispatcher.Dispatch(perms.ConsoleID, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read console input: %w", err)
	}
	c.logger.Info("console input closed")
	return nil
}

func (c *Console) prompt() {
	if !c.interactive || c.out == nil {
		return
	}
	_, _ = io.WriteString(c.out, Prompt)
}
