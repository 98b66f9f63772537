package command

import (
	"strings"
	"unicode/utf8"
)

// Marker prefixes a command line.
const Marker = "/"

type Invocation struct {
	Name string
	Args []string
}

// Parse splits line on whitespace and strips the first rune of the first
// token to get the command name. Names are matched exactly, so "/BAN" is
// not "/ban". A line with no tokens yields false.
func Parse(line string) (Invocation, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Invocation{}, false
	}

	_, size := utf8.DecodeRuneInString(fields[0])
	return Invocation{
		Name: fields[0][size:],
		Args: fields[1:],
	}, true
}

// IsCommandLine reports whether line starts with the command marker.
func IsCommandLine(line string) bool {
	return strings.HasPrefix(line, Marker)
}
