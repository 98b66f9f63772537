package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
)

type Kind string

const (
	KindWelcome    Kind = "welcome"
	KindDisconnect Kind = "disconnect"
	KindCommand    Kind = "command"
	KindBreakBlock Kind = "break_block"
	KindPlaceBlock Kind = "place_block"
)

// Disconnect reasons sent to clients.
const (
	ReasonKicked      = "Kicked"
	ReasonServerFull  = "Server is full"
	ReasonRateLimited = "Rate limit exceeded"
	ReasonShutdown    = "Server shutting down"
)

var ErrUnknownKind = errors.New("unknown message kind")

// Envelope is decoded first to route a document by its type.
type Envelope struct {
	Type Kind `json:"type"`
}

// Message is any client-to-server message.
type Message interface {
	Kind() Kind
}

type Welcome struct {
	Type   Kind       `json:"type"`
	ID     string     `json:"id"`
	MOTD   string     `json:"motd"`
	Server string     `json:"server"`
	World  [][]string `json:"world"`
}

func NewWelcome(id, motd, server string, world [][]string) Welcome {
	return Welcome{Type: KindWelcome, ID: id, MOTD: motd, Server: server, World: world}
}

type Disconnect struct {
	Type   Kind   `json:"type"`
	Reason string `json:"reason"`
}

func NewDisconnect(reason string) Disconnect {
	return Disconnect{Type: KindDisconnect, Reason: reason}
}

type Command struct {
	Type    Kind   `json:"type"`
	Command string `json:"command"`
}

func (Command) Kind() Kind { return KindCommand }

type BreakBlock struct {
	Type Kind `json:"type"`
	X    int  `json:"x"`
	Y    int  `json:"y"`
}

func (BreakBlock) Kind() Kind { return KindBreakBlock }

type PlaceBlock struct {
	Type  Kind   `json:"type"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Block string `json:"block"`
}

func (PlaceBlock) Kind() Kind { return KindPlaceBlock }

// edit is the wire shape shared by break_block and place_block.
type edit struct {
	X     json.Number `json:"x"`
	Y     json.Number `json:"y"`
	Block string      `json:"block"`
}

// coordinate converts a whole JSON number to an int. Values beyond the int
// range saturate to math.MinInt or math.MaxInt, which lie outside any grid.
func coordinate(n json.Number) (int, error) {
	f, _, err := big.ParseFloat(string(n), 10, 64, big.ToNearestEven)
	if err != nil {
		return 0, err
	}
	if !f.IsInt() {
		return 0, fmt.Errorf("%s is not a whole number", n)
	}

	v, _ := f.Int64()
	switch {
	case v > math.MaxInt:
		return math.MaxInt, nil
	case v < math.MinInt:
		return math.MinInt, nil
	}
	return int(v), nil
}

func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode validates one client document against its schema and returns the
// typed message.
func Decode(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if err := validate(env.Type, frame); err != nil {
		return nil, err
	}

	var msg Message
	switch env.Type {
	case KindCommand:
		var m Command
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
		msg = m
	case KindBreakBlock, KindPlaceBlock:
		var m edit
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
		x, err := coordinate(m.X)
		if err != nil {
			return nil, fmt.Errorf("invalid %s x: %w", env.Type, err)
		}
		y, err := coordinate(m.Y)
		if err != nil {
			return nil, fmt.Errorf("invalid %s y: %w", env.Type, err)
		}
		if env.Type == KindBreakBlock {
			msg = BreakBlock{Type: env.Type, X: x, Y: y}
		} else {
			msg = PlaceBlock{Type: env.Type, X: x, Y: y, Block: m.Block}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}

	return msg, nil
}
