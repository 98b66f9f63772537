package world

import "fmt"

type Block string

const (
	BlockAir   Block = "air"
	BlockStone Block = "stone"
	BlockDirt  Block = "dirt"
	BlockGrass Block = "grass"
	BlockWood  Block = "wood"
	BlockSand  Block = "sand"
	BlockWater Block = "water"
	BlockBrick Block = "brick"
)

var blocks = []Block{
	BlockAir,
	BlockStone,
	BlockDirt,
	BlockGrass,
	BlockWood,
	BlockSand,
	BlockWater,
	BlockBrick,
}

func Blocks() []Block {
	out := make([]Block, len(blocks))
	copy(out, blocks)
	return out
}

func (b Block) Valid() bool {
	for _, known := range blocks {
		if b == known {
			return true
		}
	}
	return false
}

func ParseBlock(s string) (Block, error) {
	b := Block(s)
	if !b.Valid() {
		return "", fmt.Errorf("unknown block type %q", s)
	}
	return b, nil
}
