package game

type Team byte

const (
	TeamBlue Team = iota
	TeamRed
)

func (t Team) String() string {
	if t == TeamBlue {
		return "blue"
	}
	return "red"
}

func (t Team) Other() Team {
	if t == TeamBlue {
		return TeamRed
	}
	return TeamBlue
}

// Grid is the territory board. Every cell is owned by exactly one team,
// so len(Cells) == Width*Height always holds.
type Grid struct {
	Width  int
	Height int
	Cells  []Team
}

// NewGrid starts each team owning its own half of the board, blue on
// the left.
func NewGrid(width, height int) *Grid {
	cells := make([]Team, width*height)
	for y := 0; y < height; y++ {
		for x := width / 2; x < width; x++ {
			cells[y*width+x] = TeamRed
		}
	}
	return &Grid{
		Width:  width,
		Height: height,
		Cells:  cells,
	}
}

func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height
}

func (g *Grid) At(x, y int) Team {
	return g.Cells[y*g.Width+x]
}

// Paint claims a single cell for a team. Painting a cell the team
// already owns is a no-op so callers can skip redundant writes.
func (g *Grid) Paint(x, y int, team Team) bool {
	index := y*g.Width + x
	if g.Cells[index] == team {
		return false
	}
	g.Cells[index] = team
	return true
}

// PaintSplat paints every cell within radius of (x, y), clipped to the
// board.
func (g *Grid) PaintSplat(x, y, radius int, team Team) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			cx, cy := x+dx, y+dy
			if !g.InBounds(cx, cy) {
				continue
			}
			g.Paint(cx, cy, team)
		}
	}
}

// Count returns the number of cells each team owns.
func (g *Grid) Count() (blue int, red int) {
	for _, cell := range g.Cells {
		if cell == TeamBlue {
			blue++
		} else {
			red++
		}
	}
	return blue, red
}
