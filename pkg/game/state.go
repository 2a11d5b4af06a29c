package game

import (
	"math"
)

const (
	MaxInk      = 100.0
	InkPerTick  = 0.6
	StartingInk = 50.0
)

type Vec struct {
	X float64
	Y float64
}

type Projectile struct {
	Pos    Vec
	Vel    Vec
	Team   Team
	Weapon WeaponKind
	Life   int
}

type Cannon struct {
	Team   Team
	Pos    Vec
	Angle  float64
	Firing bool
	Ink    float64
	Weapon WeaponKind

	// Tick index of the most recent shot, tracked per weapon so that
	// switching modes never resets a cooldown.
	lastShot [NumWeapons]int
}

type Scores struct {
	Blue int
	Red  int
}

// State is the authoritative per-room simulation. It is only ever
// mutated by Tick and the input setters, and the engine serializes
// access to both.
type State struct {
	Grid        *Grid
	Cannons     [2]*Cannon
	Projectiles []*Projectile
	TimeLeft    int
	TickCount   int
	Scores      Scores
}

func NewState(width, height, matchSeconds int) *State {
	grid := NewGrid(width, height)

	blue := &Cannon{
		Team:   TeamBlue,
		Pos:    Vec{X: 2, Y: float64(height) / 2},
		Ink:    StartingInk,
		Weapon: WeaponSplatter,
	}
	red := &Cannon{
		Team:   TeamRed,
		Pos:    Vec{X: float64(width) - 3, Y: float64(height) / 2},
		Angle:  math.Pi,
		Ink:    StartingInk,
		Weapon: WeaponSplatter,
	}

	for i := range blue.lastShot {
		blue.lastShot[i] = math.MinInt32
		red.lastShot[i] = math.MinInt32
	}

	state := &State{
		Grid:     grid,
		Cannons:  [2]*Cannon{blue, red},
		TimeLeft: matchSeconds,
	}
	state.recomputeScores()
	return state
}

func (s *State) Cannon(team Team) *Cannon {
	if team == TeamBlue {
		return s.Cannons[0]
	}
	return s.Cannons[1]
}

// SetInput applies a client's aim and trigger state. Malformed input is
// ignored for the tick rather than failing the simulation.
func (s *State) SetInput(team Team, angle float64, firing bool) {
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		return
	}
	cannon := s.Cannon(team)
	cannon.Angle = angle
	cannon.Firing = firing
}

// SelectWeapon switches a cannon's mode. In-flight projectiles keep the
// weapon they were fired with; an invalid mode is ignored.
func (s *State) SelectWeapon(team Team, weapon WeaponKind) {
	if !weapon.Valid() {
		return
	}
	s.Cannon(team).Weapon = weapon
}

// Tick advances the simulation one step: projectiles move and paint,
// cannons fire, ink regenerates, and scores are recomputed from the
// grid.
func (s *State) Tick() {
	s.TickCount++

	s.advanceProjectiles()

	for _, cannon := range s.Cannons {
		s.fire(cannon)
	}

	for _, cannon := range s.Cannons {
		cannon.Ink = math.Min(MaxInk, cannon.Ink+InkPerTick)
	}

	s.recomputeScores()
}

func (s *State) advanceProjectiles() {
	kept := s.Projectiles[:0]
	for _, p := range s.Projectiles {
		spec := Weapons[p.Weapon]

		p.Pos.X += p.Vel.X
		p.Pos.Y += p.Vel.Y
		p.Vel.Y += spec.Gravity
		p.Life--

		x := int(math.Round(p.Pos.X))
		y := int(math.Round(p.Pos.Y))
		if !s.Grid.InBounds(x, y) || p.Life <= 0 {
			continue
		}

		s.Grid.PaintSplat(x, y, spec.PaintRadius, p.Team)
		kept = append(kept, p)
	}
	s.Projectiles = kept
}

func (s *State) fire(cannon *Cannon) {
	if !cannon.Firing {
		return
	}

	spec := Weapons[cannon.Weapon]
	if s.TickCount-cannon.lastShot[cannon.Weapon] < spec.CooldownTicks {
		return
	}
	if cannon.Ink < spec.InkCost {
		return
	}

	angles := []float64{cannon.Angle}
	if cannon.Weapon == WeaponSpread {
		angles = []float64{
			cannon.Angle - spreadArc,
			cannon.Angle,
			cannon.Angle + spreadArc,
		}
	}

	for _, angle := range angles {
		velocity := Vec{
			X: math.Cos(angle) * spec.Speed,
			Y: math.Sin(angle) * spec.Speed,
		}
		// The lob launches with extra upward velocity and falls
		// back under gravity.
		velocity.Y -= spec.Lift

		s.Projectiles = append(s.Projectiles, &Projectile{
			Pos:    cannon.Pos,
			Vel:    velocity,
			Team:   cannon.Team,
			Weapon: cannon.Weapon,
			Life:   spec.LifeTicks,
		})
	}

	cannon.Ink -= spec.InkCost
	cannon.lastShot[cannon.Weapon] = s.TickCount
}

// recomputeScores derives the percentage pair from a full count of the
// grid. It is never incrementally updated, so rounding can not drift,
// and the two sides always sum to 100.
func (s *State) recomputeScores() {
	blue, red := s.Grid.Count()
	total := blue + red

	bluePct := blue * 100 / total
	if blue == red {
		bluePct = 50
	}

	s.Scores = Scores{
		Blue: bluePct,
		Red:  100 - bluePct,
	}
}

// Winner reports the leading team; draw is true when the score is even.
func (s *State) Winner() (Team, bool) {
	if s.Scores.Blue == s.Scores.Red {
		return TeamBlue, true
	}
	if s.Scores.Blue > s.Scores.Red {
		return TeamBlue, false
	}
	return TeamRed, false
}
