package game

import "math"

type WeaponKind byte

const (
	// Fast, cheap, single shot with a small splat.
	WeaponSplatter WeaponKind = iota
	// Medium cost, fires a fixed three-way spread.
	WeaponSpread
	// Slow and expensive, lobbed in an upward arc with gravity and a
	// larger splat.
	WeaponLob

	NumWeapons
)

func (w WeaponKind) String() string {
	switch w {
	case WeaponSplatter:
		return "splatter"
	case WeaponSpread:
		return "spread"
	case WeaponLob:
		return "lob"
	}
	return "unknown"
}

func (w WeaponKind) Valid() bool {
	return w < NumWeapons
}

type WeaponSpec struct {
	InkCost       float64
	Speed         float64
	PaintRadius   int
	CooldownTicks int
	LifeTicks     int
	// Applied to a projectile's vertical velocity every tick. Only the
	// lob uses this.
	Gravity float64
	// Extra upward velocity at launch, again only for the lob.
	Lift float64
}

// The angular offset between shots of the three-way spread.
const spreadArc = math.Pi / 12

var Weapons = [NumWeapons]WeaponSpec{
	WeaponSplatter: {
		InkCost:       8,
		Speed:         3.0,
		PaintRadius:   1,
		CooldownTicks: 4,
		LifeTicks:     90,
	},
	WeaponSpread: {
		InkCost:       20,
		Speed:         2.2,
		PaintRadius:   1,
		CooldownTicks: 10,
		LifeTicks:     90,
	},
	WeaponLob: {
		InkCost:       35,
		Speed:         1.8,
		PaintRadius:   2,
		CooldownTicks: 24,
		LifeTicks:     150,
		Gravity:       0.12,
		Lift:          1.6,
	},
}
