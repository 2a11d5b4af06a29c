package game

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoresAlwaysSumTo100(t *testing.T) {
	state := NewState(64, 48, 180)
	state.SetInput(TeamBlue, 0, true)
	state.SetInput(TeamRed, math.Pi, true)

	for i := 0; i < 500; i++ {
		state.Tick()
		require.Equal(t, 100, state.Scores.Blue+state.Scores.Red)
	}
}

func TestInitialScoreIsEven(t *testing.T) {
	state := NewState(10, 10, 60)
	assert.Equal(t, 50, state.Scores.Blue)
	assert.Equal(t, 50, state.Scores.Red)

	_, draw := state.Winner()
	assert.True(t, draw)
}

func TestSingleRedCellScores(t *testing.T) {
	state := NewState(10, 10, 60)

	// All blue except one red cell.
	for i := range state.Grid.Cells {
		state.Grid.Cells[i] = TeamBlue
	}
	state.Grid.Paint(7, 3, TeamRed)
	state.recomputeScores()

	assert.Equal(t, 99, state.Scores.Blue)
	assert.Equal(t, 1, state.Scores.Red)

	winner, draw := state.Winner()
	assert.False(t, draw)
	assert.Equal(t, TeamBlue, winner)
}

func TestLobWithInsufficientInk(t *testing.T) {
	state := NewState(32, 32, 60)

	cannon := state.Cannon(TeamBlue)
	cannon.Ink = Weapons[WeaponLob].InkCost - 1
	state.SelectWeapon(TeamBlue, WeaponLob)
	state.SetInput(TeamBlue, 0, true)

	before := cannon.Ink
	state.fire(cannon)

	assert.Empty(t, state.Projectiles)
	assert.Equal(t, before, cannon.Ink)
}

func TestFiringSpendsInkAndSpawns(t *testing.T) {
	state := NewState(32, 32, 60)
	state.SetInput(TeamBlue, 0, true)

	state.Tick()

	require.Len(t, state.Projectiles, 1)
	assert.Equal(t, TeamBlue, state.Projectiles[0].Team)

	// Regen is applied after the shot.
	expected := StartingInk - Weapons[WeaponSplatter].InkCost + InkPerTick
	assert.InDelta(t, expected, state.Cannon(TeamBlue).Ink, 0.001)
}

func TestSpreadFiresThreeProjectiles(t *testing.T) {
	state := NewState(32, 32, 60)
	state.SelectWeapon(TeamBlue, WeaponSpread)
	state.SetInput(TeamBlue, 0, true)

	state.Tick()

	assert.Len(t, state.Projectiles, 3)
}

func TestCooldownBlocksRapidFire(t *testing.T) {
	state := NewState(32, 32, 60)
	state.Cannon(TeamBlue).Ink = MaxInk
	state.SetInput(TeamBlue, 0, true)

	state.Tick()
	require.Len(t, state.Projectiles, 1)

	// The splatter cooldown has not elapsed on the next tick.
	state.Tick()
	assert.Len(t, state.Projectiles, 1)
}

func TestSwitchingWeaponsKeepsProjectiles(t *testing.T) {
	state := NewState(32, 32, 60)
	state.SetInput(TeamBlue, 0, true)
	state.Tick()
	require.Len(t, state.Projectiles, 1)

	state.SetInput(TeamBlue, 0, false)
	state.SelectWeapon(TeamBlue, WeaponLob)
	state.Tick()

	require.Len(t, state.Projectiles, 1)
	assert.Equal(t, WeaponSplatter, state.Projectiles[0].Weapon)
}

func TestInvalidInputIgnored(t *testing.T) {
	state := NewState(32, 32, 60)
	cannon := state.Cannon(TeamBlue)

	state.SetInput(TeamBlue, math.NaN(), true)
	assert.Equal(t, 0.0, cannon.Angle)
	assert.False(t, cannon.Firing)

	state.SelectWeapon(TeamBlue, WeaponKind(99))
	assert.Equal(t, WeaponSplatter, cannon.Weapon)
}

func TestProjectilesLeaveBounds(t *testing.T) {
	state := NewState(16, 16, 60)
	state.SetInput(TeamBlue, 0, true)

	state.Tick()
	require.Len(t, state.Projectiles, 1)
	state.SetInput(TeamBlue, 0, false)

	// The splatter travels 3 cells per tick from x=2; give it time to
	// cross the board and fall off the far edge.
	for i := 0; i < 10; i++ {
		state.Tick()
	}
	assert.Empty(t, state.Projectiles)
}

func TestProjectilesPaintTrail(t *testing.T) {
	state := NewState(32, 32, 60)
	state.SetInput(TeamBlue, 0, true)
	state.Tick()
	state.SetInput(TeamBlue, 0, false)

	// Let the projectile cross into red territory.
	for i := 0; i < 8; i++ {
		state.Tick()
	}

	// Cells along the projectile's path on red territory are now blue.
	blue, _ := state.Grid.Count()
	assert.Greater(t, blue, 32*32/2)
}

func TestGridCellInvariant(t *testing.T) {
	grid := NewGrid(10, 7)
	assert.Len(t, grid.Cells, 70)

	state := NewState(10, 7, 60)
	state.SetInput(TeamBlue, 0.3, true)
	state.SetInput(TeamRed, math.Pi-0.3, true)
	for i := 0; i < 100; i++ {
		state.Tick()
		require.Len(t, state.Grid.Cells, 70)
	}
}

func TestLobGravityArcs(t *testing.T) {
	state := NewState(64, 64, 60)
	state.Cannon(TeamBlue).Ink = MaxInk
	state.SelectWeapon(TeamBlue, WeaponLob)
	state.SetInput(TeamBlue, 0, true)

	state.Tick()
	require.Len(t, state.Projectiles, 1)
	p := state.Projectiles[0]

	// Launched with lift: initially rising.
	assert.Less(t, p.Vel.Y, 0.0)

	launch := p.Vel.Y
	state.Tick()
	assert.Greater(t, p.Vel.Y, launch)
}
