package game

import (
	"context"
	"sync"
	"time"

	"github.com/inkclash/inkclash/pkg/utils"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

type Options struct {
	GridWidth    int
	GridHeight   int
	TickInterval time.Duration
	MatchSeconds int
}

func DefaultOptions() Options {
	return Options{
		GridWidth:    64,
		GridHeight:   48,
		TickInterval: 33 * time.Millisecond,
		MatchSeconds: 180,
	}
}

type CannonView struct {
	Team   Team
	X      float64
	Y      float64
	Angle  float64
	Firing bool
	Ink    float64
	Weapon WeaponKind
}

type ProjectileView struct {
	Team   Team
	Weapon WeaponKind
	X      float64
	Y      float64
}

// Snapshot is the full room state broadcast to clients after a tick.
type Snapshot struct {
	Tick        int
	TimeLeft    int
	Width       int
	Height      int
	Cells       []byte
	Cannons     [2]CannonView
	Projectiles []ProjectileView
	Scores      Scores
}

type Result struct {
	Winner Team
	Draw   bool
	Scores Scores
}

// Engine owns a room's simulation once the match is playing. It runs
// the fixed-rate tick and the 1Hz match clock in a single goroutine so
// cancelling the session always stops both together.
type Engine struct {
	roomCode string
	options  Options

	mutex   deadlock.Mutex
	state   *State
	session utils.Session
	updates *utils.Topic[*Snapshot]

	stopOnce  sync.Once
	onDone    func(Result)
	lastFrame uint64
}

func NewEngine(ctx context.Context, roomCode string, options Options, onDone func(Result)) *Engine {
	return &Engine{
		roomCode: roomCode,
		options:  options,
		state:    NewState(options.GridWidth, options.GridHeight, options.MatchSeconds),
		session:  utils.NewSession(ctx),
		updates:  utils.NewTopic[*Snapshot](),
		onDone:   onDone,
	}
}

func (e *Engine) Logger() zerolog.Logger {
	return log.With().Str("room", e.roomCode).Logger()
}

func (e *Engine) Updates() *utils.Topic[*Snapshot] {
	return e.updates
}

func (e *Engine) SetInput(team Team, angle float64, firing bool) {
	e.mutex.Lock()
	e.state.SetInput(team, angle, firing)
	e.mutex.Unlock()
}

func (e *Engine) SelectWeapon(team Team, weapon WeaponKind) {
	e.mutex.Lock()
	e.state.SelectWeapon(team, weapon)
	e.mutex.Unlock()
}

// Stop halts the simulation without producing a result, e.g. when a
// room is cancelled. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.session.Cancel()
	})
}

func (e *Engine) Run() {
	go e.poll()
}

func (e *Engine) poll() {
	logger := e.Logger()
	logger.Info().Msg("simulation started")

	tick := time.NewTicker(e.options.TickInterval)
	clock := time.NewTicker(1 * time.Second)
	defer tick.Stop()
	defer clock.Stop()

	ctx := e.session.Ctx()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			e.step()
		case <-clock.C:
			if e.countdown() {
				e.finish()
				return
			}
		}
	}
}

func (e *Engine) step() {
	e.mutex.Lock()
	e.state.Tick()

	// The simulation still has to advance with nobody attached, but
	// snapshotting and hashing can wait until someone is listening.
	if e.updates.NumSubscribers() == 0 {
		e.mutex.Unlock()
		return
	}

	snapshot := e.snapshot()
	e.mutex.Unlock()

	// Skip rebroadcasting a frame identical to the previous one.
	hash := frameHash(snapshot)
	if hash == e.lastFrame {
		return
	}
	e.lastFrame = hash

	e.updates.Publish(snapshot)
}

func (e *Engine) countdown() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.state.TimeLeft > 0 {
		e.state.TimeLeft--
	}
	return e.state.TimeLeft == 0
}

func (e *Engine) finish() {
	e.stopOnce.Do(func() {
		e.session.Cancel()
	})

	e.mutex.Lock()
	winner, draw := e.state.Winner()
	result := Result{
		Winner: winner,
		Draw:   draw,
		Scores: e.state.Scores,
	}
	e.mutex.Unlock()

	logger := e.Logger()
	logger.Info().
		Int("blue", result.Scores.Blue).
		Int("red", result.Scores.Red).
		Bool("draw", result.Draw).
		Msg("match ended")

	if e.onDone != nil {
		e.onDone(result)
	}
}

// Snapshot returns the current state outside the tick loop, used when a
// client reconnects mid-match.
func (e *Engine) Snapshot() *Snapshot {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.snapshot()
}

func (e *Engine) snapshot() *Snapshot {
	state := e.state

	cells := make([]byte, len(state.Grid.Cells))
	for i, cell := range state.Grid.Cells {
		cells[i] = byte(cell)
	}

	var cannons [2]CannonView
	for i, cannon := range state.Cannons {
		cannons[i] = CannonView{
			Team:   cannon.Team,
			X:      cannon.Pos.X,
			Y:      cannon.Pos.Y,
			Angle:  cannon.Angle,
			Firing: cannon.Firing,
			Ink:    cannon.Ink,
			Weapon: cannon.Weapon,
		}
	}

	projectiles := make([]ProjectileView, 0, len(state.Projectiles))
	for _, p := range state.Projectiles {
		projectiles = append(projectiles, ProjectileView{
			Team:   p.Team,
			Weapon: p.Weapon,
			X:      p.Pos.X,
			Y:      p.Pos.Y,
		})
	}

	return &Snapshot{
		Tick:        state.TickCount,
		TimeLeft:    state.TimeLeft,
		Width:       state.Grid.Width,
		Height:      state.Grid.Height,
		Cells:       cells,
		Cannons:     cannons,
		Projectiles: projectiles,
		Scores:      state.Scores,
	}
}

func frameHash(snapshot *Snapshot) uint64 {
	// The tick counter changes every frame; hash everything else.
	copied := *snapshot
	copied.Tick = 0

	bytes, err := cbor.Marshal(&copied)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(bytes)
}
