// Package engine implements the integrity state machine shared by the
// client runtime and the server ledger. The transition function is pure and
// deterministic: both sides run the identical code, but only the server's
// replay of the full violation log is authoritative.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/skillscreen/proctoring-service/internal/models"
)

const (
	// MaxScore is the starting integrity score.
	MaxScore = 100

	// MaxStrikes is the disciplinary ceiling; reaching it terminates the
	// attempt.
	MaxStrikes = 3

	// AutoSubmitReason is recorded on the session when the strike ceiling
	// is crossed.
	AutoSubmitReason = "Three integrity violations detected"
)

// ErrUnknownViolationType is returned for types outside the penalty table.
// Unknown types fail loudly instead of receiving a default penalty, so the
// table stays authoritative.
var ErrUnknownViolationType = errors.New("unknown violation type")

var penalties = map[models.ViolationType]int{
	models.ViolationMultipleFaces:     15,
	models.ViolationPhoneDetected:     20,
	models.ViolationTabSwitch:         10,
	models.ViolationCopyPaste:         15,
	models.ViolationScreenshotAttempt: 10,
	models.ViolationLookingAway:       5,
	models.ViolationRightClick:        5,
	models.ViolationMouseLeave:        5,
}

var strikeWorthy = map[models.ViolationType]bool{
	models.ViolationMultipleFaces:     true,
	models.ViolationPhoneDetected:     true,
	models.ViolationTabSwitch:         true,
	models.ViolationCopyPaste:         true,
	models.ViolationScreenshotAttempt: true,
}

// Penalty returns the fixed point deduction for the given violation type.
func Penalty(t models.ViolationType) (int, error) {
	p, ok := penalties[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownViolationType, t)
	}
	return p, nil
}

// IsStrikeWorthy reports whether the violation type counts toward the
// three-strike limit.
func IsStrikeWorthy(t models.ViolationType) bool {
	return strikeWorthy[t]
}

// State is the integrity state of one session.
type State struct {
	Score         int  `json:"score"`
	Strikes       int  `json:"strikes"`
	AutoSubmitted bool `json:"auto_submitted"`
}

// NewState returns the initial state for a fresh session.
func NewState() State {
	return State{Score: MaxScore}
}

// Effect describes what a single transition asks of its caller.
type Effect struct {
	// Penalty points actually charged for this violation.
	Penalty int

	// Strike is true when the violation counted toward the limit.
	Strike bool

	// Warn is true when the UI should surface a warning dialog.
	Warn bool

	// Terminal is true when this transition is at or past the strike
	// ceiling; the warning for it is non-dismissible.
	Terminal bool

	// AutoSubmit is true exactly once per session: on the transition that
	// first reaches the strike ceiling.
	AutoSubmit bool
}

// Apply is the transition function. It never mutates its input; violations
// past the terminal state still charge the score floor-clamped penalty and
// keep logging, but have no further protocol effect.
func Apply(s State, t models.ViolationType) (State, Effect, error) {
	penalty, err := Penalty(t)
	if err != nil {
		return s, Effect{}, err
	}

	next := s
	next.Score = s.Score - penalty
	if next.Score < 0 {
		next.Score = 0
	}

	eff := Effect{Penalty: penalty}
	if IsStrikeWorthy(t) {
		eff.Strike = true
		eff.Warn = true
		if next.Strikes < MaxStrikes {
			next.Strikes++
		}
	}

	if next.Strikes >= MaxStrikes {
		eff.Terminal = true
		if !s.AutoSubmitted {
			next.AutoSubmitted = true
			eff.AutoSubmit = true
		}
	}

	return next, eff, nil
}

// Replay recomputes the state from a full, chronologically ordered violation
// log. Only the violation types are trusted; penalties and any
// client-reported score are rederived. Unknown types in a persisted log are
// skipped rather than failed: rejecting writes is the validator's job, and a
// replay must always produce a usable state for whatever the ledger holds.
func Replay(types []models.ViolationType) State {
	s := NewState()
	for _, t := range types {
		next, _, err := Apply(s, t)
		if err != nil {
			continue
		}
		s = next
	}
	return s
}

// Engine is the serialized, client-side mirror of the state machine. Its
// transitions are atomic per violation; concurrent producers (detection tick
// and signal listeners) may call Apply from different goroutines.
type Engine struct {
	mu    sync.Mutex
	state State
}

func New() *Engine {
	return &Engine{state: NewState()}
}

// Apply runs one transition atomically and returns the post-transition state
// alongside the effect.
func (e *Engine) Apply(t models.ViolationType) (State, Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, eff, err := Apply(e.state, t)
	if err != nil {
		return e.state, Effect{}, err
	}
	e.state = next
	return next, eff, nil
}

// Reconcile folds server-confirmed values into the local mirror. The server
// is authoritative for any consequential decision, so the mirror only moves
// toward it: score never rises above the local value, strikes never drop,
// and auto-submission is never cleared.
func (e *Engine) Reconcile(score, strikes int, autoSubmitted bool) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if score < e.state.Score {
		e.state.Score = score
	}
	if strikes > e.state.Strikes {
		e.state.Strikes = strikes
	}
	if autoSubmitted {
		e.state.AutoSubmitted = true
	}
	return e.state
}

// State returns a copy of the current mirror state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
