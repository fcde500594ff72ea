// Package risk owns the per-symbol position state machine: it converts fused
// signals into bounded order intents and tracks stop-loss/take-profit state
// for the single open position.
package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"quantbot-go/internal/signal"
	"quantbot-go/internal/strategy"
)

// State enumerates the two states of the per-symbol machine.
type State string

const (
	StateFlat State = "FLAT"
	StateLong State = "LONG"
)

// ExitReason records why a position was closed. Every LONG -> FLAT
// transition carries one.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitSignal       ExitReason = "SIGNAL"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
)

// InvalidStateTransitionError reports a programming-contract violation:
// opening while LONG or closing while FLAT. It is never swallowed.
type InvalidStateTransitionError struct {
	From State
	Op   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s while %s", e.Op, e.From)
}

// Position is the single open long position, owned exclusively by Manager.
type Position struct {
	EntryPrice   float64   `json:"entry_price"`
	Size         float64   `json:"size"` // fraction of portfolio
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	HighWater    float64   `json:"high_water"`
	TrailingStop float64   `json:"trailing_stop,omitempty"` // 0 until activated
	OpenedAt     time.Time `json:"opened_at"`
}

// ClosedPosition is the exit record produced by every LONG -> FLAT transition.
type ClosedPosition struct {
	Position
	ExitPrice float64    `json:"exit_price"`
	ExitAt    time.Time  `json:"exit_at"`
	Reason    ExitReason `json:"reason"`
}

// Action names what an intent asks the execution layer to do.
type Action string

const (
	ActionEnter Action = "ENTER"
	ActionExit  Action = "EXIT"
)

// Intent is a sized order request derived from a signal or a risk level hit.
type Intent struct {
	Action Action
	Size   float64    // fraction of portfolio, entries only
	Reason ExitReason // exits only
}

// Manager runs the FLAT/LONG state machine for one symbol. It is mutated
// only by the cycle that owns it; there is no internal locking by design of
// the single-cycle execution model.
type Manager struct {
	log      zerolog.Logger
	position *Position
}

// NewManager starts FLAT.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// State reports FLAT or LONG.
func (m *Manager) State() State {
	if m.position == nil {
		return StateFlat
	}
	return StateLong
}

// Position returns a copy of the open position, if any.
func (m *Manager) Position() (Position, bool) {
	if m.position == nil {
		return Position{}, false
	}
	return *m.position, true
}

// EvaluateSignal routes a fused signal through the allowed transitions and
// returns the resulting order intent, or nil when no action is warranted.
// A BUY while LONG is ignored: no re-entry or averaging.
func (m *Manager) EvaluateSignal(p strategy.Params, sig signal.Signal) *Intent {
	switch sig.Direction {
	case signal.Buy:
		if m.position != nil {
			m.log.Debug().Float64("confidence", sig.Confidence).Msg("ignoring BUY while LONG")
			return nil
		}
		if sig.Confidence < p.EntryConfidenceMin {
			return nil
		}
		size := p.BaseSize * sig.Confidence
		if size > p.MaxPositionSize {
			size = p.MaxPositionSize
		}
		return &Intent{Action: ActionEnter, Size: size}
	case signal.Sell:
		if m.position == nil || sig.Confidence < p.ExitConfidenceMin {
			return nil
		}
		return &Intent{Action: ActionExit, Reason: ExitSignal}
	default:
		return nil
	}
}

// CheckExit tests the open position's risk levels against the current price,
// ratcheting the trailing stop when enabled. Returns an exit intent when a
// level is hit, nil otherwise (including while FLAT).
func (m *Manager) CheckExit(p strategy.Params, price float64) *Intent {
	pos := m.position
	if pos == nil {
		return nil
	}
	if price > pos.HighWater {
		pos.HighWater = price
	}
	if p.TrailingStopEnabled && pos.HighWater >= pos.EntryPrice*(1+p.TrailingActivationPct) {
		if candidate := pos.HighWater * (1 - p.TrailingStopPct); candidate > pos.TrailingStop {
			pos.TrailingStop = candidate
		}
	}

	switch {
	case price <= pos.StopLoss:
		return &Intent{Action: ActionExit, Reason: ExitStopLoss}
	case price >= pos.TakeProfit:
		return &Intent{Action: ActionExit, Reason: ExitTakeProfit}
	case pos.TrailingStop > 0 && price <= pos.TrailingStop:
		return &Intent{Action: ActionExit, Reason: ExitTrailingStop}
	default:
		return nil
	}
}

// Open records the FLAT -> LONG transition after a confirmed entry fill.
func (m *Manager) Open(p strategy.Params, price, size float64, ts time.Time) (Position, error) {
	if m.position != nil {
		return Position{}, &InvalidStateTransitionError{From: StateLong, Op: "open"}
	}
	if price <= 0 || size <= 0 {
		return Position{}, fmt.Errorf("invalid entry price %.4f / size %.4f", price, size)
	}
	pos := &Position{
		EntryPrice: price,
		Size:       size,
		StopLoss:   price * (1 - p.StopLossPct),
		TakeProfit: price * (1 + p.TakeProfitPct),
		HighWater:  price,
		OpenedAt:   ts,
	}
	m.position = pos
	m.log.Info().
		Float64("entry", price).
		Float64("size", size).
		Float64("stop_loss", pos.StopLoss).
		Float64("take_profit", pos.TakeProfit).
		Msg("position opened")
	return *pos, nil
}

// Close records the LONG -> FLAT transition after a confirmed exit fill.
// The exit reason is mandatory.
func (m *Manager) Close(price float64, ts time.Time, reason ExitReason) (ClosedPosition, error) {
	if m.position == nil {
		return ClosedPosition{}, &InvalidStateTransitionError{From: StateFlat, Op: "close"}
	}
	if reason == "" {
		return ClosedPosition{}, fmt.Errorf("exit reason is required")
	}
	closed := ClosedPosition{
		Position:  *m.position,
		ExitPrice: price,
		ExitAt:    ts,
		Reason:    reason,
	}
	m.position = nil
	m.log.Info().
		Float64("entry", closed.EntryPrice).
		Float64("exit", price).
		Str("reason", string(reason)).
		Msg("position closed")
	return closed, nil
}
