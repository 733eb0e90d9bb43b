package pause

import "time"

// State is the throttling state for one upstream key.
type State struct {
	Key          string    `json:"key"`
	PausedUntil  time.Time `json:"paused_until"`
	Strikes      int       `json:"strikes"`
	LastStrikeAt time.Time `json:"last_strike_at"`
}

// IsPaused reports whether calls for the key must wait at now.
func (s State) IsPaused(now time.Time) bool {
	return now.Before(s.PausedUntil)
}

// Remaining returns how long the pause still lasts, zero if not paused.
func (s State) Remaining(now time.Time) time.Duration {
	if !s.IsPaused(now) {
		return 0
	}
	return s.PausedUntil.Sub(now)
}

// strikesExpired reports whether the last strike is older than the reset window.
func (s State) strikesExpired(now time.Time, resetWindow time.Duration) bool {
	return !s.LastStrikeAt.IsZero() && now.Sub(s.LastStrikeAt) > resetWindow
}
