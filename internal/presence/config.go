package presence

import (
	"fmt"
	"time"
)

// Config holds the channel thresholds.
type Config struct {
	VisibilityWarning time.Duration `yaml:"visibility_warning"`
	VisibilityForfeit time.Duration `yaml:"visibility_forfeit"`

	IdleWarning time.Duration `yaml:"idle_warning"`
	IdleForfeit time.Duration `yaml:"idle_forfeit"`
	IdlePoll    time.Duration `yaml:"idle_poll"`

	CheckpointMin          time.Duration `yaml:"checkpoint_min"`
	CheckpointMax          time.Duration `yaml:"checkpoint_max"`
	CheckpointTimeout      time.Duration `yaml:"checkpoint_timeout"`
	CheckpointMinRemaining time.Duration `yaml:"checkpoint_min_remaining"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		VisibilityWarning:      20 * time.Second,
		VisibilityForfeit:      30 * time.Second,
		IdleWarning:            60 * time.Second,
		IdleForfeit:            120 * time.Second,
		IdlePoll:               time.Second,
		CheckpointMin:          180 * time.Second,
		CheckpointMax:          420 * time.Second,
		CheckpointTimeout:      30 * time.Second,
		CheckpointMinRemaining: 60 * time.Second,
	}
}

// Validate checks the thresholds are usable.
func (c Config) Validate() error {
	switch {
	case c.VisibilityWarning <= 0 || c.VisibilityForfeit <= c.VisibilityWarning:
		return fmt.Errorf("visibility thresholds: need 0 < warning < forfeit, got %s/%s", c.VisibilityWarning, c.VisibilityForfeit)
	case c.IdleWarning <= 0 || c.IdleForfeit <= c.IdleWarning:
		return fmt.Errorf("idle thresholds: need 0 < warning < forfeit, got %s/%s", c.IdleWarning, c.IdleForfeit)
	case c.IdlePoll <= 0:
		return fmt.Errorf("idle poll must be positive, got %s", c.IdlePoll)
	case c.CheckpointMin <= 0 || c.CheckpointMax < c.CheckpointMin:
		return fmt.Errorf("checkpoint interval: need 0 < min <= max, got %s/%s", c.CheckpointMin, c.CheckpointMax)
	case c.CheckpointTimeout <= 0:
		return fmt.Errorf("checkpoint timeout must be positive, got %s", c.CheckpointTimeout)
	case c.CheckpointMinRemaining < 0:
		return fmt.Errorf("checkpoint min remaining cannot be negative, got %s", c.CheckpointMinRemaining)
	}
	return nil
}
