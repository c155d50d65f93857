package session

import "time"

// DefaultFreeSessionsPerDay is the free-mode quota.
const DefaultFreeSessionsPerDay = 3

const dayLayout = "2006-01-02"

// Stats is the per-owner progress record.
type Stats struct {
	Owner          string `json:"owner" yaml:"owner"`
	Day            string `json:"day" yaml:"day"`
	FreeUsedToday  int    `json:"free_used_today" yaml:"free_used_today"`
	Streak         int    `json:"streak" yaml:"streak"`
	LastCompleted  string `json:"last_completed,omitempty" yaml:"last_completed,omitempty"`
	TotalCompleted int    `json:"total_completed" yaml:"total_completed"`
	TotalForfeited int    `json:"total_forfeited" yaml:"total_forfeited"`
	Score          int64  `json:"score" yaml:"score"`
}

// Day formats t as a stats day key (UTC).
func Day(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// Rollover resets the daily counters when now falls on a new day.
func (st *Stats) Rollover(now time.Time) {
	today := Day(now)
	if st.Day == today {
		return
	}
	st.Day = today
	st.FreeUsedToday = 0
}

// FreeRemaining returns how many free sessions are left today.
func (st *Stats) FreeRemaining(now time.Time, quota int) int {
	st.Rollover(now)
	left := quota - st.FreeUsedToday
	if left < 0 {
		return 0
	}
	return left
}

// UseFree consumes one free session or fails with INVALID_CONFIG.
func (st *Stats) UseFree(now time.Time, quota int) error {
	if st.FreeRemaining(now, quota) == 0 {
		return NewError(CodeInvalidConfig, "no free sessions left today (quota %d)", quota)
	}
	st.FreeUsedToday++
	return nil
}

// RecordOutcome folds a terminal session into the stats.
//
// The streak counts consecutive days with at least one completion; a
// completion on the day after LastCompleted extends it, anything later
// restarts it at 1.
func (st *Stats) RecordOutcome(s *Session, tokenUnit int64) {
	if s.Lifecycle == Forfeited {
		st.TotalForfeited++
		return
	}
	if s.Lifecycle != Completed || s.EndedAt == nil {
		return
	}
	day := Day(*s.EndedAt)
	switch st.LastCompleted {
	case day:
	case Day(s.EndedAt.UTC().AddDate(0, 0, -1)):
		st.Streak++
	default:
		st.Streak = 1
	}
	st.LastCompleted = day
	st.TotalCompleted++
	st.Score += Points(s.StakeAmount, tokenUnit)
}

// Points is the score for one completion: 10 plus twice the stake in
// tokens, rounded down. A 1.5 token stake earns 3.
func Points(stake, tokenUnit int64) int64 {
	if tokenUnit <= 0 {
		tokenUnit = 1
	}
	return 10 + 2*stake/tokenUnit
}
