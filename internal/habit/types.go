// Package habit defines the domain types shared by the sync engine and its
// local cache: habit completions, streak aggregates, and milestones.
//
// These types are local mirrors of documents held by the remote store. The
// mirror is never the source of truth; it exists so reads can succeed offline
// and so optimistic writes are visible before server confirmation.
package habit

import "time"

// Completion records a single qualifying completion of a habit on a given day.
//
// Completions are append-only: once created they are never edited, which is
// why sync conflict handling for completions is a simple remote-overwrites-
// local merge.
type Completion struct {
	// ID is the document id assigned by the client (stable across retries).
	ID string `json:"id"`

	// HabitID identifies the habit this completion belongs to.
	HabitID string `json:"habit_id"`

	// UserID is the owner of the completion.
	UserID string `json:"user_id"`

	// Date is the calendar day the completion counts toward (day precision).
	Date time.Time `json:"date"`

	// CompletedAt is the wall-clock time the user recorded the completion.
	CompletedAt time.Time `json:"completed_at"`

	// Note is an optional free-form annotation.
	Note string `json:"note,omitempty"`
}

// Milestone marks a streak length the user has reached (7 days, 30 days, ...).
type Milestone struct {
	Days       int       `json:"days"`
	AchievedAt time.Time `json:"achieved_at"`
}

// Streak is the local shadow of the remote streak aggregate for one habit.
type Streak struct {
	HabitID string `json:"habit_id"`
	UserID  string `json:"user_id"`

	// CurrentStreak is the count of consecutive qualifying days.
	CurrentStreak int `json:"current_streak"`

	// BestStreak is the longest streak ever recorded for this habit.
	BestStreak int `json:"best_streak"`

	// LastCompletionDate is the most recent day a completion was recorded.
	// The zero value means no completion has ever been recorded.
	LastCompletionDate time.Time `json:"last_completion_date"`

	// StreakStartDate is the first day of the current streak.
	StreakStartDate time.Time `json:"streak_start_date"`

	// FreezesAvailable is the number of streak-freeze credits remaining.
	FreezesAvailable int `json:"freezes_available"`

	// FreezesUsed counts freezes consumed over the streak's lifetime.
	FreezesUsed int `json:"freezes_used"`

	Milestones []Milestone `json:"milestones,omitempty"`
}

// HasCompletion reports whether the streak has ever recorded a completion.
func (s Streak) HasCompletion() bool {
	return !s.LastCompletionDate.IsZero()
}

// StreakKey returns the cache key for a habit's streak entry.
func StreakKey(habitID, userID string) string {
	return "streak:" + userID + ":" + habitID
}

// CompletionKey returns the cache key for a completion entry.
func CompletionKey(completionID string) string {
	return "completion:" + completionID
}
