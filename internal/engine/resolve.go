package engine

import "github.com/strideapp/habitsync/internal/habit"

// ResolveStreak deterministically picks between a locally cached streak and
// an incoming remote version of the same streak.
//
// The rule is "most progress is true", not last-write-wins:
//
//  1. The side with the later LastCompletionDate wins.
//  2. On equal dates, the side with the higher CurrentStreak wins.
//  3. A side with no completion date loses to one that has a date.
//
// Naive last-write-wins would let a stale offline client silently erase a
// newer streak recorded on another device. Ties after both rules keep the
// remote side, so repeated resolution is stable.
//
// Completions and milestones never go through this: they are append-only and
// use a plain remote-overwrites-local merge.
func ResolveStreak(local, remote habit.Streak) habit.Streak {
	switch {
	case !local.HasCompletion() && !remote.HasCompletion():
		return remote
	case !local.HasCompletion():
		return remote
	case !remote.HasCompletion():
		return local
	}

	if local.LastCompletionDate.After(remote.LastCompletionDate) {
		return local
	}
	if remote.LastCompletionDate.After(local.LastCompletionDate) {
		return remote
	}

	if local.CurrentStreak > remote.CurrentStreak {
		return local
	}
	return remote
}
