// Package leveling maps between cumulative XP and progression levels.
// The curve is linear in per-level cost: reaching the next level costs
// 40 XP at level 1 and grows by 15 XP per level.
package leveling

import "math"

// ErrInvalidLevel is returned when a formula is asked about a level below 1.
type ErrInvalidLevel struct {
	Level int
}

func (e ErrInvalidLevel) Error() string {
	return "leveling: level must be >= 1"
}

const (
	baseCost   = 40
	costGrowth = 15
)

// XPDelta returns the XP required to go from level to level+1.
func XPDelta(level int) (int, error) {
	if level < 1 {
		return 0, ErrInvalidLevel{Level: level}
	}
	return baseCost + costGrowth*(level-1), nil
}

// TotalXP returns the cumulative XP needed to reach level; TotalXP(1) is 0.
// Closed form of the sum of XPDelta over 1..level-1. The numerator
// (level-1)*(15*level+50) is always even, so the division is exact.
func TotalXP(level int) (int, error) {
	if level < 1 {
		return 0, ErrInvalidLevel{Level: level}
	}
	return (level - 1) * (costGrowth*level + 50) / 2, nil
}

// CalculateLevel returns the unique level L >= 1 with
// TotalXP(L) <= xp < TotalXP(L+1). Negative xp floors to level 1; the
// function is total so callers never handle an error on reads.
func CalculateLevel(xp int) int {
	if xp <= 0 {
		return 1
	}
	// Root of 15L^2 + 35L - 50 - 2xp = 0, then integer fix-up against
	// TotalXP to absorb float rounding at the boundaries.
	level := int(math.Floor((-35 + math.Sqrt(4225+120*float64(xp))) / 30))
	if level < 1 {
		level = 1
	}
	for {
		next, _ := TotalXP(level + 1)
		if xp < next {
			break
		}
		level++
	}
	for level > 1 {
		cur, _ := TotalXP(level)
		if cur <= xp {
			break
		}
		level--
	}
	return level
}

// XPToNextLevel returns how much XP is missing to reach the next level,
// clamped to >= 0.
func XPToNextLevel(xp int) int {
	next, _ := TotalXP(CalculateLevel(xp) + 1)
	if remaining := next - xp; remaining > 0 {
		return remaining
	}
	return 0
}

// LevelProgress returns the fraction in [0,1] of progress through the
// current level's XP range.
func LevelProgress(xp int) float64 {
	level := CalculateLevel(xp)
	floor, _ := TotalXP(level)
	delta, _ := XPDelta(level)
	if xp <= floor {
		return 0
	}
	progress := float64(xp-floor) / float64(delta)
	if progress > 1 {
		return 1
	}
	return progress
}
