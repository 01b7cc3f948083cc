package services

// Tokenomics for the pay-per-question ladder. Everything here is pure and
// deterministic: the client previews costs and rewards with the same
// numbers the server settles with, so identical inputs must always yield
// identical outputs.

const (
	MaxLevel = 9 // difficulty tiers 0..9

	// MicroPerPoint converts accumulated points into ledger micro-units
	// at settlement (and only there).
	MicroPerPoint int64 = 10_000

	// PlatformFeePct is taken from gross earnings on every settlement,
	// identical for wrong-answer and voluntary-stop paths.
	PlatformFeePct int64 = 5

	// Milestone bonuses (micro-units)
	MilestoneThreshold       = 7
	MilestoneBonus     int64 = 1_000_000
	FullRunBonus       int64 = 5_000_000
)

// questionCostMicro: cost to unlock the question at each level.
var questionCostMicro = [10]int64{
	100_000, 200_000, 400_000, 700_000, 1_100_000,
	1_600_000, 2_200_000, 2_900_000, 3_700_000, 4_600_000,
}

// baseQuestionPoints: reward base for a correct answer at each level.
var baseQuestionPoints = [10]int64{
	10, 20, 40, 70, 110, 160, 220, 290, 370, 460,
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// CostMicro returns the unlock cost for a level (clamped to 0..9).
func CostMicro(level int) int64 {
	return questionCostMicro[clampLevel(level)]
}

// BasePoints returns the base reward points for a level (clamped to 0..9).
func BasePoints(level int) int64 {
	return baseQuestionPoints[clampLevel(level)]
}

// AllowedSeconds returns the solve window for a question at the given level.
func AllowedSeconds(level int) int {
	return 30
}

// TimeMultiplier rewards fast answers in three buckets of the allowed
// window: ≤60% → 1.5×, ≤90% → 1.2×, else 1.0×.
func TimeMultiplier(solveTimeSec, allowedSec float64) float64 {
	if allowedSec <= 0 {
		return 1.0
	}
	ratio := solveTimeSec / allowedSec
	switch {
	case ratio <= 0.6:
		return 1.5
	case ratio <= 0.9:
		return 1.2
	default:
		return 1.0
	}
}

// PointsEarned returns the points for a CORRECT answer at level, given the
// server-measured solve time.
func PointsEarned(level int, solveTimeSec, allowedSec float64) int64 {
	return int64(float64(BasePoints(level)) * TimeMultiplier(solveTimeSec, allowedSec))
}

// GrossMicro converts accumulated points to micro-units.
func GrossMicro(points int64) int64 {
	return points * MicroPerPoint
}

// NetMicro applies the platform fee to gross earnings.
func NetMicro(grossMicro int64) int64 {
	return grossMicro - grossMicro*PlatformFeePct/100
}

// ProfitMicro is what actually lands on (or leaves) the ledger: net
// earnings minus everything spent unlocking questions. Negative for a run
// that died early.
func ProfitMicro(netMicro, spentMicro int64) int64 {
	return netMicro - spentMicro
}

// MilestoneBonusMicro pays out for deep runs ended by a voluntary stop:
// nothing below 7 completed levels, a fixed bonus from 7, a bigger one for
// clearing all 10.
func MilestoneBonusMicro(completedLevels int) int64 {
	switch {
	case completedLevels >= MaxLevel+1:
		return FullRunBonus
	case completedLevels >= MilestoneThreshold:
		return MilestoneBonus
	default:
		return 0
	}
}
