package rules

import "github.com/ashita-ai/kehai/internal/model"

// BystanderPenalty is added to the detection difficulty for observers the
// act was not directed at.
const BystanderPenalty = 2

// Tier floors relative to difficulty.
const (
	hawkeyeMargin = 10
	vigilantBase  = 7
	alertFloor    = 4
)

var awarenessMessages = map[model.AwarenessLevel]string{
	model.AwarenessOblivious: "You notice nothing unusual.",
	model.AwarenessAlert:     "Something feels off nearby.",
	model.AwarenessVigilant:  "You catch movement you were not meant to see.",
	model.AwarenessHawkeye:   "You see exactly what just happened.",
}

// PassivePerception is wisdom + agility/2 + level/2, each floored.
// Missing stats count as zero; present stats are clamped.
func PassivePerception(stats model.Stats, level int) int {
	return stats.Get(model.StatWisdom, 0) + stats.Get(model.StatAgility, 0)/2 + max(level, 0)/2
}

// ResolvePerception rolls one observer's perception against an act of the
// given difficulty. Two dice are drawn: the observer's roll, then the
// threshold roll.
func ResolvePerception(r Roller, stats model.Stats, level, difficulty, envModifier int) model.PerceptionResult {
	difficulty = max(difficulty, 0)

	roll := d10(r)
	score := roll + PassivePerception(stats, level) + envModifier
	threshold := difficulty + d10(r)

	tier := awarenessFor(score, difficulty)
	return model.PerceptionResult{
		AwarenessLevel:     tier,
		Detected:           tier != model.AwarenessOblivious,
		Message:            awarenessMessages[tier],
		PerceptionScore:    score,
		DetectionThreshold: threshold,
	}
}

// awarenessFor selects the highest tier the score reaches.
func awarenessFor(score, difficulty int) model.AwarenessLevel {
	switch {
	case score >= difficulty+hawkeyeMargin:
		return model.AwarenessHawkeye
	case score >= difficulty/2+vigilantBase:
		return model.AwarenessVigilant
	case score >= alertFloor:
		return model.AwarenessAlert
	default:
		return model.AwarenessOblivious
	}
}

// TierFloors returns the minimum score for alert, vigilant and hawkeye at
// the given difficulty.
func TierFloors(difficulty int) (alert, vigilant, hawkeye int) {
	difficulty = max(difficulty, 0)
	return alertFloor, difficulty/2 + vigilantBase, difficulty + hawkeyeMargin
}
