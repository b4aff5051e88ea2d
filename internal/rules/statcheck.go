package rules

import "github.com/ashita-ai/kehai/internal/model"

// SurpriseBonus is added to the attacker's total when the action was prepared.
const SurpriseBonus = 3

// Default stat values used when a check has nothing better to read.
const (
	DefaultAttackerStat = 5
	DefaultDefenderStat = 3
)

// RollStatCheck resolves an opposed check. The attacker rolls first, then
// the defender. Ties go to the attacker.
func RollStatCheck(r Roller, attackerStat, defenderStat int, isSurprise bool) model.StatCheckResult {
	attackerRoll := d10(r)
	defenderRoll := d10(r)

	bonus := 0
	if isSurprise {
		bonus = SurpriseBonus
	}
	attackerTotal := attackerRoll + attackerStat + bonus
	defenderTotal := defenderRoll + defenderStat

	return model.StatCheckResult{
		Success:       attackerTotal >= defenderTotal,
		AttackerStat:  attackerStat,
		DefenderStat:  defenderStat,
		AttackerRoll:  attackerRoll,
		DefenderRoll:  defenderRoll,
		AttackerTotal: attackerTotal,
		DefenderTotal: defenderTotal,
		SurpriseBonus: bonus,
		Margin:        attackerTotal - defenderTotal,
	}
}

// ContestStats picks the attacker and defender stat values for an action.
// With no required stat both sides use the defaults. Otherwise the attacker
// uses its clamped stat and the defender the same stat, defaulting when absent.
func ContestStats(action model.PhysicalAction, attacker, defender model.Stats) (int, int) {
	if action.RequiredStat == "" {
		return DefaultAttackerStat, DefaultDefenderStat
	}
	return attacker.Get(action.RequiredStat, DefaultAttackerStat),
		defender.Get(action.RequiredStat, DefaultDefenderStat)
}
