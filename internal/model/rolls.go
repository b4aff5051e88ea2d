package model

// StatCheckResult is the outcome of one opposed roll. Ephemeral; persisted
// only inside an ActionLogEntry.
type StatCheckResult struct {
	Success       bool `json:"success"`
	AttackerStat  int  `json:"attacker_stat"`
	DefenderStat  int  `json:"defender_stat"`
	AttackerRoll  int  `json:"attacker_roll"`
	DefenderRoll  int  `json:"defender_roll"`
	AttackerTotal int  `json:"attacker_total"`
	DefenderTotal int  `json:"defender_total"`
	SurpriseBonus int  `json:"surprise_bonus"`
	Margin        int  `json:"margin"`
}

// AwarenessLevel is the tiered outcome of a perception check.
type AwarenessLevel string

const (
	AwarenessOblivious AwarenessLevel = "oblivious"
	AwarenessAlert     AwarenessLevel = "alert"
	AwarenessVigilant  AwarenessLevel = "vigilant"
	AwarenessHawkeye   AwarenessLevel = "hawkeye"
)

// Valid reports whether l is one of the four tiers.
func (l AwarenessLevel) Valid() bool {
	switch l {
	case AwarenessOblivious, AwarenessAlert, AwarenessVigilant, AwarenessHawkeye:
		return true
	}
	return false
}

// PerceptionResult is the outcome for one observer against one act.
type PerceptionResult struct {
	AwarenessLevel     AwarenessLevel `json:"awareness_level"`
	Detected           bool           `json:"detected"`
	Message            string         `json:"message"`
	PerceptionScore    int            `json:"perception_score"`
	DetectionThreshold int            `json:"detection_threshold"`
}
