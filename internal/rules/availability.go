package rules

import (
	"fmt"

	"github.com/ashita-ai/kehai/internal/model"
)

// ActorState is the already-loaded context the availability check reads.
type ActorState struct {
	// ZoneToTarget is the actor's zone relative to the target.
	ZoneToTarget model.Zone
	Inventory    []model.InventoryItem
	Stats        model.Stats
	// CooldownRemaining maps action id to turns left before reuse.
	CooldownRemaining map[string]int
}

// CheckAvailability decides whether the actor may perform action against the
// target described by state. Checks run in the order range, item, stat,
// cooldown and the first failure supplies the reason. Every flag is computed
// regardless so callers can show all unmet requirements.
func CheckAvailability(action model.PhysicalAction, state ActorState) model.ActionAvailability {
	av := model.ActionAvailability{
		RangeMet:    rangeMet(action.RequiredRange, state.ZoneToTarget),
		ItemMet:     itemMet(action.RequiredItem, state.Inventory),
		StatMet:     statMet(action, state.Stats),
		CooldownMet: state.CooldownRemaining[action.ID] <= 0,
	}

	switch {
	case !av.RangeMet:
		av.Reason = fmt.Sprintf("target out of range: requires %s, target is %s", action.RequiredRange, zoneLabel(state.ZoneToTarget))
	case !av.ItemMet:
		if action.RequiredItem == model.AnyItem {
			av.Reason = "requires an item in inventory"
		} else {
			av.Reason = "requires item: " + action.RequiredItem
		}
	case !av.StatMet:
		av.Reason = fmt.Sprintf("requires %s %d (have %d)", action.RequiredStat, action.RequiredStatValue, state.Stats.Get(action.RequiredStat, 0))
	case !av.CooldownMet:
		av.Reason = fmt.Sprintf("on cooldown for %d more turns", state.CooldownRemaining[action.ID])
	default:
		av.Available = true
	}
	return av
}

func rangeMet(required, actual model.Zone) bool {
	if required == model.ZoneAny || required == "" {
		return true
	}
	return actual.Within(required)
}

func itemMet(required string, inventory []model.InventoryItem) bool {
	if required == "" {
		return true
	}
	for _, item := range inventory {
		if required == model.AnyItem {
			if item.Quantity > 0 {
				return true
			}
			continue
		}
		if item.Matches(required) {
			return true
		}
	}
	return false
}

// statMet compares the clamped stat. A missing stat never satisfies a
// non-zero requirement.
func statMet(action model.PhysicalAction, stats model.Stats) bool {
	if action.RequiredStat == "" {
		return true
	}
	return stats.Get(action.RequiredStat, 0) >= action.RequiredStatValue
}

func zoneLabel(z model.Zone) string {
	if z == "" {
		return "unknown"
	}
	return string(z)
}
