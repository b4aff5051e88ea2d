// Package model defines the core domain types for kehai.
//
// Types correspond to database tables, collaborator payloads, and the JSON
// shapes of the HTTP API. Types use strong typing (UUIDs, time.Time, enums)
// and keep opaque data (action effects) as plain maps.
package model

import "fmt"

// Zone is an ordered distance band between two characters.
type Zone string

const (
	ZoneAdjacent Zone = "adjacent"
	ZoneClose    Zone = "close"
	ZoneMid      Zone = "mid"
	ZoneFar      Zone = "far"

	// ZoneAny is only meaningful as an action's required range.
	ZoneAny Zone = "any"
)

// zoneOrder is the total order adjacent < close < mid < far.
var zoneOrder = map[Zone]int{
	ZoneAdjacent: 0,
	ZoneClose:    1,
	ZoneMid:      2,
	ZoneFar:      3,
}

// Index returns the ordinal of the zone (adjacent=0 … far=3), or -1 for
// ZoneAny and unknown values.
func (z Zone) Index() int {
	if i, ok := zoneOrder[z]; ok {
		return i
	}
	return -1
}

// Within reports whether z is at or closer than limit.
// Every zone is within ZoneAny.
func (z Zone) Within(limit Zone) bool {
	if limit == ZoneAny {
		return true
	}
	zi, li := z.Index(), limit.Index()
	if zi < 0 || li < 0 {
		return false
	}
	return zi <= li
}

// ParseZone validates a zone name. ZoneAny is accepted.
func ParseZone(s string) (Zone, error) {
	z := Zone(s)
	if z == ZoneAny || z.Index() >= 0 {
		return z, nil
	}
	return "", fmt.Errorf("invalid zone %q", s)
}

// WitnessZones are the bands in which a bystander can perceive an act.
var WitnessZones = []Zone{ZoneAdjacent, ZoneClose, ZoneMid}

// IsWitnessZone reports whether a character in zone z can witness an act.
func IsWitnessZone(z Zone) bool {
	return z.Within(ZoneMid)
}
