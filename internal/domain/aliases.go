package domain

import "strings"

// StatusFilter is a status query resolved from either a stored status name or
// one of the legacy aliases older clients send.
type StatusFilter struct {
	Status Status
	// Empty is set for aliases without a stored equivalent; such a filter
	// matches nothing.
	Empty bool
}

var statusAliases = map[string]Status{
	"created":   StatusPending,
	"initiated": StatusPending,
	"accepted":  StatusActive,
	"rejected":  StatusFailed,
	"abandoned": StatusFailed,
}

// ResolveStatusFilter translates a status query term into the stored
// vocabulary. The boolean is false for terms that are neither a status nor an
// alias.
func ResolveStatusFilter(term string) (StatusFilter, bool) {
	term = strings.ToLower(strings.TrimSpace(term))
	for _, s := range Statuses {
		if string(s) == term {
			return StatusFilter{Status: s}, true
		}
	}
	if s, ok := statusAliases[term]; ok {
		return StatusFilter{Status: s}, true
	}
	if term == "overdue" {
		return StatusFilter{Empty: true}, true
	}
	return StatusFilter{}, false
}

// LegacyDialLevel maps the old 1-11 dial scale onto the 1-5 levels.
func LegacyDialLevel(legacy int) (int, bool) {
	switch {
	case legacy < 1 || legacy > 11:
		return 0, false
	case legacy <= 2:
		return 1, true
	case legacy <= 4:
		return 2, true
	case legacy <= 6:
		return 3, true
	case legacy <= 8:
		return 4, true
	default:
		return 5, true
	}
}
