package server

import (
	"strings"

	"agentrelay/internal/domain"
	"agentrelay/internal/engine/autonomy"
)

// statusQuery prefers status over the older state parameter.
func statusQuery(status, state string) string {
	if s := strings.TrimSpace(status); s != "" {
		return s
	}
	return strings.TrimSpace(state)
}

// dialLevel resolves a SetDialRequest to a 1-5 level.
func dialLevel(req SetDialRequest) (int, error) {
	switch {
	case req.Level != nil && req.LegacyLevel != nil:
		return 0, domain.InvalidArgument("level and legacy_level are mutually exclusive")
	case req.Level != nil:
		if *req.Level < autonomy.MinLevel || *req.Level > autonomy.MaxLevel {
			return 0, domain.InvalidArgument("level must be between %d and %d, got %d", autonomy.MinLevel, autonomy.MaxLevel, *req.Level)
		}
		return *req.Level, nil
	case req.LegacyLevel != nil:
		lvl, ok := domain.LegacyDialLevel(*req.LegacyLevel)
		if !ok {
			return 0, domain.InvalidArgument("legacy_level must be between 1 and 11, got %d", *req.LegacyLevel)
		}
		return lvl, nil
	default:
		return 0, domain.InvalidArgument("level is required")
	}
}

// parseStatus accepts stored status names and the legacy aliases that map
// onto one.
func parseStatus(s string) (domain.Status, error) {
	f, ok := domain.ResolveStatusFilter(s)
	if !ok || f.Empty {
		return "", domain.InvalidArgument("unknown status %q", s)
	}
	return f.Status, nil
}
