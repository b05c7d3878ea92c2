// Package autonomy classifies agent actions into risk tiers and decides
// whether a repository's autonomy dial permits them.
package autonomy

import (
	"fmt"
	"sort"
	"strings"

	"agentrelay/internal/domain"
)

// Tier is the risk class of an action. TierUnclassified marks an action
// missing from the catalog; Resolve maps it onto the conservative default.
type Tier string

const (
	TierUnclassified Tier = ""
	T1               Tier = "T1"
	T2               Tier = "T2"
	T3               Tier = "T3"
	T4               Tier = "T4"
	T5               Tier = "T5"
)

// UnclassifiedDefault is the tier applied to actions outside the catalog.
const UnclassifiedDefault = T3

const (
	MinLevel = 1
	MaxLevel = 5
)

// Tiers lists the resolvable tiers in ascending risk. Tiers[n-1] requires
// dial level n.
var Tiers = []Tier{T1, T2, T3, T4, T5}

func (t Tier) String() string {
	if t == TierUnclassified {
		return "unclassified"
	}
	return string(t)
}

// Resolve returns the tier used for permission decisions.
func (t Tier) Resolve() Tier {
	if t == TierUnclassified {
		return UnclassifiedDefault
	}
	return t
}

// RequiredLevel is the minimum dial level the tier needs.
func (t Tier) RequiredLevel() int {
	r := t.Resolve()
	for i, tier := range Tiers {
		if tier == r {
			return i + 1
		}
	}
	return UnclassifiedDefault.RequiredLevel()
}

// ParseTier accepts "T3", "t3" or "3".
func ParseTier(s string) (Tier, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(name, "T") {
		name = "T" + name
	}
	for _, t := range Tiers {
		if string(t) == name {
			return t, nil
		}
	}
	return TierUnclassified, domain.InvalidArgument("unknown tier %q", s)
}

// TierInfo describes one tier.
type TierInfo struct {
	Tier          Tier   `json:"tier" enum:"T1,T2,T3,T4,T5"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	RequiredLevel int    `json:"required_level"`
}

var tierInfo = map[Tier]TierInfo{
	T1: {Tier: T1, Name: "Observe", Description: "Read-only access to code, issues, pull requests and logs", RequiredLevel: 1},
	T2: {Tier: T2, Name: "Suggest", Description: "Comments, labels and review requests that change no code", RequiredLevel: 2},
	T3: {Tier: T3, Name: "Modify", Description: "Branches, commits and pull requests that change code under review", RequiredLevel: 3},
	T4: {Tier: T4, Name: "Execute", Description: "Approvals, workflow runs and closing or deleting shared objects", RequiredLevel: 4},
	T5: {Tier: T5, Name: "Merge/Deploy", Description: "Merges, releases and deployments that reach users", RequiredLevel: 5},
}

// Details returns the description of the resolved tier.
func (t Tier) Details() TierInfo {
	return tierInfo[t.Resolve()]
}

var catalog = map[string]Tier{
	"read_file":           T1,
	"read_issue":          T1,
	"read_pull_request":   T1,
	"list_files":          T1,
	"list_branches":       T1,
	"search_code":         T1,
	"view_logs":           T1,
	"get_workflow_status": T1,
	"get_handoff":         T1,

	"comment_on_issue": T2,
	"comment_on_pr":    T2,
	"add_label":        T2,
	"remove_label":     T2,
	"request_review":   T2,
	"create_issue":     T2,
	"suggest_change":   T2,
	"create_handoff":   T2,

	"create_branch":       T3,
	"push_commit":         T3,
	"edit_file":           T3,
	"create_pull_request": T3,
	"update_pull_request": T3,
	"resolve_conflict":    T3,

	"approve_pull_request": T4,
	"trigger_workflow":     T4,
	"close_issue":          T4,
	"close_pull_request":   T4,
	"delete_branch":        T4,
	"modify_ci_config":     T4,
	"update_dependencies":  T4,

	"merge_pull_request":       T5,
	"create_release":           T5,
	"deploy_staging":           T5,
	"deploy_production":        T5,
	"force_push":               T5,
	"modify_branch_protection": T5,
}

func normalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}

// lookup returns the catalog tier of an action, or TierUnclassified.
func lookup(action string) Tier {
	if t, ok := catalog[action]; ok {
		return t
	}
	return TierUnclassified
}

// Classification is the result of ClassifyAction.
type Classification struct {
	ActionType    string   `json:"action_type"`
	Tier          Tier     `json:"tier"`
	TierDetails   TierInfo `json:"tier_details"`
	IsKnownAction bool     `json:"is_known_action"`
}

// ClassifyAction maps an action to its tier. Actions outside the catalog get
// UnclassifiedDefault with IsKnownAction false.
func ClassifyAction(action string) (Classification, error) {
	name := normalizeAction(action)
	if name == "" {
		return Classification{}, domain.InvalidArgument("action type is required")
	}
	raw := lookup(name)
	switch raw {
	case TierUnclassified:
		return Classification{
			ActionType:    name,
			Tier:          UnclassifiedDefault,
			TierDetails:   UnclassifiedDefault.Details(),
			IsKnownAction: false,
		}, nil
	default:
		return Classification{
			ActionType:    name,
			Tier:          raw,
			TierDetails:   raw.Details(),
			IsKnownAction: true,
		}, nil
	}
}

func RequiredDialLevel(action string) (int, error) {
	c, err := ClassifyAction(action)
	if err != nil {
		return 0, err
	}
	return c.Tier.RequiredLevel(), nil
}

// TierDecision is a tier-only permission decision.
type TierDecision struct {
	Permitted     bool   `json:"permitted"`
	DialLevel     int    `json:"dial_level"`
	RequiredLevel int    `json:"required_level"`
	Tier          Tier   `json:"tier"`
	ActionType    string `json:"action_type"`
	IsKnownAction bool   `json:"is_known_action"`
	Reason        string `json:"reason"`
}

func validateLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return domain.InvalidArgument("dial level must be an integer between %d and %d, got %d", MinLevel, MaxLevel, level)
	}
	return nil
}

// IsActionPermitted decides an action against a dial level with no repository
// or environment context.
func IsActionPermitted(level int, action string) (TierDecision, error) {
	if err := validateLevel(level); err != nil {
		return TierDecision{}, err
	}
	c, err := ClassifyAction(action)
	if err != nil {
		return TierDecision{}, err
	}
	required := c.Tier.RequiredLevel()
	permitted := level >= required
	return TierDecision{
		Permitted:     permitted,
		DialLevel:     level,
		RequiredLevel: required,
		Tier:          c.Tier,
		ActionType:    c.ActionType,
		IsKnownAction: c.IsKnownAction,
		Reason:        decisionReason(c, permitted, level, required),
	}, nil
}

const (
	permittedFormat = "Action %q (%s %s) is permitted: effective dial level %d meets required level %d."
	blockedFormat   = "Action %q (%s %s) is blocked: effective dial level %d is below required level %d."
)

func decisionReason(c Classification, permitted bool, level, required int) string {
	format := blockedFormat
	if permitted {
		format = permittedFormat
	}
	return fmt.Sprintf(format, c.ActionType, c.Tier, c.TierDetails.Name, level, required)
}

// ActionsByTier returns the catalog actions of a tier, sorted.
func ActionsByTier(t Tier) []string {
	out := []string{}
	for name, tier := range catalog {
		if tier == t {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

type ActionInfo struct {
	ActionType    string `json:"action_type"`
	Tier          Tier   `json:"tier"`
	RequiredLevel int    `json:"required_level"`
}

// AllActions lists the catalog ordered by tier, then name.
func AllActions() []ActionInfo {
	out := make([]ActionInfo, 0, len(catalog))
	for _, t := range Tiers {
		for _, name := range ActionsByTier(t) {
			out = append(out, ActionInfo{ActionType: name, Tier: t, RequiredLevel: t.RequiredLevel()})
		}
	}
	return out
}

type TierSummary struct {
	TierInfo
	ActionCount int      `json:"action_count"`
	Actions     []string `json:"actions"`
}

func GetTierSummary() []TierSummary {
	out := make([]TierSummary, 0, len(Tiers))
	for _, t := range Tiers {
		actions := ActionsByTier(t)
		out = append(out, TierSummary{TierInfo: t.Details(), ActionCount: len(actions), Actions: actions})
	}
	return out
}

// IsValidActionType reports whether action is in the catalog.
func IsValidActionType(action string) bool {
	return lookup(normalizeAction(action)) != TierUnclassified
}
