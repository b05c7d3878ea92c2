package autonomy

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"agentrelay/internal/domain"
)

// CheckRequest names who wants to do what, where.
type CheckRequest struct {
	RepoOwner  string `json:"repo_owner"`
	RepoName   string `json:"repo_name"`
	AgentSlug  string `json:"agent_slug"`
	ActionType string `json:"action_type"`
	EnvTier    string `json:"env_tier,omitempty"`
}

type CheckResult struct {
	DialDecision
	AgentSlug   string   `json:"agent_slug"`
	TierDetails TierInfo `json:"tier_details"`
}

// Checker combines the dial and the classifier behind one call.
type Checker struct {
	Dial   *Dial
	Logger *zap.Logger
}

func NewChecker(dial *Dial, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{Dial: dial, Logger: logger.With(zap.String("component", "permissions"))}
}

func (c *Checker) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	for _, f := range []struct{ name, value string }{
		{"repo_owner", req.RepoOwner},
		{"repo_name", req.RepoName},
		{"agent_slug", req.AgentSlug},
		{"action_type", req.ActionType},
	} {
		if strings.TrimSpace(f.value) == "" {
			return CheckResult{}, domain.InvalidArgument("%s is required", f.name)
		}
	}
	dec, err := c.Dial.IsActionPermitted(ctx, req.RepoOwner, req.RepoName, req.ActionType, req.EnvTier)
	if err != nil {
		return CheckResult{}, err
	}
	if c.Logger != nil && !dec.Permitted {
		c.Logger.Info("action blocked",
			zap.String("agent", req.AgentSlug),
			zap.String("repo", req.RepoOwner+"/"+req.RepoName),
			zap.String("action", dec.ActionType),
			zap.String("reason", dec.Reason),
		)
	}
	return CheckResult{
		DialDecision: dec,
		AgentSlug:    req.AgentSlug,
		TierDetails:  dec.Tier.Details(),
	}, nil
}
