package autonomy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentrelay/internal/domain"
	"agentrelay/internal/metrics"
	"agentrelay/internal/repo"
)

// DefaultLevel applies to repositories without a dial record.
const DefaultLevel = MinLevel

// DefaultEnvironmentCaps bound the effective level per deployment environment.
var DefaultEnvironmentCaps = map[string]int{
	"local":      5,
	"dev":        5,
	"staging":    4,
	"production": 3,
}

// UnknownEnvironmentCap applies to environment names with no configured cap.
const UnknownEnvironmentCap = 3

var environmentAliases = map[string]string{
	"development": "dev",
	"prod":        "production",
	"stage":       "staging",
}

// NormalizeEnvironment lowercases an environment name and folds common
// spellings onto the canonical ones.
func NormalizeEnvironment(env string) string {
	env = strings.ToLower(strings.TrimSpace(env))
	if canon, ok := environmentAliases[env]; ok {
		return canon
	}
	return env
}

// Dial stores per-repository autonomy levels and decides actions against them.
type Dial struct {
	Store   repo.DialStore
	Caps    map[string]int
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Recorder

	mu sync.Mutex
}

// NewDial merges extra environment caps over DefaultEnvironmentCaps.
func NewDial(store repo.DialStore, extraCaps map[string]int, logger *zap.Logger, rec *metrics.Recorder) *Dial {
	caps := make(map[string]int, len(DefaultEnvironmentCaps)+len(extraCaps))
	for k, v := range DefaultEnvironmentCaps {
		caps[k] = v
	}
	for k, v := range extraCaps {
		caps[NormalizeEnvironment(k)] = v
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dial{
		Store:   store,
		Caps:    caps,
		Now:     time.Now,
		Logger:  logger.With(zap.String("component", "dial")),
		Metrics: rec,
	}
}

func (d *Dial) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dial) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// DialLevel is the configured level of a repository. IsDefault is set when no
// record exists.
type DialLevel struct {
	Owner     string     `json:"owner"`
	Repo      string     `json:"repo"`
	Level     int        `json:"level"`
	UpdatedBy string     `json:"updated_by,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" format:"date-time"`
	IsDefault bool       `json:"is_default"`
}

func requireRepo(owner, repoName string) error {
	if strings.TrimSpace(owner) == "" {
		return domain.InvalidArgument("owner is required")
	}
	if strings.TrimSpace(repoName) == "" {
		return domain.InvalidArgument("repo is required")
	}
	return nil
}

func (d *Dial) GetDialLevel(ctx context.Context, owner, repoName string) (DialLevel, error) {
	if err := requireRepo(owner, repoName); err != nil {
		return DialLevel{}, err
	}
	rec, err := d.Store.GetDial(ctx, owner, repoName)
	if errors.Is(err, repo.ErrNotFound) {
		return DialLevel{Owner: owner, Repo: repoName, Level: DefaultLevel, IsDefault: true}, nil
	}
	if err != nil {
		return DialLevel{}, fmt.Errorf("get dial %s/%s: %w", owner, repoName, err)
	}
	updated := rec.UpdatedAt
	return DialLevel{
		Owner:     owner,
		Repo:      repoName,
		Level:     rec.Level,
		UpdatedBy: rec.UpdatedBy,
		UpdatedAt: &updated,
	}, nil
}

// SetDialLevel overwrites the level of a repository, keeping the original
// creation time.
func (d *Dial) SetDialLevel(ctx context.Context, owner, repoName string, level int, updatedBy string) (domain.DialRecord, error) {
	if err := requireRepo(owner, repoName); err != nil {
		return domain.DialRecord{}, err
	}
	if err := validateLevel(level); err != nil {
		return domain.DialRecord{}, err
	}
	if strings.TrimSpace(updatedBy) == "" {
		return domain.DialRecord{}, domain.InvalidArgument("updated_by is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	rec := domain.DialRecord{
		Owner:     owner,
		Repo:      repoName,
		Level:     level,
		UpdatedBy: updatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	prev, err := d.Store.GetDial(ctx, owner, repoName)
	switch {
	case err == nil:
		rec.CreatedAt = prev.CreatedAt
	case !errors.Is(err, repo.ErrNotFound):
		return domain.DialRecord{}, fmt.Errorf("get dial %s/%s: %w", owner, repoName, err)
	}
	if err := d.Store.PutDial(ctx, rec); err != nil {
		return domain.DialRecord{}, fmt.Errorf("put dial %s/%s: %w", owner, repoName, err)
	}
	d.log().Info("dial level set",
		zap.String("repo", owner+"/"+repoName),
		zap.Int("level", level),
		zap.String("updated_by", updatedBy),
	)
	return rec, nil
}

// ListDials returns every stored dial record.
func (d *Dial) ListDials(ctx context.Context) ([]domain.DialRecord, error) {
	return d.Store.ListDials(ctx)
}

// EnvironmentCap returns the cap for env and whether one applies. An empty
// env is uncapped; unknown names get UnknownEnvironmentCap.
func (d *Dial) EnvironmentCap(env string) (int, bool) {
	env = NormalizeEnvironment(env)
	if env == "" {
		return MaxLevel, false
	}
	caps := d.Caps
	if caps == nil {
		caps = DefaultEnvironmentCaps
	}
	if c, ok := caps[env]; ok {
		return c, true
	}
	return UnknownEnvironmentCap, true
}

// GetEffectiveLevel returns the configured level capped by the environment.
func (d *Dial) GetEffectiveLevel(ctx context.Context, owner, repoName, env string) (int, error) {
	lvl, err := d.GetDialLevel(ctx, owner, repoName)
	if err != nil {
		return 0, err
	}
	return d.effective(lvl.Level, env), nil
}

func (d *Dial) effective(level int, env string) int {
	if c, ok := d.EnvironmentCap(env); ok && level > c {
		return c
	}
	return level
}

// DialDecision is a permission decision for one repository and environment.
type DialDecision struct {
	Permitted      bool   `json:"permitted"`
	DialLevel      int    `json:"dial_level"`
	EffectiveLevel int    `json:"effective_level"`
	RequiredLevel  int    `json:"required_level"`
	Tier           Tier   `json:"tier"`
	ActionType     string `json:"action_type"`
	IsKnownAction  bool   `json:"is_known_action"`
	Environment    string `json:"environment,omitempty"`
	IsDefaultLevel bool   `json:"is_default_level"`
	Reason         string `json:"reason"`
}

// IsActionPermitted permits an action iff the effective level reaches the
// level its tier requires.
func (d *Dial) IsActionPermitted(ctx context.Context, owner, repoName, action, env string) (DialDecision, error) {
	c, err := ClassifyAction(action)
	if err != nil {
		return DialDecision{}, err
	}
	lvl, err := d.GetDialLevel(ctx, owner, repoName)
	if err != nil {
		return DialDecision{}, err
	}
	effective := d.effective(lvl.Level, env)
	required := c.Tier.RequiredLevel()
	permitted := effective >= required

	d.Metrics.PermissionCheck(string(c.Tier), permitted)
	d.log().Debug("permission decided",
		zap.String("repo", owner+"/"+repoName),
		zap.String("action", c.ActionType),
		zap.String("tier", string(c.Tier)),
		zap.Int("effective_level", effective),
		zap.Bool("permitted", permitted),
	)
	return DialDecision{
		Permitted:      permitted,
		DialLevel:      lvl.Level,
		EffectiveLevel: effective,
		RequiredLevel:  required,
		Tier:           c.Tier,
		ActionType:     c.ActionType,
		IsKnownAction:  c.IsKnownAction,
		Environment:    NormalizeEnvironment(env),
		IsDefaultLevel: lvl.IsDefault,
		Reason:         decisionReason(c, permitted, effective, required),
	}, nil
}
