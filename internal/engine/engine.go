package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentrelay/internal/domain"
	"agentrelay/internal/metrics"
	"agentrelay/internal/repo"
)

const (
	// DefaultRetention is how long terminal handoffs are kept by CleanupOldHandoffs.
	DefaultRetention = 168 * time.Hour
	// DefaultAbandonReason is used by AbandonHandoff when no reason is given.
	DefaultAbandonReason = "PR closed or cancelled"
	// SystemActor is recorded as triggered_by when the caller names nobody.
	SystemActor = "system"
)

// MaxSLAHours is the longest SLA a deadline can be computed from; larger
// values are clamped to it.
const MaxSLAHours = float64(math.MaxInt64 / int64(time.Hour))

// slaDuration converts hours to a duration without overflowing int64.
func slaDuration(hours float64) time.Duration {
	switch {
	case math.IsNaN(hours):
		return 0
	case hours >= MaxSLAHours:
		return time.Duration(MaxSLAHours) * time.Hour
	case hours <= -MaxSLAHours:
		return -time.Duration(MaxSLAHours) * time.Hour
	}
	return time.Duration(hours * float64(time.Hour))
}

// Engine owns handoff records and their audit trail. Every public operation
// holds mu for its whole duration, so no two operations interleave.
type Engine struct {
	Handoffs repo.HandoffStore
	Now      func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Recorder

	mu sync.Mutex
}

func New(store repo.HandoffStore, logger *zap.Logger, rec *metrics.Recorder) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Handoffs: store,
		Now:      time.Now,
		Logger:   logger.With(zap.String("component", "handoffs")),
		Metrics:  rec,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// CreateInput carries the caller-supplied fields of a new handoff. Zero values
// are accepted as-is; callers that need validation do it before calling in.
type CreateInput struct {
	FromAgent *string
	ToAgent   *string
	Task      string
	Context   string
	Priority  domain.Priority

	CompletedWork []string
	Blockers      []string
	Dependencies  []string
	Outputs       map[string]any

	SLAHours    *float64
	SLADeadline *time.Time

	RepositoryFullName *string
	IssueNumber        *int
	Teams              []string
	Tier               *string
	InitiatedCommentID *int64
}

func (e *Engine) CreateHandoff(ctx context.Context, in CreateInput, metadata map[string]any) (domain.Handoff, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	h := domain.Handoff{
		ID:                 uuid.New().String(),
		FromAgent:          in.FromAgent,
		ToAgent:            in.ToAgent,
		Task:               in.Task,
		Context:            in.Context,
		Priority:           in.Priority,
		CompletedWork:      in.CompletedWork,
		Blockers:           in.Blockers,
		Dependencies:       in.Dependencies,
		Outputs:            in.Outputs,
		Status:             domain.StatusPending,
		SLAHours:           in.SLAHours,
		SLADeadline:        in.SLADeadline,
		CreatedAt:          now,
		UpdatedAt:          now,
		RepositoryFullName: in.RepositoryFullName,
		IssueNumber:        in.IssueNumber,
		Teams:              in.Teams,
		Tier:               in.Tier,
		Metadata:           metadata,
		InitiatedCommentID: in.InitiatedCommentID,
	}
	if h.Priority == "" {
		h.Priority = domain.PriorityMedium
	}
	if h.SLADeadline == nil && h.SLAHours != nil {
		deadline := now.Add(slaDuration(*h.SLAHours))
		h.SLADeadline = &deadline
	}
	h = h.Clone()

	if err := e.Handoffs.PutHandoff(ctx, h); err != nil {
		return domain.Handoff{}, fmt.Errorf("create handoff: %w", err)
	}
	e.Metrics.HandoffCreated()
	e.log().Info("handoff created",
		zap.String("handoff_id", h.ID),
		zap.String("priority", string(h.Priority)),
		zap.Stringp("to_agent", h.ToAgent),
	)
	return h, nil
}

// TransitionOptions annotate the audit record of a transition.
type TransitionOptions struct {
	Reason      string
	TriggeredBy string
	Metadata    map[string]any
	CommentID   *int64
}

type TransitionResult struct {
	Handoff     domain.Handoff     `json:"handoff"`
	StateChange domain.StateChange `json:"state_change"`
}

// TransitionHandoff moves a handoff to another state. It returns an error
// wrapping domain.ErrNotFound for unknown ids and a *domain.TransitionError for
// edges the lifecycle does not allow.
func (e *Engine) TransitionHandoff(ctx context.Context, id string, to domain.Status, opts TransitionOptions) (TransitionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, err := e.load(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	return e.apply(ctx, h, to, opts)
}

func (e *Engine) load(ctx context.Context, id string) (domain.Handoff, error) {
	h, err := e.Handoffs.GetHandoff(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Handoff{}, fmt.Errorf("handoff %s: %w", id, domain.ErrNotFound)
		}
		return domain.Handoff{}, err
	}
	return h, nil
}

// stage validates one transition of h and returns the updated record with its
// audit entry. Nothing is written.
func (e *Engine) stage(h domain.Handoff, to domain.Status, opts TransitionOptions) (domain.Handoff, domain.StateChange, error) {
	from := h.Status
	if err := ValidateTransition(from, to); err != nil {
		return h, domain.StateChange{}, err
	}
	now := e.now()
	h = h.Clone()
	h.Status = to
	h.UpdatedAt = now
	switch TimestampFieldFor(to) {
	case TimestampAcknowledged:
		h.AcknowledgedAt = stampOnce(h.AcknowledgedAt, now)
	case TimestampInProgress:
		h.InProgressAt = stampOnce(h.InProgressAt, now)
	case TimestampCompleted:
		h.CompletedAt = stampOnce(h.CompletedAt, now)
	}
	if to == domain.StatusFailed {
		reason := opts.Reason
		if reason == "" {
			reason = DefaultReason(domain.StatusFailed)
		}
		h.FailedAt = &now
		h.FailureReason = &reason
	}

	sc := domain.StateChange{
		ID:          uuid.New().String(),
		HandoffID:   h.ID,
		FromState:   from,
		ToState:     to,
		Reason:      opts.Reason,
		TriggeredBy: opts.TriggeredBy,
		CommentID:   opts.CommentID,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
	}
	if sc.Reason == "" {
		sc.Reason = "unknown"
	}
	if sc.TriggeredBy == "" {
		sc.TriggeredBy = SystemActor
	}
	return h, sc.Clone(), nil
}

// commit writes h and its staged audit entries in one store call.
func (e *Engine) commit(ctx context.Context, h domain.Handoff, scs ...domain.StateChange) error {
	if err := e.Handoffs.CommitTransition(ctx, h, scs...); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("handoff %s: %w", h.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("commit transition: %w", err)
	}
	for _, sc := range scs {
		e.Metrics.Transition(string(sc.FromState), string(sc.ToState))
		if sc.ToState == domain.StatusCompleted {
			e.Metrics.Completed(sc.CreatedAt.Sub(h.CreatedAt))
		}
		e.log().Info("handoff transitioned",
			zap.String("handoff_id", h.ID),
			zap.String("from", string(sc.FromState)),
			zap.String("to", string(sc.ToState)),
			zap.String("reason", sc.Reason),
			zap.String("triggered_by", sc.TriggeredBy),
		)
	}
	return nil
}

// apply validates and commits one transition of h. Callers hold mu.
func (e *Engine) apply(ctx context.Context, h domain.Handoff, to domain.Status, opts TransitionOptions) (TransitionResult, error) {
	h, sc, err := e.stage(h, to, opts)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := e.commit(ctx, h, sc); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Handoff: h, StateChange: sc.Clone()}, nil
}

func stampOnce(cur *time.Time, now time.Time) *time.Time {
	if cur != nil {
		return cur
	}
	t := now
	return &t
}

// AcceptHandoff moves a pending handoff to active. It returns nil without an
// error when the handoff does not exist.
func (e *Engine) AcceptHandoff(ctx context.Context, id, actor string) (*domain.Handoff, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, err := e.load(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := e.apply(ctx, h, domain.StatusActive, TransitionOptions{
		Reason:      DefaultReason(domain.StatusActive),
		TriggeredBy: actor,
	})
	if err != nil {
		return nil, err
	}
	return &res.Handoff, nil
}

// CompleteHandoff completes a handoff, passing through active first when it is
// still pending. Outputs are merged into the record before the final
// transition. It returns nil without an error when the handoff does not exist.
func (e *Engine) CompleteHandoff(ctx context.Context, id string, outputs map[string]any) (*domain.Handoff, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, err := e.load(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Fast-track: both transitions are committed together or not at all.
	var staged []domain.StateChange
	if h.Status == domain.StatusPending {
		var sc domain.StateChange
		h, sc, err = e.stage(h, domain.StatusActive, TransitionOptions{Reason: DefaultReason(domain.StatusActive)})
		if err != nil {
			return nil, err
		}
		staged = append(staged, sc)
	}
	if h.Status == domain.StatusActive {
		if h.Outputs == nil {
			h.Outputs = map[string]any{}
		}
		for k, v := range outputs {
			h.Outputs[k] = v
		}
	}
	h, sc, err := e.stage(h, domain.StatusCompleted, TransitionOptions{Reason: DefaultReason(domain.StatusCompleted)})
	if err != nil {
		return nil, err
	}
	staged = append(staged, sc)
	if err := e.commit(ctx, h, staged...); err != nil {
		return nil, err
	}
	return &h, nil
}

// FailHandoff moves a handoff to failed. Reason defaults to "unknown" and is
// stored as the failure reason.
func (e *Engine) FailHandoff(ctx context.Context, id, reason string) (domain.Handoff, error) {
	if reason == "" {
		reason = "unknown"
	}
	res, err := e.TransitionHandoff(ctx, id, domain.StatusFailed, TransitionOptions{Reason: reason})
	if err != nil {
		return domain.Handoff{}, err
	}
	return res.Handoff, nil
}

// AbandonHandoff fails a handoff with the reason "abandoned:<reason>".
func (e *Engine) AbandonHandoff(ctx context.Context, id, reason string) (domain.Handoff, error) {
	if reason == "" {
		reason = DefaultAbandonReason
	}
	return e.FailHandoff(ctx, id, "abandoned:"+reason)
}

// UpdateInput lists the fields UpdateHandoff may change. Nil leaves a field
// untouched; an empty non-nil slice or map clears it.
type UpdateInput struct {
	Task          *string
	Context       *string
	Priority      *domain.Priority
	Outputs       map[string]any
	Blockers      []string
	CompletedWork []string
	Dependencies  []string
	Metadata      map[string]any

	InitiatedCommentID *int64
	AcceptedCommentID  *int64
	CompletedCommentID *int64
}

// UpdateHandoff changes non-state fields. It returns nil without an error when
// the handoff does not exist.
func (e *Engine) UpdateHandoff(ctx context.Context, id string, in UpdateInput) (*domain.Handoff, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, err := e.load(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if in.Task != nil {
		h.Task = *in.Task
	}
	if in.Context != nil {
		h.Context = *in.Context
	}
	if in.Priority != nil {
		h.Priority = *in.Priority
	}
	if in.Outputs != nil {
		h.Outputs = in.Outputs
	}
	if in.Blockers != nil {
		h.Blockers = in.Blockers
	}
	if in.CompletedWork != nil {
		h.CompletedWork = in.CompletedWork
	}
	if in.Dependencies != nil {
		h.Dependencies = in.Dependencies
	}
	if in.Metadata != nil {
		h.Metadata = in.Metadata
	}
	if in.InitiatedCommentID != nil {
		h.InitiatedCommentID = in.InitiatedCommentID
	}
	if in.AcceptedCommentID != nil {
		h.AcceptedCommentID = in.AcceptedCommentID
	}
	if in.CompletedCommentID != nil {
		h.CompletedCommentID = in.CompletedCommentID
	}
	h.UpdatedAt = e.now()
	h = h.Clone()
	if err := e.Handoffs.PutHandoff(ctx, h); err != nil {
		return nil, fmt.Errorf("update handoff: %w", err)
	}
	return &h, nil
}

// GetHandoff returns nil for unknown ids.
func (e *Engine) GetHandoff(ctx context.Context, id string) (*domain.Handoff, error) {
	h, err := e.Handoffs.GetHandoff(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// GetHandoffByRepoAndIssue returns the newest handoff for a repository issue,
// or nil when there is none.
func (e *Engine) GetHandoffByRepoAndIssue(ctx context.Context, repository string, issue int) (*domain.Handoff, error) {
	items, err := e.Handoffs.ListHandoffs(ctx, repo.HandoffFilter{Repository: repository, IssueNumber: &issue})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// ListFilter narrows ListHandoffs. Status accepts stored names and the legacy
// aliases resolved by domain.ResolveStatusFilter.
type ListFilter struct {
	Status      string
	ToAgent     string
	FromAgent   string
	Repository  string
	IssueNumber *int
}

// ListHandoffs returns matching handoffs, newest created first.
func (e *Engine) ListHandoffs(ctx context.Context, f ListFilter) ([]domain.Handoff, error) {
	rf := repo.HandoffFilter{
		ToAgent:     f.ToAgent,
		FromAgent:   f.FromAgent,
		Repository:  f.Repository,
		IssueNumber: f.IssueNumber,
	}
	if f.Status != "" {
		sf, ok := domain.ResolveStatusFilter(f.Status)
		if !ok {
			return nil, domain.InvalidArgument("unknown status %q", f.Status)
		}
		if sf.Empty {
			return []domain.Handoff{}, nil
		}
		rf.Status = &sf.Status
	}
	items, err := e.Handoffs.ListHandoffs(ctx, rf)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Handoff{}
	}
	return items, nil
}

// IsOverdue reports whether h is non-terminal and past its SLA deadline.
func IsOverdue(h domain.Handoff, now time.Time) bool {
	if IsTerminalState(h.Status) || h.SLADeadline == nil {
		return false
	}
	return now.After(*h.SLADeadline)
}

// IsOverdue evaluates IsOverdue against the engine clock.
func (e *Engine) IsOverdue(h domain.Handoff) bool {
	return IsOverdue(h, e.now())
}

type Stats struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	ByPriority         map[string]int `json:"by_priority"`
	AvgCompletionHours *float64       `json:"avg_completion_hours"`
	SLAComplianceRate  float64        `json:"sla_compliance_rate"`
	Overdue            int            `json:"overdue"`
}

// GetHandoffStats aggregates every stored handoff. Completed handoffs without a
// deadline count as SLA compliant.
func (e *Engine) GetHandoffStats(ctx context.Context) (Stats, error) {
	items, err := e.Handoffs.ListHandoffs(ctx, repo.HandoffFilter{})
	if err != nil {
		return Stats{}, err
	}
	now := e.now()
	st := Stats{
		Total:      len(items),
		ByStatus:   make(map[string]int, len(domain.Statuses)),
		ByPriority: make(map[string]int, len(domain.Priorities)),
	}
	for _, s := range domain.Statuses {
		st.ByStatus[string(s)] = 0
	}
	for _, p := range domain.Priorities {
		st.ByPriority[string(p)] = 0
	}

	var completed, compliant int
	var totalHours float64
	for _, h := range items {
		st.ByStatus[string(h.Status)]++
		st.ByPriority[string(h.Priority)]++
		if IsOverdue(h, now) {
			st.Overdue++
		}
		if h.Status != domain.StatusCompleted || h.CompletedAt == nil {
			continue
		}
		completed++
		totalHours += h.CompletedAt.Sub(h.CreatedAt).Hours()
		if h.SLADeadline == nil || !h.CompletedAt.After(*h.SLADeadline) {
			compliant++
		}
	}
	if completed > 0 {
		avg := round2(totalHours / float64(completed))
		st.AvgCompletionHours = &avg
		st.SLAComplianceRate = round2(float64(compliant) / float64(completed) * 100)
	}
	return st, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// CleanupOldHandoffs removes terminal handoffs created more than maxAge ago,
// together with their audit trail. A non-positive maxAge uses DefaultRetention.
func (e *Engine) CleanupOldHandoffs(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-maxAge)
	items, err := e.Handoffs.ListHandoffs(ctx, repo.HandoffFilter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, h := range items {
		if !IsTerminalState(h.Status) || !h.CreatedAt.Before(cutoff) {
			continue
		}
		if err := e.Handoffs.DeleteHandoff(ctx, h.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return removed, fmt.Errorf("delete handoff %s: %w", h.ID, err)
		}
		removed++
	}
	e.Metrics.Swept(removed)
	return removed, nil
}

// GetStateChangeHistory returns the audit trail of a handoff in insertion
// order; unknown ids yield an empty list.
func (e *Engine) GetStateChangeHistory(ctx context.Context, id string) ([]domain.StateChange, error) {
	items, err := e.Handoffs.ListStateChanges(ctx, id)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.StateChange{}
	}
	return items, nil
}
