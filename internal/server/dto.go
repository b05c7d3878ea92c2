package server

import (
	"time"

	"agentrelay/internal/domain"
	"agentrelay/internal/engine"
	"agentrelay/internal/engine/autonomy"
)

// Request payloads

type CreateHandoffRequest struct {
	FromAgent *string `json:"from_agent,omitempty"`
	ToAgent   *string `json:"to_agent,omitempty"`
	Task      string  `json:"task" minLength:"1"`
	Context   string  `json:"context,omitempty"`
	Priority  string  `json:"priority,omitempty" enum:"low,medium,high,critical"`

	CompletedWork []string       `json:"completed_work,omitempty"`
	Blockers      []string       `json:"blockers,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Outputs       map[string]any `json:"outputs,omitempty"`

	SLAHours    *float64   `json:"sla_hours,omitempty" minimum:"0" maximum:"2562047"`
	SLADeadline *time.Time `json:"sla_deadline,omitempty" format:"date-time"`

	RepositoryFullName *string        `json:"repository_full_name,omitempty"`
	IssueNumber        *int           `json:"issue_number,omitempty"`
	Teams              []string       `json:"teams,omitempty"`
	Tier               *string        `json:"tier,omitempty"`
	InitiatedCommentID *int64         `json:"initiated_comment_id,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

func (r CreateHandoffRequest) input() engine.CreateInput {
	return engine.CreateInput{
		FromAgent:          r.FromAgent,
		ToAgent:            r.ToAgent,
		Task:               r.Task,
		Context:            r.Context,
		Priority:           domain.Priority(r.Priority),
		CompletedWork:      r.CompletedWork,
		Blockers:           r.Blockers,
		Dependencies:       r.Dependencies,
		Outputs:            r.Outputs,
		SLAHours:           r.SLAHours,
		SLADeadline:        r.SLADeadline,
		RepositoryFullName: r.RepositoryFullName,
		IssueNumber:        r.IssueNumber,
		Teams:              r.Teams,
		Tier:               r.Tier,
		InitiatedCommentID: r.InitiatedCommentID,
	}
}

// UpdateHandoffRequest changes non-state fields. Unknown fields such as
// status are accepted and ignored.
type UpdateHandoffRequest struct {
	_ struct{} `additionalProperties:"true"`

	Task          *string        `json:"task,omitempty"`
	Context       *string        `json:"context,omitempty"`
	Priority      *string        `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	Blockers      []string       `json:"blockers,omitempty"`
	CompletedWork []string       `json:"completed_work,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	InitiatedCommentID *int64 `json:"initiated_comment_id,omitempty"`
	AcceptedCommentID  *int64 `json:"accepted_comment_id,omitempty"`
	CompletedCommentID *int64 `json:"completed_comment_id,omitempty"`
}

func (r UpdateHandoffRequest) input() engine.UpdateInput {
	in := engine.UpdateInput{
		Task:               r.Task,
		Context:            r.Context,
		Outputs:            r.Outputs,
		Blockers:           r.Blockers,
		CompletedWork:      r.CompletedWork,
		Dependencies:       r.Dependencies,
		Metadata:           r.Metadata,
		InitiatedCommentID: r.InitiatedCommentID,
		AcceptedCommentID:  r.AcceptedCommentID,
		CompletedCommentID: r.CompletedCommentID,
	}
	if r.Priority != nil {
		p := domain.Priority(*r.Priority)
		in.Priority = &p
	}
	return in
}

type AcceptHandoffRequest struct {
	CommentID *int64 `json:"comment_id,omitempty"`
}

type CompleteHandoffRequest struct {
	Outputs   map[string]any `json:"outputs,omitempty"`
	CommentID *int64         `json:"comment_id,omitempty"`
}

type FailHandoffRequest struct {
	Reason string `json:"reason,omitempty"`
}

type TransitionHandoffRequest struct {
	To        string         `json:"to" enum:"pending,active,completed,failed"`
	Reason    string         `json:"reason,omitempty"`
	CommentID *int64         `json:"comment_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SetDialRequest takes either level (1-5) or legacy_level (1-11).
type SetDialRequest struct {
	Level       *int `json:"level,omitempty"`
	LegacyLevel *int `json:"legacy_level,omitempty"`
}

type DialCheckRequest struct {
	ActionType string `json:"action_type" minLength:"1"`
	EnvTier    string `json:"env_tier,omitempty"`
}

type AttachContextRequest struct {
	Kind string         `json:"kind" minLength:"1"`
	Data map[string]any `json:"data"`
}

// Response payloads

// HandoffFields is domain.Handoff without its method set, so the embedded
// fields flatten into the response schema.
type HandoffFields domain.Handoff

type HandoffResponse struct {
	HandoffFields
	IsOverdue  bool            `json:"is_overdue"`
	NextStates []domain.Status `json:"next_states"`
}

func handoffResponse(e *engine.Engine, h domain.Handoff) HandoffResponse {
	return HandoffResponse{
		HandoffFields: HandoffFields(h),
		IsOverdue:     e.IsOverdue(h),
		NextStates:    engine.NextStates(h.Status),
	}
}

type HandoffListResponse struct {
	Items []HandoffResponse `json:"items"`
	Count int               `json:"count"`
}

type TransitionResponse struct {
	Handoff     HandoffResponse    `json:"handoff"`
	StateChange domain.StateChange `json:"state_change"`
}

type HistoryResponse struct {
	HandoffID string               `json:"handoff_id"`
	Items     []domain.StateChange `json:"items"`
}

type DialResponse struct {
	autonomy.DialLevel
	EnvironmentCaps map[string]int `json:"environment_caps"`
}

type ActionsResponse struct {
	Items []autonomy.ActionInfo `json:"items"`
}

type TiersResponse struct {
	Items []autonomy.TierSummary `json:"items"`
}

type ContextListResponse struct {
	HandoffID string                     `json:"handoff_id"`
	Kinds     []string                   `json:"kinds"`
	Items     []domain.ContextAttachment `json:"items"`
}
