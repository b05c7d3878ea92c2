package domain

import "time"

// Status is the lifecycle state of a handoff.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every stored status in lifecycle order.
var Statuses = []Status{StatusPending, StatusActive, StatusCompleted, StatusFailed}

func (s Status) String() string { return string(s) }

// Priority of a handoff.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// ParsePriority returns the priority named by s and whether it is known.
func ParsePriority(s string) (Priority, bool) {
	for _, p := range Priorities {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

type Handoff struct {
	ID        string  `json:"id"`
	FromAgent *string `json:"from_agent,omitempty"`
	ToAgent   *string `json:"to_agent,omitempty"`

	Task     string   `json:"task"`
	Context  string   `json:"context"`
	Priority Priority `json:"priority" enum:"low,medium,high,critical"`

	CompletedWork []string       `json:"completed_work"`
	Blockers      []string       `json:"blockers"`
	Dependencies  []string       `json:"dependencies"`
	Outputs       map[string]any `json:"outputs"`

	Status Status `json:"status" enum:"pending,active,completed,failed"`

	SLAHours    *float64   `json:"sla_hours,omitempty"`
	SLADeadline *time.Time `json:"sla_deadline,omitempty" format:"date-time"`

	CreatedAt      time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time  `json:"updated_at" format:"date-time"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" format:"date-time"`
	InProgressAt   *time.Time `json:"in_progress_at,omitempty" format:"date-time"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" format:"date-time"`
	FailedAt       *time.Time `json:"failed_at,omitempty" format:"date-time"`
	FailureReason  *string    `json:"failure_reason,omitempty"`

	RepositoryFullName *string        `json:"repository_full_name,omitempty"`
	IssueNumber        *int           `json:"issue_number,omitempty"`
	Teams              []string       `json:"teams"`
	Tier               *string        `json:"tier,omitempty"`
	Metadata           map[string]any `json:"metadata"`

	InitiatedCommentID *int64 `json:"initiated_comment_id,omitempty"`
	AcceptedCommentID  *int64 `json:"accepted_comment_id,omitempty"`
	CompletedCommentID *int64 `json:"completed_comment_id,omitempty"`
}

// Clone returns a deep copy so stores never share slices or maps with callers.
func (h Handoff) Clone() Handoff {
	c := h
	c.FromAgent = cloneString(h.FromAgent)
	c.ToAgent = cloneString(h.ToAgent)
	c.CompletedWork = cloneStrings(h.CompletedWork)
	c.Blockers = cloneStrings(h.Blockers)
	c.Dependencies = cloneStrings(h.Dependencies)
	c.Outputs = cloneMap(h.Outputs)
	c.SLAHours = clonePtr(h.SLAHours)
	c.SLADeadline = clonePtr(h.SLADeadline)
	c.AcknowledgedAt = clonePtr(h.AcknowledgedAt)
	c.InProgressAt = clonePtr(h.InProgressAt)
	c.CompletedAt = clonePtr(h.CompletedAt)
	c.FailedAt = clonePtr(h.FailedAt)
	c.FailureReason = cloneString(h.FailureReason)
	c.RepositoryFullName = cloneString(h.RepositoryFullName)
	c.IssueNumber = clonePtr(h.IssueNumber)
	c.Teams = cloneStrings(h.Teams)
	c.Tier = cloneString(h.Tier)
	c.Metadata = cloneMap(h.Metadata)
	c.InitiatedCommentID = clonePtr(h.InitiatedCommentID)
	c.AcceptedCommentID = clonePtr(h.AcceptedCommentID)
	c.CompletedCommentID = clonePtr(h.CompletedCommentID)
	return c
}

// StateChange is one append-only audit record of a handoff transition.
type StateChange struct {
	ID          string         `json:"id"`
	HandoffID   string         `json:"handoff_id"`
	FromState   Status         `json:"from_state"`
	ToState     Status         `json:"to_state"`
	Reason      string         `json:"reason"`
	TriggeredBy string         `json:"triggered_by"`
	CommentID   *int64         `json:"comment_id,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at" format:"date-time"`
}

// DialRecord is the stored autonomy level of one repository.
type DialRecord struct {
	Owner     string    `json:"owner"`
	Repo      string    `json:"repo"`
	Level     int       `json:"level"`
	UpdatedBy string    `json:"updated_by"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// Clone returns a copy that shares no map or pointer with sc.
func (sc StateChange) Clone() StateChange {
	c := sc
	c.CommentID = clonePtr(sc.CommentID)
	c.Metadata = cloneMap(sc.Metadata)
	return c
}

// ContextAttachment is structured context attached to a handoff.
type ContextAttachment struct {
	ID         string         `json:"id"`
	HandoffID  string         `json:"handoff_id"`
	Kind       string         `json:"kind"`
	Data       map[string]any `json:"data"`
	AttachedBy string         `json:"attached_by"`
	CreatedAt  time.Time      `json:"created_at" format:"date-time"`
}

func (a ContextAttachment) Clone() ContextAttachment {
	c := a
	c.Data = cloneMap(a.Data)
	return c
}

func cloneString(s *string) *string { return clonePtr(s) }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the JSON-shaped containers nested in metadata and outputs.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return cloneStrings(t)
	default:
		return v
	}
}
