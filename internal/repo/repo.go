package repo

import (
	"context"
	"sort"
	"time"

	"agentrelay/internal/domain"
)

// ErrNotFound is returned by every store for unknown keys.
var ErrNotFound = domain.ErrNotFound

// HandoffFilter narrows ListHandoffs. Zero fields match everything.
type HandoffFilter struct {
	Status      *domain.Status
	ToAgent     string
	FromAgent   string
	Repository  string
	IssueNumber *int
}

// HandoffStore persists handoffs and their audit trail. CommitTransition must
// write the handoff and append every state change atomically: either all of
// them land or none do.
type HandoffStore interface {
	GetHandoff(ctx context.Context, id string) (domain.Handoff, error)
	PutHandoff(ctx context.Context, h domain.Handoff) error
	CommitTransition(ctx context.Context, h domain.Handoff, scs ...domain.StateChange) error
	DeleteHandoff(ctx context.Context, id string) error
	ListHandoffs(ctx context.Context, f HandoffFilter) ([]domain.Handoff, error)
	ListStateChanges(ctx context.Context, handoffID string) ([]domain.StateChange, error)
}

// DialStore persists per-repository autonomy levels keyed by (owner, repo).
type DialStore interface {
	GetDial(ctx context.Context, owner, repo string) (domain.DialRecord, error)
	PutDial(ctx context.Context, rec domain.DialRecord) error
	ListDials(ctx context.Context) ([]domain.DialRecord, error)
}

// AttachmentStore persists structured context attached to handoffs.
type AttachmentStore interface {
	PutAttachment(ctx context.Context, a domain.ContextAttachment) error
	ListAttachments(ctx context.Context, handoffID string) ([]domain.ContextAttachment, error)
}

func (f HandoffFilter) match(h domain.Handoff) bool {
	if f.Status != nil && h.Status != *f.Status {
		return false
	}
	if f.ToAgent != "" && (h.ToAgent == nil || *h.ToAgent != f.ToAgent) {
		return false
	}
	if f.FromAgent != "" && (h.FromAgent == nil || *h.FromAgent != f.FromAgent) {
		return false
	}
	if f.Repository != "" && (h.RepositoryFullName == nil || *h.RepositoryFullName != f.Repository) {
		return false
	}
	if f.IssueNumber != nil && (h.IssueNumber == nil || *h.IssueNumber != *f.IssueNumber) {
		return false
	}
	return true
}

// sortNewestFirst orders by created_at DESC, id DESC.
func sortNewestFirst(items []domain.Handoff) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
}

// timeLayout keeps a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
