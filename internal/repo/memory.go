package repo

import (
	"context"
	"sort"
	"sync"

	"agentrelay/internal/domain"
)

// Memory is a volatile store for handoffs, dials and attachments. Each process
// holds its own copy.
type Memory struct {
	mu          sync.RWMutex
	handoffs    map[string]domain.Handoff
	history     map[string][]domain.StateChange
	dials       map[dialKey]domain.DialRecord
	attachments map[string][]domain.ContextAttachment
}

type dialKey struct{ owner, repo string }

func NewMemory() *Memory {
	return &Memory{
		handoffs:    make(map[string]domain.Handoff),
		history:     make(map[string][]domain.StateChange),
		dials:       make(map[dialKey]domain.DialRecord),
		attachments: make(map[string][]domain.ContextAttachment),
	}
}

func (m *Memory) GetHandoff(_ context.Context, id string) (domain.Handoff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handoffs[id]
	if !ok {
		return domain.Handoff{}, ErrNotFound
	}
	return h.Clone(), nil
}

func (m *Memory) PutHandoff(_ context.Context, h domain.Handoff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handoffs[h.ID] = h.Clone()
	return nil
}

func (m *Memory) CommitTransition(_ context.Context, h domain.Handoff, scs ...domain.StateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handoffs[h.ID]; !ok {
		return ErrNotFound
	}
	m.handoffs[h.ID] = h.Clone()
	for _, sc := range scs {
		m.history[h.ID] = append(m.history[h.ID], sc.Clone())
	}
	return nil
}

func (m *Memory) DeleteHandoff(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handoffs[id]; !ok {
		return ErrNotFound
	}
	delete(m.handoffs, id)
	delete(m.history, id)
	delete(m.attachments, id)
	return nil
}

func (m *Memory) ListHandoffs(_ context.Context, f HandoffFilter) ([]domain.Handoff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Handoff, 0, len(m.handoffs))
	for _, h := range m.handoffs {
		if f.match(h) {
			res = append(res, h.Clone())
		}
	}
	sortNewestFirst(res)
	return res, nil
}

func (m *Memory) ListStateChanges(_ context.Context, handoffID string) ([]domain.StateChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.history[handoffID]
	out := make([]domain.StateChange, len(src))
	for i, sc := range src {
		out[i] = sc.Clone()
	}
	return out, nil
}

func (m *Memory) GetDial(_ context.Context, owner, repo string) (domain.DialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.dials[dialKey{owner, repo}]
	if !ok {
		return domain.DialRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) PutDial(_ context.Context, rec domain.DialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials[dialKey{rec.Owner, rec.Repo}] = rec
	return nil
}

func (m *Memory) ListDials(_ context.Context) ([]domain.DialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.DialRecord, 0, len(m.dials))
	for _, rec := range m.dials {
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Owner != res[j].Owner {
			return res[i].Owner < res[j].Owner
		}
		return res[i].Repo < res[j].Repo
	})
	return res, nil
}

func (m *Memory) PutAttachment(_ context.Context, a domain.ContextAttachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handoffs[a.HandoffID]; !ok {
		return ErrNotFound
	}
	m.attachments[a.HandoffID] = append(m.attachments[a.HandoffID], a.Clone())
	return nil
}

func (m *Memory) ListAttachments(_ context.Context, handoffID string) ([]domain.ContextAttachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.attachments[handoffID]
	out := make([]domain.ContextAttachment, len(src))
	for i, a := range src {
		out[i] = a.Clone()
	}
	return out, nil
}
