// Package ctxstore attaches schema-validated structured context to handoffs.
package ctxstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"agentrelay/internal/domain"
	"agentrelay/internal/repo"
)

type Store struct {
	Attachments repo.AttachmentStore
	Handoffs    repo.HandoffStore
	Now         func() time.Time
	Logger      *zap.Logger

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// New compiles the built-in schemas plus extra (kind -> schema document).
// Extra kinds override built-ins of the same name.
func New(attachments repo.AttachmentStore, handoffs repo.HandoffStore, extra map[string]string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		Attachments: attachments,
		Handoffs:    handoffs,
		Now:         time.Now,
		Logger:      logger.With(zap.String("component", "context")),
		schemas:     make(map[string]*jsonschema.Schema),
	}
	for kind, doc := range builtinSchemas {
		if err := s.Register(kind, doc); err != nil {
			return nil, err
		}
	}
	for kind, doc := range extra {
		if err := s.Register(kind, doc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register compiles a schema document for kind.
func (s *Store) Register(kind, schema string) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return domain.InvalidArgument("context kind is required")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://agentrelay.local/context/%s.schema.json", kind)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("context schema %s load failed: %w", kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("context schema %s compile failed: %w", kind, err)
	}
	s.mu.Lock()
	s.schemas[kind] = compiled
	s.mu.Unlock()
	return nil
}

// Kinds lists the registered kinds, sorted.
func (s *Store) Kinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.schemas))
	for k := range s.schemas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) schema(kind string) (*jsonschema.Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schemas[kind]
	return sch, ok
}

// Attach validates data against the kind's schema and stores it.
func (s *Store) Attach(ctx context.Context, handoffID, kind string, data map[string]any, attachedBy string) (domain.ContextAttachment, error) {
	sch, ok := s.schema(kind)
	if !ok {
		return domain.ContextAttachment{}, domain.InvalidArgument("unknown context kind %q", kind)
	}
	if _, err := s.Handoffs.GetHandoff(ctx, handoffID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ContextAttachment{}, fmt.Errorf("handoff %s: %w", handoffID, domain.ErrNotFound)
		}
		return domain.ContextAttachment{}, err
	}
	normalized, err := normalize(data)
	if err != nil {
		return domain.ContextAttachment{}, domain.InvalidArgument("context data: %v", err)
	}
	if err := sch.Validate(normalized); err != nil {
		return domain.ContextAttachment{}, fmt.Errorf("%w: %s: %v", domain.ErrSchemaRejected, kind, err)
	}
	if attachedBy == "" {
		attachedBy = "system"
	}
	a := domain.ContextAttachment{
		ID:         uuid.New().String(),
		HandoffID:  handoffID,
		Kind:       kind,
		Data:       normalized.(map[string]any),
		AttachedBy: attachedBy,
		CreatedAt:  s.now(),
	}
	if err := s.Attachments.PutAttachment(ctx, a); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ContextAttachment{}, fmt.Errorf("handoff %s: %w", handoffID, domain.ErrNotFound)
		}
		return domain.ContextAttachment{}, fmt.Errorf("store attachment: %w", err)
	}
	s.Logger.Debug("context attached",
		zap.String("handoff_id", handoffID),
		zap.String("kind", kind),
		zap.String("attached_by", attachedBy),
	)
	return a, nil
}

// List returns the attachments of a handoff in insertion order, optionally
// restricted to one kind.
func (s *Store) List(ctx context.Context, handoffID, kind string) ([]domain.ContextAttachment, error) {
	items, err := s.Attachments.ListAttachments(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ContextAttachment, 0, len(items))
	for _, a := range items {
		if kind == "" || a.Kind == kind {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// normalize round-trips data through encoding/json so the validator sees the
// same value types a decoded request body has.
func normalize(data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
