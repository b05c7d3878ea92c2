package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/db"
	"agentrelay/internal/domain"
	"agentrelay/internal/repo"
)

type store interface {
	repo.HandoffStore
	repo.DialStore
	repo.AttachmentStore
}

func stores(t *testing.T) map[string]store {
	t.Helper()
	conn, err := db.Open(context.Background(), db.Config{Path: db.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return map[string]store{
		"memory": repo.NewMemory(),
		"sqlite": repo.SQLite{DB: conn},
	}
}

func ptr[T any](v T) *T { return &v }

func handoff(id string, created time.Time) domain.Handoff {
	return domain.Handoff{
		ID:        id,
		Task:      "task " + id,
		Priority:  domain.PriorityMedium,
		Status:    domain.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
		Outputs:   map[string]any{},
		Metadata:  map[string]any{},
	}
}

func TestHandoffStores(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetHandoff(ctx, "missing")
			assert.True(t, repo.IsNotFound(err))

			a := handoff("a", base)
			a.ToAgent = ptr("reviewer")
			a.RepositoryFullName = ptr("acme/api")
			a.IssueNumber = ptr(7)
			a.SLAHours = ptr(2.5)
			a.SLADeadline = ptr(base.Add(150 * time.Minute))
			a.Blockers = []string{"ci red"}
			require.NoError(t, s.PutHandoff(ctx, a))
			require.NoError(t, s.PutHandoff(ctx, handoff("b", base.Add(time.Minute))))

			got, err := s.GetHandoff(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "task a", got.Task)
			assert.Equal(t, "reviewer", *got.ToAgent)
			assert.Equal(t, 7, *got.IssueNumber)
			assert.Equal(t, []string{"ci red"}, got.Blockers)
			require.NotNil(t, got.SLADeadline)
			assert.True(t, got.SLADeadline.Equal(*a.SLADeadline))

			all, err := s.ListHandoffs(ctx, repo.HandoffFilter{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "b", all[0].ID)

			byRepo, err := s.ListHandoffs(ctx, repo.HandoffFilter{Repository: "acme/api", IssueNumber: ptr(7)})
			require.NoError(t, err)
			require.Len(t, byRepo, 1)
			assert.Equal(t, "a", byRepo[0].ID)

			a.Status = domain.StatusActive
			a.AcknowledgedAt = ptr(base.Add(time.Hour))
			sc := domain.StateChange{
				ID: "sc1", HandoffID: "a",
				FromState: domain.StatusPending, ToState: domain.StatusActive,
				Reason: "agent_accepted", TriggeredBy: "reviewer",
				CreatedAt: base.Add(time.Hour),
			}
			require.NoError(t, s.CommitTransition(ctx, a, sc))
			assert.True(t, repo.IsNotFound(s.CommitTransition(ctx, handoff("ghost", base), domain.StateChange{ID: "sc2", HandoffID: "ghost", CreatedAt: base})))

			active, err := s.ListHandoffs(ctx, repo.HandoffFilter{Status: ptr(domain.StatusActive)})
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "a", active[0].ID)

			hist, err := s.ListStateChanges(ctx, "a")
			require.NoError(t, err)
			require.Len(t, hist, 1)
			assert.Equal(t, "agent_accepted", hist[0].Reason)
			assert.Equal(t, domain.StatusActive, hist[0].ToState)

			require.NoError(t, s.PutAttachment(ctx, domain.ContextAttachment{
				ID: "att1", HandoffID: "a", Kind: "decision_log",
				Data: map[string]any{"decision": "ship"}, AttachedBy: "bot", CreatedAt: base,
			}))
			atts, err := s.ListAttachments(ctx, "a")
			require.NoError(t, err)
			require.Len(t, atts, 1)
			assert.Equal(t, "ship", atts[0].Data["decision"])

			require.NoError(t, s.DeleteHandoff(ctx, "a"))
			assert.True(t, repo.IsNotFound(s.DeleteHandoff(ctx, "a")))
			hist, err = s.ListStateChanges(ctx, "a")
			require.NoError(t, err)
			assert.Empty(t, hist)
			atts, err = s.ListAttachments(ctx, "a")
			require.NoError(t, err)
			assert.Empty(t, atts)
		})
	}
}

func testDialStore(t *testing.T, s repo.DialStore) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_, err := s.GetDial(ctx, "acme", "api")
	assert.True(t, repo.IsNotFound(err))

	require.NoError(t, s.PutDial(ctx, domain.DialRecord{Owner: "acme", Repo: "api", Level: 3, UpdatedBy: "ops", CreatedAt: created, UpdatedAt: created}))
	require.NoError(t, s.PutDial(ctx, domain.DialRecord{Owner: "acme", Repo: "web", Level: 1, UpdatedBy: "ops", CreatedAt: created, UpdatedAt: created}))

	got, err := s.GetDial(ctx, "acme", "api")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Level)
	assert.Equal(t, "ops", got.UpdatedBy)
	assert.True(t, got.CreatedAt.Equal(created))

	list, err := s.ListDials(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "api", list[0].Repo)
	assert.Equal(t, "web", list[1].Repo)
}

func TestDialStores(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) { testDialStore(t, s) })
	}
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		testDialStore(t, repo.NewRedisDials(client, ""))
	})
}

func TestRedisDialsKeepCreatedAt(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := repo.NewRedisDials(client, "test:")

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(48 * time.Hour)
	require.NoError(t, s.PutDial(ctx, domain.DialRecord{Owner: "o", Repo: "r", Level: 2, UpdatedBy: "a", CreatedAt: first, UpdatedAt: first}))
	require.NoError(t, s.PutDial(ctx, domain.DialRecord{Owner: "o", Repo: "r", Level: 4, UpdatedBy: "b", CreatedAt: later, UpdatedAt: later}))

	got, err := s.GetDial(ctx, "o", "r")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Level)
	assert.Equal(t, "b", got.UpdatedBy)
	assert.True(t, got.CreatedAt.Equal(first))
	assert.True(t, got.UpdatedAt.Equal(later))
	assert.True(t, mr.Exists("test:dial:o/r"))

	members, err := mr.Members("test:dials")
	require.NoError(t, err)
	assert.Equal(t, []string{"o/r"}, members)
}

func TestStoredMapsAreCopies(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := handoff("a", base)
			require.NoError(t, s.PutHandoff(ctx, h))

			meta := map[string]any{"k": "orig"}
			h.Status = domain.StatusActive
			require.NoError(t, s.CommitTransition(ctx, h, domain.StateChange{
				ID: "sc1", HandoffID: "a",
				FromState: domain.StatusPending, ToState: domain.StatusActive,
				Reason: "agent_accepted", TriggeredBy: "bot",
				Metadata: meta, CreatedAt: base,
			}))
			meta["k"] = "changed"
			hist, err := s.ListStateChanges(ctx, "a")
			require.NoError(t, err)
			require.Len(t, hist, 1)
			hist[0].Metadata["k"] = "changed"

			data := map[string]any{"decision": "ship", "files": []any{"a.go"}}
			require.NoError(t, s.PutAttachment(ctx, domain.ContextAttachment{
				ID: "att1", HandoffID: "a", Kind: "decision_log",
				Data: data, AttachedBy: "bot", CreatedAt: base,
			}))
			data["decision"] = "hold"
			data["files"].([]any)[0] = "b.go"
			atts, err := s.ListAttachments(ctx, "a")
			require.NoError(t, err)
			require.Len(t, atts, 1)
			atts[0].Data["decision"] = "hold"

			hist, err = s.ListStateChanges(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "orig", hist[0].Metadata["k"])
			atts, err = s.ListAttachments(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "ship", atts[0].Data["decision"])
			assert.Equal(t, []any{"a.go"}, atts[0].Data["files"])
		})
	}
}

func TestCommitTransitionWritesAllStateChanges(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := handoff("a", base)
			require.NoError(t, s.PutHandoff(ctx, h))

			h.Status = domain.StatusCompleted
			require.NoError(t, s.CommitTransition(ctx, h,
				domain.StateChange{ID: "sc1", HandoffID: "a", FromState: domain.StatusPending, ToState: domain.StatusActive, Reason: "agent_accepted", TriggeredBy: "bot", CreatedAt: base},
				domain.StateChange{ID: "sc2", HandoffID: "a", FromState: domain.StatusActive, ToState: domain.StatusCompleted, Reason: "work_completed", TriggeredBy: "bot", CreatedAt: base.Add(time.Second)},
			))
			hist, err := s.ListStateChanges(ctx, "a")
			require.NoError(t, err)
			require.Len(t, hist, 2)
			assert.Equal(t, "sc1", hist[0].ID)
			assert.Equal(t, "sc2", hist[1].ID)
			got, err := s.GetHandoff(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCompleted, got.Status)
		})
	}
}
