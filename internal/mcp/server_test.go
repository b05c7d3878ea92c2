package mcp

import (
	"context"
	"encoding/json"
	"testing"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agentrelay/internal/ctxstore"
	"agentrelay/internal/engine"
	"agentrelay/internal/engine/autonomy"
	"agentrelay/internal/repo"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mem := repo.NewMemory()
	e := engine.New(mem, logger, nil)
	cs, err := ctxstore.New(mem, mem, nil, logger)
	require.NoError(t, err)
	dial := autonomy.NewDial(mem, nil, logger, nil)
	return NewServer(e, cs, autonomy.NewChecker(dial, logger), logger, "test"), e
}

// session connects an in-memory client to srv.
func session(t *testing.T, srv *Server) *gomcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	t1, t2 := gomcp.NewInMemoryTransports()
	go func() {
		_ = srv.MCPServer().Run(ctx, t1)
	}()
	cs, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func callTool(t *testing.T, cs *gomcp.ClientSession, name string, args map[string]any) *gomcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &gomcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err, "call %s", name)
	return res
}

// structured decodes the structured content of a successful result.
func structured[T any](t *testing.T, res *gomcp.CallToolResult) T {
	t.Helper()
	require.False(t, res.IsError, extractText(res))
	var out T
	var raw []byte
	if res.StructuredContent != nil {
		var err error
		raw, err = json.Marshal(res.StructuredContent)
		require.NoError(t, err)
	} else {
		raw = []byte(extractText(res))
	}
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func extractText(res *gomcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestListTools(t *testing.T) {
	srv, _ := newTestServer(t)
	cs := session(t, srv)
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"create_handoff", "accept_handoff", "complete_handoff",
		"get_workflow_state", "attach_context", "get_context", "check_permission",
	}, names)
}

func TestHandoffFlow(t *testing.T) {
	srv, e := newTestServer(t)
	cs := session(t, srv)

	created := structured[handoffView](t, callTool(t, cs, "create_handoff", map[string]any{
		"from_agent": "planner",
		"to_agent":   "builder",
		"task":       "Write the migration",
		"priority":   "high",
		"sla_hours":  2,
	}))
	assert.Equal(t, "pending", created.Status)
	assert.NotEmpty(t, created.SLADeadline)

	accepted := structured[handoffView](t, callTool(t, cs, "accept_handoff", map[string]any{
		"handoff_id": created.ID,
		"actor":      "builder",
	}))
	assert.Equal(t, "active", accepted.Status)

	done := structured[handoffView](t, callTool(t, cs, "complete_handoff", map[string]any{
		"handoff_id": created.ID,
		"outputs":    map[string]any{"migration": "003_add_index.sql"},
	}))
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "003_add_index.sql", done.Outputs["migration"])

	state := structured[workflowStateOutput](t, callTool(t, cs, "get_workflow_state", map[string]any{"handoff_id": created.ID}))
	require.Len(t, state.History, 2)
	assert.Equal(t, "builder", state.History[0].TriggeredBy)
	assert.Empty(t, state.NextStates)
	assert.False(t, state.IsOverdue)

	h, err := e.GetHandoff(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", string(h.Status))
}

func TestToolErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	cs := session(t, srv)

	res := callTool(t, cs, "accept_handoff", map[string]any{"handoff_id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(res), "not found")

	res = callTool(t, cs, "create_handoff", map[string]any{"task": "t", "priority": "urgent"})
	assert.True(t, res.IsError)

	res = callTool(t, cs, "create_handoff", map[string]any{"task": "t", "sla_hours": 1e12})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(res), "sla_hours")

	created := structured[handoffView](t, callTool(t, cs, "create_handoff", map[string]any{"task": "t"}))
	structured[handoffView](t, callTool(t, cs, "complete_handoff", map[string]any{"handoff_id": created.ID}))
	res = callTool(t, cs, "accept_handoff", map[string]any{"handoff_id": created.ID})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(res), "terminal")
}

func TestContextTools(t *testing.T) {
	srv, _ := newTestServer(t)
	cs := session(t, srv)
	created := structured[handoffView](t, callTool(t, cs, "create_handoff", map[string]any{"task": "review"}))

	att := structured[attachmentView](t, callTool(t, cs, "attach_context", map[string]any{
		"handoff_id":  created.ID,
		"kind":        "decision_log",
		"data":        map[string]any{"decision": "use sqlite", "rationale": "single binary"},
		"attached_by": "architect",
	}))
	assert.Equal(t, "architect", att.AttachedBy)

	res := callTool(t, cs, "attach_context", map[string]any{
		"handoff_id": created.ID,
		"kind":       "code_review",
		"data":       map[string]any{"summary": "ok"},
	})
	assert.True(t, res.IsError)

	out := structured[getContextOutput](t, callTool(t, cs, "get_context", map[string]any{"handoff_id": created.ID}))
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "decision_log", out.Items[0].Kind)
}

func TestCheckPermissionTool(t *testing.T) {
	srv, _ := newTestServer(t)
	cs := session(t, srv)
	out := structured[checkPermissionOutput](t, callTool(t, cs, "check_permission", map[string]any{
		"repo_owner":  "acme",
		"repo_name":   "api",
		"agent_slug":  "bot",
		"action_type": "read_file",
	}))
	assert.True(t, out.Permitted)
	assert.Equal(t, "T1", out.Tier)

	out = structured[checkPermissionOutput](t, callTool(t, cs, "check_permission", map[string]any{
		"repo_owner":  "acme",
		"repo_name":   "api",
		"agent_slug":  "bot",
		"action_type": "deploy_production",
	}))
	assert.False(t, out.Permitted)
	assert.Equal(t, 5, out.RequiredLevel)
}
