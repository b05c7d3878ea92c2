// Package mcp exposes the handoff engine and the autonomy checker as MCP
// tools so agents can drive handoffs from a tool-calling session.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"agentrelay/internal/ctxstore"
	"agentrelay/internal/domain"
	"agentrelay/internal/engine"
	"agentrelay/internal/engine/autonomy"
)

// Server wraps the relay services behind MCP tools.
type Server struct {
	server  *gomcp.Server
	engine  *engine.Engine
	context *ctxstore.Store
	checker *autonomy.Checker
	logger  *zap.Logger
}

func NewServer(e *engine.Engine, cs *ctxstore.Store, checker *autonomy.Checker, logger *zap.Logger, version string) *Server {
	if version == "" {
		version = "dev"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:  e,
		context: cs,
		checker: checker,
		logger:  logger.With(zap.String("component", "mcp")),
	}
	s.server = gomcp.NewServer(&gomcp.Implementation{Name: "relay", Version: version}, nil)
	s.registerTools()
	return s
}

// Run serves over stdio until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying server, for in-memory transports in tests.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type handoffView struct {
	ID                 string         `json:"id"`
	FromAgent          string         `json:"from_agent,omitempty"`
	ToAgent            string         `json:"to_agent,omitempty"`
	Task               string         `json:"task"`
	Context            string         `json:"context,omitempty"`
	Priority           string         `json:"priority"`
	Status             string         `json:"status"`
	CompletedWork      []string       `json:"completed_work"`
	Blockers           []string       `json:"blockers"`
	Dependencies       []string       `json:"dependencies"`
	Outputs            map[string]any `json:"outputs"`
	SLADeadline        string         `json:"sla_deadline,omitempty"`
	CreatedAt          string         `json:"created_at"`
	UpdatedAt          string         `json:"updated_at"`
	CompletedAt        string         `json:"completed_at,omitempty"`
	FailureReason      string         `json:"failure_reason,omitempty"`
	RepositoryFullName string         `json:"repository_full_name,omitempty"`
	IssueNumber        int            `json:"issue_number,omitempty"`
}

type stateChangeView struct {
	FromState   string `json:"from_state"`
	ToState     string `json:"to_state"`
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
	CreatedAt   string `json:"created_at"`
}

type createHandoffInput struct {
	FromAgent          string         `json:"from_agent,omitempty" jsonschema:"agent handing the work off"`
	ToAgent            string         `json:"to_agent,omitempty" jsonschema:"agent receiving the work"`
	Task               string         `json:"task" jsonschema:"what the receiving agent should do"`
	Context            string         `json:"context,omitempty" jsonschema:"free-form background for the task"`
	Priority           string         `json:"priority,omitempty" jsonschema:"low, medium, high or critical; defaults to medium"`
	CompletedWork      []string       `json:"completed_work,omitempty"`
	Blockers           []string       `json:"blockers,omitempty"`
	SLAHours           float64        `json:"sla_hours,omitempty" jsonschema:"hours until the handoff is overdue"`
	RepositoryFullName string         `json:"repository_full_name,omitempty" jsonschema:"owner/repo the work belongs to"`
	IssueNumber        int            `json:"issue_number,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

type handoffIDInput struct {
	HandoffID string `json:"handoff_id" jsonschema:"the handoff identifier"`
}

type acceptHandoffInput struct {
	HandoffID string `json:"handoff_id" jsonschema:"the handoff identifier"`
	Actor     string `json:"actor,omitempty" jsonschema:"agent accepting the handoff"`
}

type completeHandoffInput struct {
	HandoffID string         `json:"handoff_id" jsonschema:"the handoff identifier"`
	Outputs   map[string]any `json:"outputs,omitempty" jsonschema:"results merged into the handoff outputs"`
}

type workflowStateOutput struct {
	Handoff    handoffView       `json:"handoff"`
	History    []stateChangeView `json:"history"`
	IsOverdue  bool              `json:"is_overdue"`
	NextStates []string          `json:"next_states"`
}

type attachContextInput struct {
	HandoffID  string         `json:"handoff_id" jsonschema:"the handoff identifier"`
	Kind       string         `json:"kind" jsonschema:"context kind, e.g. code_review, test_results, decision_log, file_changes"`
	Data       map[string]any `json:"data" jsonschema:"payload validated against the kind's schema"`
	AttachedBy string         `json:"attached_by,omitempty"`
}

type attachmentView struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Data       map[string]any `json:"data"`
	AttachedBy string         `json:"attached_by"`
	CreatedAt  string         `json:"created_at"`
}

type getContextInput struct {
	HandoffID string `json:"handoff_id" jsonschema:"the handoff identifier"`
	Kind      string `json:"kind,omitempty" jsonschema:"only return attachments of this kind"`
}

type getContextOutput struct {
	Items []attachmentView `json:"items"`
	Count int              `json:"count"`
}

type checkPermissionOutput struct {
	Permitted      bool   `json:"permitted"`
	Tier           string `json:"tier"`
	DialLevel      int    `json:"dial_level"`
	EffectiveLevel int    `json:"effective_level"`
	RequiredLevel  int    `json:"required_level"`
	IsKnownAction  bool   `json:"is_known_action"`
	Reason         string `json:"reason"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "create_handoff",
		Description: "Create a pending handoff of a task from one agent to another.",
	}, s.handleCreateHandoff)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "accept_handoff",
		Description: "Accept a pending handoff, moving it to active.",
	}, s.handleAcceptHandoff)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "complete_handoff",
		Description: "Complete a handoff with optional outputs. Pending handoffs are accepted first.",
	}, s.handleCompleteHandoff)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_workflow_state",
		Description: "Get a handoff with its state history, overdue flag and reachable next states.",
	}, s.handleGetWorkflowState)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "attach_context",
		Description: "Attach schema-validated structured context to a handoff.",
	}, s.handleAttachContext)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_context",
		Description: "List the structured context attached to a handoff.",
	}, s.handleGetContext)

	if s.checker != nil {
		gomcp.AddTool(s.server, &gomcp.Tool{
			Name:        "check_permission",
			Description: "Check whether an agent may perform an action on a repository under its autonomy dial.",
		}, s.handleCheckPermission)
	}
}

// --- Tool handlers ---

func (s *Server) handleCreateHandoff(ctx context.Context, _ *gomcp.CallToolRequest, input createHandoffInput) (*gomcp.CallToolResult, handoffView, error) {
	if input.Task == "" {
		return errorResult("task is required"), handoffView{}, nil
	}
	in := engine.CreateInput{
		Task:          input.Task,
		Context:       input.Context,
		CompletedWork: input.CompletedWork,
		Blockers:      input.Blockers,
	}
	if input.Priority != "" {
		p, ok := domain.ParsePriority(input.Priority)
		if !ok {
			return errorResult(fmt.Sprintf("invalid priority %q: must be one of low, medium, high, critical", input.Priority)), handoffView{}, nil
		}
		in.Priority = p
	}
	if input.FromAgent != "" {
		in.FromAgent = &input.FromAgent
	}
	if input.ToAgent != "" {
		in.ToAgent = &input.ToAgent
	}
	if input.SLAHours < 0 || input.SLAHours > engine.MaxSLAHours {
		return errorResult(fmt.Sprintf("sla_hours must be between 0 and %.0f", engine.MaxSLAHours)), handoffView{}, nil
	}
	if input.SLAHours > 0 {
		in.SLAHours = &input.SLAHours
	}
	if input.RepositoryFullName != "" {
		in.RepositoryFullName = &input.RepositoryFullName
	}
	if input.IssueNumber > 0 {
		in.IssueNumber = &input.IssueNumber
	}
	h, err := s.engine.CreateHandoff(ctx, in, input.Metadata)
	if err != nil {
		return errorResult(fmt.Sprintf("creating handoff: %s", err)), handoffView{}, nil
	}
	return nil, toHandoffView(h), nil
}

func (s *Server) handleAcceptHandoff(ctx context.Context, _ *gomcp.CallToolRequest, input acceptHandoffInput) (*gomcp.CallToolResult, handoffView, error) {
	if input.HandoffID == "" {
		return errorResult("handoff_id is required"), handoffView{}, nil
	}
	actor := input.Actor
	if actor == "" {
		actor = "mcp"
	}
	h, err := s.engine.AcceptHandoff(ctx, input.HandoffID, actor)
	if err != nil {
		return errorResult(fmt.Sprintf("accepting handoff %s: %s", input.HandoffID, err)), handoffView{}, nil
	}
	if h == nil {
		return errorResult(fmt.Sprintf("handoff %s not found", input.HandoffID)), handoffView{}, nil
	}
	return nil, toHandoffView(*h), nil
}

func (s *Server) handleCompleteHandoff(ctx context.Context, _ *gomcp.CallToolRequest, input completeHandoffInput) (*gomcp.CallToolResult, handoffView, error) {
	if input.HandoffID == "" {
		return errorResult("handoff_id is required"), handoffView{}, nil
	}
	h, err := s.engine.CompleteHandoff(ctx, input.HandoffID, input.Outputs)
	if err != nil {
		return errorResult(fmt.Sprintf("completing handoff %s: %s", input.HandoffID, err)), handoffView{}, nil
	}
	if h == nil {
		return errorResult(fmt.Sprintf("handoff %s not found", input.HandoffID)), handoffView{}, nil
	}
	return nil, toHandoffView(*h), nil
}

func (s *Server) handleGetWorkflowState(ctx context.Context, _ *gomcp.CallToolRequest, input handoffIDInput) (*gomcp.CallToolResult, workflowStateOutput, error) {
	if input.HandoffID == "" {
		return errorResult("handoff_id is required"), workflowStateOutput{}, nil
	}
	h, err := s.engine.GetHandoff(ctx, input.HandoffID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting handoff %s: %s", input.HandoffID, err)), workflowStateOutput{}, nil
	}
	if h == nil {
		return errorResult(fmt.Sprintf("handoff %s not found", input.HandoffID)), workflowStateOutput{}, nil
	}
	history, err := s.engine.GetStateChangeHistory(ctx, h.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting history of %s: %s", h.ID, err)), workflowStateOutput{}, nil
	}
	out := workflowStateOutput{
		Handoff:    toHandoffView(*h),
		History:    make([]stateChangeView, 0, len(history)),
		IsOverdue:  s.engine.IsOverdue(*h),
		NextStates: []string{},
	}
	for _, sc := range history {
		out.History = append(out.History, stateChangeView{
			FromState:   string(sc.FromState),
			ToState:     string(sc.ToState),
			Reason:      sc.Reason,
			TriggeredBy: sc.TriggeredBy,
			CreatedAt:   formatTime(sc.CreatedAt),
		})
	}
	for _, st := range engine.NextStates(h.Status) {
		out.NextStates = append(out.NextStates, string(st))
	}
	return nil, out, nil
}

func (s *Server) handleAttachContext(ctx context.Context, _ *gomcp.CallToolRequest, input attachContextInput) (*gomcp.CallToolResult, attachmentView, error) {
	if input.HandoffID == "" || input.Kind == "" {
		return errorResult("handoff_id and kind are required"), attachmentView{}, nil
	}
	a, err := s.context.Attach(ctx, input.HandoffID, input.Kind, input.Data, input.AttachedBy)
	if err != nil {
		if errors.Is(err, domain.ErrSchemaRejected) {
			s.logger.Debug("context rejected", zap.String("handoff_id", input.HandoffID), zap.Error(err))
		}
		return errorResult(fmt.Sprintf("attaching %s context: %s", input.Kind, err)), attachmentView{}, nil
	}
	return nil, toAttachmentView(a), nil
}

func (s *Server) handleGetContext(ctx context.Context, _ *gomcp.CallToolRequest, input getContextInput) (*gomcp.CallToolResult, getContextOutput, error) {
	if input.HandoffID == "" {
		return errorResult("handoff_id is required"), getContextOutput{}, nil
	}
	items, err := s.context.List(ctx, input.HandoffID, input.Kind)
	if err != nil {
		return errorResult(fmt.Sprintf("listing context of %s: %s", input.HandoffID, err)), getContextOutput{}, nil
	}
	out := getContextOutput{Items: make([]attachmentView, 0, len(items)), Count: len(items)}
	for _, a := range items {
		out.Items = append(out.Items, toAttachmentView(a))
	}
	return nil, out, nil
}

func (s *Server) handleCheckPermission(ctx context.Context, _ *gomcp.CallToolRequest, input autonomy.CheckRequest) (*gomcp.CallToolResult, checkPermissionOutput, error) {
	res, err := s.checker.Check(ctx, input)
	if err != nil {
		return errorResult(fmt.Sprintf("checking permission: %s", err)), checkPermissionOutput{}, nil
	}
	return nil, checkPermissionOutput{
		Permitted:      res.Permitted,
		Tier:           string(res.Tier),
		DialLevel:      res.DialLevel,
		EffectiveLevel: res.EffectiveLevel,
		RequiredLevel:  res.RequiredLevel,
		IsKnownAction:  res.IsKnownAction,
		Reason:         res.Reason,
	}, nil
}

// --- Helpers ---

func toHandoffView(h domain.Handoff) handoffView {
	v := handoffView{
		ID:            h.ID,
		Task:          h.Task,
		Context:       h.Context,
		Priority:      string(h.Priority),
		Status:        string(h.Status),
		CompletedWork: h.CompletedWork,
		Blockers:      h.Blockers,
		Dependencies:  h.Dependencies,
		Outputs:       h.Outputs,
		CreatedAt:     formatTime(h.CreatedAt),
		UpdatedAt:     formatTime(h.UpdatedAt),
	}
	if h.FromAgent != nil {
		v.FromAgent = *h.FromAgent
	}
	if h.ToAgent != nil {
		v.ToAgent = *h.ToAgent
	}
	if h.SLADeadline != nil {
		v.SLADeadline = formatTime(*h.SLADeadline)
	}
	if h.CompletedAt != nil {
		v.CompletedAt = formatTime(*h.CompletedAt)
	}
	if h.FailureReason != nil {
		v.FailureReason = *h.FailureReason
	}
	if h.RepositoryFullName != nil {
		v.RepositoryFullName = *h.RepositoryFullName
	}
	if h.IssueNumber != nil {
		v.IssueNumber = *h.IssueNumber
	}
	return v
}

func toAttachmentView(a domain.ContextAttachment) attachmentView {
	return attachmentView{
		ID:         a.ID,
		Kind:       a.Kind,
		Data:       a.Data,
		AttachedBy: a.AttachedBy,
		CreatedAt:  formatTime(a.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
