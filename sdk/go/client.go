package relaysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal relay HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Handoff represents the API handoff model.
type Handoff struct {
	ID                 string         `json:"id"`
	FromAgent          *string        `json:"from_agent,omitempty"`
	ToAgent            *string        `json:"to_agent,omitempty"`
	Task               string         `json:"task"`
	Context            string         `json:"context"`
	Priority           string         `json:"priority"`
	Status             string         `json:"status"`
	CompletedWork      []string       `json:"completed_work"`
	Blockers           []string       `json:"blockers"`
	Dependencies       []string       `json:"dependencies"`
	Outputs            map[string]any `json:"outputs"`
	SLAHours           *float64       `json:"sla_hours,omitempty"`
	SLADeadline        *time.Time     `json:"sla_deadline,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	AcknowledgedAt     *time.Time     `json:"acknowledged_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	FailedAt           *time.Time     `json:"failed_at,omitempty"`
	FailureReason      *string        `json:"failure_reason,omitempty"`
	RepositoryFullName *string        `json:"repository_full_name,omitempty"`
	IssueNumber        *int           `json:"issue_number,omitempty"`
	Metadata           map[string]any `json:"metadata"`
	IsOverdue          bool           `json:"is_overdue"`
	NextStates         []string       `json:"next_states"`
}

// CreateHandoffRequest mirrors the create payload. Zero fields are omitted.
type CreateHandoffRequest struct {
	FromAgent          string         `json:"from_agent,omitempty"`
	ToAgent            string         `json:"to_agent,omitempty"`
	Task               string         `json:"task"`
	Context            string         `json:"context,omitempty"`
	Priority           string         `json:"priority,omitempty"`
	CompletedWork      []string       `json:"completed_work,omitempty"`
	Blockers           []string       `json:"blockers,omitempty"`
	Dependencies       []string       `json:"dependencies,omitempty"`
	SLAHours           float64        `json:"sla_hours,omitempty"`
	RepositoryFullName string         `json:"repository_full_name,omitempty"`
	IssueNumber        int            `json:"issue_number,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// ListOptions filters ListHandoffs.
type ListOptions struct {
	Status      string
	ToAgent     string
	FromAgent   string
	Repository  string
	IssueNumber int
}

// StateChange is one audit record.
type StateChange struct {
	ID          string         `json:"id"`
	HandoffID   string         `json:"handoff_id"`
	FromState   string         `json:"from_state"`
	ToState     string         `json:"to_state"`
	Reason      string         `json:"reason"`
	TriggeredBy string         `json:"triggered_by"`
	CommentID   *int64         `json:"comment_id,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

type Stats struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	ByPriority         map[string]int `json:"by_priority"`
	AvgCompletionHours *float64       `json:"avg_completion_hours"`
	SLAComplianceRate  float64        `json:"sla_compliance_rate"`
	Overdue            int            `json:"overdue"`
}

// Dial is a repository's autonomy level.
type Dial struct {
	Owner           string         `json:"owner"`
	Repo            string         `json:"repo"`
	Level           int            `json:"level"`
	UpdatedBy       string         `json:"updated_by,omitempty"`
	UpdatedAt       *time.Time     `json:"updated_at,omitempty"`
	IsDefault       bool           `json:"is_default"`
	EnvironmentCaps map[string]int `json:"environment_caps"`
}

// Decision is the result of a dial or permission check.
type Decision struct {
	Permitted      bool   `json:"permitted"`
	DialLevel      int    `json:"dial_level"`
	EffectiveLevel int    `json:"effective_level"`
	RequiredLevel  int    `json:"required_level"`
	Tier           string `json:"tier"`
	ActionType     string `json:"action_type"`
	IsKnownAction  bool   `json:"is_known_action"`
	Environment    string `json:"environment,omitempty"`
	IsDefaultLevel bool   `json:"is_default_level"`
	Reason         string `json:"reason"`
	AgentSlug      string `json:"agent_slug,omitempty"`
}

// PermissionRequest mirrors the permission check payload.
type PermissionRequest struct {
	RepoOwner  string `json:"repo_owner"`
	RepoName   string `json:"repo_name"`
	AgentSlug  string `json:"agent_slug"`
	ActionType string `json:"action_type"`
	EnvTier    string `json:"env_tier,omitempty"`
}

type Action struct {
	ActionType    string `json:"action_type"`
	Tier          string `json:"tier"`
	RequiredLevel int    `json:"required_level"`
}

type Tier struct {
	Tier          string   `json:"tier"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	RequiredLevel int      `json:"required_level"`
	ActionCount   int      `json:"action_count"`
	Actions       []string `json:"actions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateHandoff creates a handoff.
func (c *Client) CreateHandoff(ctx context.Context, req CreateHandoffRequest) (Handoff, error) {
	var resp Handoff
	err := c.do(ctx, http.MethodPost, "handoffs", req, &resp)
	return resp, err
}

// GetHandoff fetches a handoff by id.
func (c *Client) GetHandoff(ctx context.Context, id string) (Handoff, error) {
	var resp Handoff
	err := c.do(ctx, http.MethodGet, "handoffs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListHandoffs returns handoffs matching opts, newest first.
func (c *Client) ListHandoffs(ctx context.Context, opts ListOptions) ([]Handoff, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.ToAgent != "" {
		q.Set("to_agent", opts.ToAgent)
	}
	if opts.FromAgent != "" {
		q.Set("from_agent", opts.FromAgent)
	}
	if opts.Repository != "" {
		q.Set("repository", opts.Repository)
	}
	if opts.IssueNumber > 0 {
		q.Set("issue_number", strconv.Itoa(opts.IssueNumber))
	}
	endpoint := "handoffs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Handoff `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AcceptHandoff moves a pending handoff to active as the calling actor.
func (c *Client) AcceptHandoff(ctx context.Context, id string) (Handoff, error) {
	var resp Handoff
	err := c.do(ctx, http.MethodPost, "handoffs/"+url.PathEscape(id)+"/accept", nil, &resp)
	return resp, err
}

// CompleteHandoff completes a handoff, merging outputs.
func (c *Client) CompleteHandoff(ctx context.Context, id string, outputs map[string]any) (Handoff, error) {
	var body any
	if len(outputs) > 0 {
		body = map[string]any{"outputs": outputs}
	}
	var resp Handoff
	err := c.do(ctx, http.MethodPost, "handoffs/"+url.PathEscape(id)+"/complete", body, &resp)
	return resp, err
}

// FailHandoff fails a handoff with reason.
func (c *Client) FailHandoff(ctx context.Context, id, reason string) (Handoff, error) {
	var resp Handoff
	err := c.do(ctx, http.MethodPost, "handoffs/"+url.PathEscape(id)+"/fail", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AbandonHandoff fails a handoff as abandoned.
func (c *Client) AbandonHandoff(ctx context.Context, id, reason string) (Handoff, error) {
	var resp Handoff
	err := c.do(ctx, http.MethodPost, "handoffs/"+url.PathEscape(id)+"/abandon", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// History returns the state changes of a handoff in order.
func (c *Client) History(ctx context.Context, id string) ([]StateChange, error) {
	var resp struct {
		Items []StateChange `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "handoffs/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp.Items, err
}

// Stats returns aggregate handoff statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "handoffs/stats", nil, &resp)
	return resp, err
}

// GetDial returns the dial of owner/repo.
func (c *Client) GetDial(ctx context.Context, owner, repo string) (Dial, error) {
	var resp Dial
	err := c.do(ctx, http.MethodGet, repoPath(owner, repo, "dial"), nil, &resp)
	return resp, err
}

// SetDial sets the dial level (1-5) of owner/repo.
func (c *Client) SetDial(ctx context.Context, owner, repo string, level int) (Dial, error) {
	var resp Dial
	err := c.do(ctx, http.MethodPut, repoPath(owner, repo, "dial"), map[string]any{"level": level}, &resp)
	return resp, err
}

// SetLegacyDial sets the dial from the old 1-11 scale.
func (c *Client) SetLegacyDial(ctx context.Context, owner, repo string, legacyLevel int) (Dial, error) {
	var resp Dial
	err := c.do(ctx, http.MethodPut, repoPath(owner, repo, "dial"), map[string]any{"legacy_level": legacyLevel}, &resp)
	return resp, err
}

// CheckDial decides action against the dial of owner/repo in env.
func (c *Client) CheckDial(ctx context.Context, owner, repo, action, env string) (Decision, error) {
	body := map[string]any{"action_type": action}
	if env != "" {
		body["env_tier"] = env
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, repoPath(owner, repo, "dial/check"), body, &resp)
	return resp, err
}

// CheckPermission runs the permission checker.
func (c *Client) CheckPermission(ctx context.Context, req PermissionRequest) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "permissions/check", req, &resp)
	return resp, err
}

// Actions lists the classified actions, optionally for one tier.
func (c *Client) Actions(ctx context.Context, tier string) ([]Action, error) {
	endpoint := "actions"
	if tier != "" {
		endpoint += "?tier=" + url.QueryEscape(tier)
	}
	var resp struct {
		Items []Action `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Tiers returns the tier summary.
func (c *Client) Tiers(ctx context.Context) ([]Tier, error) {
	var resp struct {
		Items []Tier `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "actions/tiers", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func repoPath(owner, repo, p string) string {
	return fmt.Sprintf("repos/%s/%s/%s", url.PathEscape(owner), url.PathEscape(repo), p)
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
