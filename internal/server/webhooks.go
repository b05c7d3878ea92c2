package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"agentrelay/internal/domain"
	"agentrelay/internal/engine"
	"agentrelay/internal/metrics"
)

const maxWebhookBody = 5 << 20

type WebhookConfig struct {
	// GitHubSecret verifies X-Hub-Signature-256. Deliveries are refused
	// while it is empty.
	GitHubSecret    string
	DefaultSLAHours float64
	DefaultToAgent  string
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		Draft   bool   `json:"draft"`
		Merged  bool   `json:"merged"`
		HTMLURL string `json:"html_url"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

type githubWebhook struct {
	engine  *engine.Engine
	cfg     WebhookConfig
	metrics *metrics.Recorder
	logger  *zap.Logger

	// serializes the lookup-then-create of redelivered events
	mu sync.Mutex
}

func newGitHubWebhook(e *engine.Engine, cfg WebhookConfig, rec *metrics.Recorder, logger *zap.Logger) *githubWebhook {
	return &githubWebhook{
		engine:  e,
		cfg:     cfg,
		metrics: rec,
		logger:  logger.With(zap.String("webhook", "github")),
	}
}

// verifySignature checks a "sha256=<hex>" header against body.
func verifySignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignPayload returns the X-Hub-Signature-256 value for body.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (g *githubWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")

	if g.cfg.GitHubSecret == "" {
		g.metrics.WebhookEvent(event, "", "rejected")
		g.logger.Warn("webhook delivery refused, no secret configured", zap.String("delivery", delivery))
		respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "webhook_not_configured", "webhook secret is not configured", nil))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.metrics.WebhookEvent(event, "", "rejected")
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds 5 MiB", nil))
			return
		}
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "read body: "+err.Error(), nil))
		return
	}
	if !verifySignature(g.cfg.GitHubSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		g.metrics.WebhookEvent(event, "", "rejected")
		g.logger.Warn("webhook signature mismatch", zap.String("delivery", delivery))
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "signature verification failed", nil))
		return
	}

	switch event {
	case "ping":
		g.metrics.WebhookEvent(event, "", "pong")
		writeJSON(w, http.StatusOK, map[string]any{"status": "pong"})
		return
	case "pull_request":
	default:
		g.metrics.WebhookEvent(event, "", "ignored")
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ignored", "event": event})
		return
	}

	var evt pullRequestEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload: "+err.Error(), nil))
		return
	}
	number := evt.PullRequest.Number
	if number == 0 {
		number = evt.Number
	}
	if evt.Repository.FullName == "" || number == 0 {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "repository.full_name and pull request number are required", nil))
		return
	}

	log := g.logger.With(
		zap.String("delivery", delivery),
		zap.String("action", evt.Action),
		zap.String("repository", evt.Repository.FullName),
		zap.Int("pr", number),
	)
	g.mu.Lock()
	defer g.mu.Unlock()

	switch evt.Action {
	case "opened", "reopened", "ready_for_review":
		g.opened(w, r, evt, number, delivery, log)
	case "closed":
		g.closed(w, r, evt, number, log)
	default:
		g.metrics.WebhookEvent(event, evt.Action, "ignored")
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ignored", "action": evt.Action})
	}
}

func (g *githubWebhook) open(r *http.Request, repository string, number int) ([]domain.Handoff, error) {
	items, err := g.engine.ListHandoffs(r.Context(), engine.ListFilter{Repository: repository, IssueNumber: &number})
	if err != nil {
		return nil, err
	}
	open := items[:0]
	for _, h := range items {
		if !engine.IsTerminalState(h.Status) {
			open = append(open, h)
		}
	}
	return open, nil
}

func (g *githubWebhook) opened(w http.ResponseWriter, r *http.Request, evt pullRequestEvent, number int, delivery string, log *zap.Logger) {
	if evt.PullRequest.Draft {
		g.metrics.WebhookEvent("pull_request", evt.Action, "draft")
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "skipped", "reason": "draft"})
		return
	}
	existing, err := g.open(r, evt.Repository.FullName, number)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	if len(existing) > 0 {
		g.metrics.WebhookEvent("pull_request", evt.Action, "exists")
		writeJSON(w, http.StatusOK, map[string]any{"status": "exists", "handoff_id": existing[0].ID})
		return
	}

	repository := evt.Repository.FullName
	in := engine.CreateInput{
		Task:               evt.PullRequest.Title,
		Context:            evt.PullRequest.Body,
		Priority:           domain.PriorityMedium,
		RepositoryFullName: &repository,
		IssueNumber:        &number,
	}
	if in.Task == "" {
		in.Task = "Review " + repository + " pull request"
	}
	if login := evt.PullRequest.User.Login; login != "" {
		in.FromAgent = &login
	} else if login := evt.Sender.Login; login != "" {
		in.FromAgent = &login
	}
	if g.cfg.DefaultToAgent != "" {
		to := g.cfg.DefaultToAgent
		in.ToAgent = &to
	}
	if g.cfg.DefaultSLAHours > 0 {
		sla := g.cfg.DefaultSLAHours
		in.SLAHours = &sla
	}
	h, err := g.engine.CreateHandoff(r.Context(), in, map[string]any{
		"source":      "github",
		"delivery_id": delivery,
		"pr_url":      evt.PullRequest.HTMLURL,
		"head_ref":    evt.PullRequest.Head.Ref,
		"base_ref":    evt.PullRequest.Base.Ref,
	})
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	g.metrics.WebhookEvent("pull_request", evt.Action, "created")
	log.Info("handoff created from pull request", zap.String("handoff_id", h.ID))
	writeJSON(w, http.StatusCreated, map[string]any{"status": "created", "handoff": handoffResponse(g.engine, h)})
}

func (g *githubWebhook) closed(w http.ResponseWriter, r *http.Request, evt pullRequestEvent, number int, log *zap.Logger) {
	existing, err := g.open(r, evt.Repository.FullName, number)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	ids := make([]string, 0, len(existing))
	for _, h := range existing {
		if _, err := g.engine.AbandonHandoff(r.Context(), h.ID, engine.DefaultAbandonReason); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		ids = append(ids, h.ID)
	}
	g.metrics.WebhookEvent("pull_request", evt.Action, "abandoned")
	log.Info("handoffs abandoned for closed pull request", zap.Strings("handoff_ids", ids), zap.Bool("merged", evt.PullRequest.Merged))
	writeJSON(w, http.StatusOK, map[string]any{"status": "abandoned", "handoff_ids": ids})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
