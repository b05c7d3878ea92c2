package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentrelay/internal/domain"
)

// SQLite stores handoffs, state changes, dials and attachments in a
// database/sql handle opened by internal/db.
type SQLite struct {
	DB *sql.DB
}

const handoffColumns = `id,from_agent,to_agent,task,context,priority,status,sla_hours,sla_deadline,
created_at,updated_at,acknowledged_at,in_progress_at,completed_at,failed_at,failure_reason,
repository_full_name,issue_number,tier,completed_work_json,blockers_json,dependencies_json,
outputs_json,teams_json,metadata_json,initiated_comment_id,accepted_comment_id,completed_comment_id`

// handoffUpdateSet rewrites every column but id and created_at on conflict.
// REPLACE would delete the row and cascade into state_changes.
var handoffUpdateSet = func() string {
	var sets []string
	for _, col := range strings.Split(handoffColumns, ",") {
		col = strings.TrimSpace(col)
		if col == "id" || col == "created_at" {
			continue
		}
		sets = append(sets, col+"=excluded."+col)
	}
	return strings.Join(sets, ",")
}()

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHandoff(row rowScanner) (domain.Handoff, error) {
	var (
		h                                                   domain.Handoff
		fromAgent, toAgent, failureReason, repoName, tier   sql.NullString
		slaDeadline, acked, inProgress, completed, failedAt sql.NullString
		createdAt, updatedAt                                string
		slaHours                                            sql.NullFloat64
		issue                                               sql.NullInt64
		initiated, accepted, completedComment               sql.NullInt64
		work, blockers, deps, outputs, teams, meta          string
		priority, status                                    string
	)
	err := row.Scan(&h.ID, &fromAgent, &toAgent, &h.Task, &h.Context, &priority, &status, &slaHours, &slaDeadline,
		&createdAt, &updatedAt, &acked, &inProgress, &completed, &failedAt, &failureReason,
		&repoName, &issue, &tier, &work, &blockers, &deps,
		&outputs, &teams, &meta, &initiated, &accepted, &completedComment)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.Priority = domain.Priority(priority)
	h.Status = domain.Status(status)
	h.FromAgent = nullString(fromAgent)
	h.ToAgent = nullString(toAgent)
	h.FailureReason = nullString(failureReason)
	h.RepositoryFullName = nullString(repoName)
	h.Tier = nullString(tier)
	if slaHours.Valid {
		v := slaHours.Float64
		h.SLAHours = &v
	}
	if issue.Valid {
		v := int(issue.Int64)
		h.IssueNumber = &v
	}
	h.InitiatedCommentID = nullInt64(initiated)
	h.AcceptedCommentID = nullInt64(accepted)
	h.CompletedCommentID = nullInt64(completedComment)
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return h, fmt.Errorf("handoff %s created_at: %w", h.ID, err)
	}
	if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return h, fmt.Errorf("handoff %s updated_at: %w", h.ID, err)
	}
	for _, ts := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{slaDeadline, &h.SLADeadline},
		{acked, &h.AcknowledgedAt},
		{inProgress, &h.InProgressAt},
		{completed, &h.CompletedAt},
		{failedAt, &h.FailedAt},
	} {
		if !ts.src.Valid {
			continue
		}
		t, err := parseTime(ts.src.String)
		if err != nil {
			return h, fmt.Errorf("handoff %s timestamp: %w", h.ID, err)
		}
		*ts.dst = &t
	}
	for _, js := range []struct {
		src string
		dst any
	}{
		{work, &h.CompletedWork},
		{blockers, &h.Blockers},
		{deps, &h.Dependencies},
		{outputs, &h.Outputs},
		{teams, &h.Teams},
		{meta, &h.Metadata},
	} {
		if err := json.Unmarshal([]byte(js.src), js.dst); err != nil {
			return h, fmt.Errorf("handoff %s json column: %w", h.ID, err)
		}
	}
	return h.Clone(), nil
}

func handoffArgs(h domain.Handoff) ([]any, error) {
	cols := []any{h.CompletedWork, h.Blockers, h.Dependencies, h.Outputs, h.Teams, h.Metadata}
	encoded := make([]any, len(cols))
	for i, c := range cols {
		b, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal handoff column: %w", err)
		}
		encoded[i] = string(b)
	}
	args := []any{
		h.ID, ptrValue(h.FromAgent), ptrValue(h.ToAgent), h.Task, h.Context, string(h.Priority), string(h.Status),
		ptrValue(h.SLAHours), timeValue(h.SLADeadline),
		formatTime(h.CreatedAt), formatTime(h.UpdatedAt), timeValue(h.AcknowledgedAt), timeValue(h.InProgressAt),
		timeValue(h.CompletedAt), timeValue(h.FailedAt), ptrValue(h.FailureReason),
		ptrValue(h.RepositoryFullName), ptrValue(h.IssueNumber), ptrValue(h.Tier),
	}
	args = append(args, encoded...)
	args = append(args, ptrValue(h.InitiatedCommentID), ptrValue(h.AcceptedCommentID), ptrValue(h.CompletedCommentID))
	return args, nil
}

func (r SQLite) GetHandoff(ctx context.Context, id string) (domain.Handoff, error) {
	return scanHandoff(r.DB.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id=?`, id))
}

func (r SQLite) PutHandoff(ctx context.Context, h domain.Handoff) error {
	return upsertHandoff(ctx, r.DB, h)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertHandoff(ctx context.Context, db execer, h domain.Handoff) error {
	args, err := handoffArgs(h)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	_, err = db.ExecContext(ctx, `INSERT INTO handoffs(`+handoffColumns+`) VALUES (`+placeholders+`)
ON CONFLICT(id) DO UPDATE SET `+handoffUpdateSet, args...)
	if err != nil {
		return fmt.Errorf("upsert handoff: %w", err)
	}
	return nil
}

func (r SQLite) CommitTransition(ctx context.Context, h domain.Handoff, scs ...domain.StateChange) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM handoffs WHERE id=?`, h.ID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if err := upsertHandoff(ctx, tx, h); err != nil {
		return err
	}
	for _, sc := range scs {
		meta, err := json.Marshal(nonNilMap(sc.Metadata))
		if err != nil {
			return fmt.Errorf("marshal state change metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state_changes(id,handoff_id,from_state,to_state,reason,triggered_by,comment_id,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			sc.ID, sc.HandoffID, string(sc.FromState), string(sc.ToState), sc.Reason, sc.TriggeredBy, ptrValue(sc.CommentID), string(meta), formatTime(sc.CreatedAt)); err != nil {
			return fmt.Errorf("insert state change: %w", err)
		}
	}
	return tx.Commit()
}

func (r SQLite) DeleteHandoff(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM handoffs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r SQLite) ListHandoffs(ctx context.Context, f HandoffFilter) ([]domain.Handoff, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != nil {
		clauses = append(clauses, "status=?")
		args = append(args, string(*f.Status))
	}
	if f.ToAgent != "" {
		clauses = append(clauses, "to_agent=?")
		args = append(args, f.ToAgent)
	}
	if f.FromAgent != "" {
		clauses = append(clauses, "from_agent=?")
		args = append(args, f.FromAgent)
	}
	if f.Repository != "" {
		clauses = append(clauses, "repository_full_name=?")
		args = append(args, f.Repository)
	}
	if f.IssueNumber != nil {
		clauses = append(clauses, "issue_number=?")
		args = append(args, *f.IssueNumber)
	}
	query := `SELECT ` + handoffColumns + ` FROM handoffs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Handoff{}
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r SQLite) ListStateChanges(ctx context.Context, handoffID string) ([]domain.StateChange, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,handoff_id,from_state,to_state,reason,triggered_by,comment_id,metadata_json,created_at
FROM state_changes WHERE handoff_id=? ORDER BY created_at, rowid`, handoffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StateChange{}
	for rows.Next() {
		var (
			sc             domain.StateChange
			from, to, meta string
			createdAt      string
			commentID      sql.NullInt64
		)
		if err := rows.Scan(&sc.ID, &sc.HandoffID, &from, &to, &sc.Reason, &sc.TriggeredBy, &commentID, &meta, &createdAt); err != nil {
			return nil, err
		}
		sc.FromState = domain.Status(from)
		sc.ToState = domain.Status(to)
		sc.CommentID = nullInt64(commentID)
		if err := json.Unmarshal([]byte(meta), &sc.Metadata); err != nil {
			return nil, fmt.Errorf("state change %s metadata: %w", sc.ID, err)
		}
		if sc.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

func (r SQLite) GetDial(ctx context.Context, owner, repo string) (domain.DialRecord, error) {
	var (
		rec                  domain.DialRecord
		createdAt, updatedAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT owner,repo,level,updated_by,created_at,updated_at FROM dials WHERE owner=? AND repo=?`, owner, repo).
		Scan(&rec.Owner, &rec.Repo, &rec.Level, &rec.UpdatedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	return rec, parseDialTimes(&rec, createdAt, updatedAt)
}

func (r SQLite) PutDial(ctx context.Context, rec domain.DialRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO dials(owner,repo,level,updated_by,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(owner,repo) DO UPDATE SET level=excluded.level, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		rec.Owner, rec.Repo, rec.Level, rec.UpdatedBy, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	return err
}

func (r SQLite) ListDials(ctx context.Context) ([]domain.DialRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT owner,repo,level,updated_by,created_at,updated_at FROM dials ORDER BY owner, repo`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.DialRecord{}
	for rows.Next() {
		var (
			rec                  domain.DialRecord
			createdAt, updatedAt string
		)
		if err := rows.Scan(&rec.Owner, &rec.Repo, &rec.Level, &rec.UpdatedBy, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := parseDialTimes(&rec, createdAt, updatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func parseDialTimes(rec *domain.DialRecord, createdAt, updatedAt string) error {
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return fmt.Errorf("dial %s/%s created_at: %w", rec.Owner, rec.Repo, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return fmt.Errorf("dial %s/%s updated_at: %w", rec.Owner, rec.Repo, err)
	}
	return nil
}

func (r SQLite) PutAttachment(ctx context.Context, a domain.ContextAttachment) error {
	data, err := json.Marshal(nonNilMap(a.Data))
	if err != nil {
		return fmt.Errorf("marshal attachment: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO context_attachments(id,handoff_id,kind,data_json,attached_by,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.HandoffID, a.Kind, string(data), a.AttachedBy, formatTime(a.CreatedAt))
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "foreign key") {
		return ErrNotFound
	}
	return err
}

func (r SQLite) ListAttachments(ctx context.Context, handoffID string) ([]domain.ContextAttachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,handoff_id,kind,data_json,attached_by,created_at FROM context_attachments WHERE handoff_id=? ORDER BY created_at, rowid`, handoffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ContextAttachment{}
	for rows.Next() {
		var (
			a               domain.ContextAttachment
			data, createdAt string
		)
		if err := rows.Scan(&a.ID, &a.HandoffID, &a.Kind, &data, &a.AttachedBy, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &a.Data); err != nil {
			return nil, fmt.Errorf("attachment %s data: %w", a.ID, err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- helpers ---

func ptrValue[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// IsNotFound reports whether err is a not-found error from any store.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
