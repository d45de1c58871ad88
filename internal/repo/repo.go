package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"phabbridge/internal/domain"
)

type Repo struct {
	DB *sqlx.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by *sqlx.DB and *sqlx.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func (r Repo) exec(tx *sqlx.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) query(tx *sqlx.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// GetOptions returns the stored options of a project.
func (r Repo) GetOptions(ctx context.Context, projectID string) (domain.ProjectOptions, error) {
	var o domain.ProjectOptions
	err := r.DB.GetContext(ctx, &o, `SELECT project_id,host,token,project_phids,updated_at FROM project_options WHERE project_id=?`, projectID)
	if err != nil {
		return domain.ProjectOptions{}, notFound(err)
	}
	return o, nil
}

// ListOptions returns the options of every project, ordered by project id.
func (r Repo) ListOptions(ctx context.Context) ([]domain.ProjectOptions, error) {
	var res []domain.ProjectOptions
	err := r.DB.SelectContext(ctx, &res, `SELECT project_id,host,token,project_phids,updated_at FROM project_options ORDER BY project_id`)
	return res, err
}

// UpsertOptions inserts or replaces a project's options.
func (r Repo) UpsertOptions(ctx context.Context, tx *sqlx.Tx, o domain.ProjectOptions) error {
	if strings.TrimSpace(o.ProjectID) == "" {
		return errors.New("project_id required")
	}
	if o.UpdatedAt == "" {
		o.UpdatedAt = now()
	}
	_, err := r.exec(tx).ExecContext(ctx, `
INSERT INTO project_options(project_id,host,token,project_phids,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET host=excluded.host, token=excluded.token, project_phids=excluded.project_phids, updated_at=excluded.updated_at`,
		o.ProjectID, o.Host, o.Token, o.ProjectPHIDs, o.UpdatedAt)
	return err
}

// DeleteOptions removes a project's options.
func (r Repo) DeleteOptions(ctx context.Context, tx *sqlx.Tx, projectID string) error {
	res, err := r.exec(tx).ExecContext(ctx, `DELETE FROM project_options WHERE project_id=?`, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertLink records the issue linked to a group, replacing any earlier link
// of the same group.
func (r Repo) UpsertLink(ctx context.Context, tx *sqlx.Tx, l domain.IssueLink) error {
	if l.ID == "" || l.ProjectID == "" || l.GroupID == "" || l.IssueID == "" {
		return errors.New("id, project_id, group_id and issue_id required")
	}
	if l.CreatedAt == "" {
		l.CreatedAt = now()
	}
	_, err := r.exec(tx).ExecContext(ctx, `
INSERT INTO issue_links(id,project_id,group_id,issue_id,issue_url,kind,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(project_id,group_id) DO UPDATE SET id=excluded.id, issue_id=excluded.issue_id, issue_url=excluded.issue_url, kind=excluded.kind, actor_id=excluded.actor_id, created_at=excluded.created_at`,
		l.ID, l.ProjectID, l.GroupID, l.IssueID, l.IssueURL, l.Kind, l.ActorID, l.CreatedAt)
	return err
}

// GetLink returns the issue linked to a group.
func (r Repo) GetLink(ctx context.Context, tx *sqlx.Tx, projectID, groupID string) (domain.IssueLink, error) {
	var l domain.IssueLink
	err := r.query(tx).GetContext(ctx, &l, `SELECT id,project_id,group_id,issue_id,issue_url,kind,actor_id,created_at FROM issue_links WHERE project_id=? AND group_id=?`, projectID, groupID)
	if err != nil {
		return domain.IssueLink{}, notFound(err)
	}
	return l, nil
}

// ListLinks returns a project's links, newest first. A non-empty issueID
// narrows the result to groups linked to that task.
func (r Repo) ListLinks(ctx context.Context, projectID, issueID string) ([]domain.IssueLink, error) {
	query := `SELECT id,project_id,group_id,issue_id,issue_url,kind,actor_id,created_at FROM issue_links WHERE project_id=?`
	args := []any{projectID}
	if issueID != "" {
		query += ` AND issue_id=?`
		args = append(args, issueID)
	}
	query += ` ORDER BY created_at DESC, id`
	var res []domain.IssueLink
	err := r.DB.SelectContext(ctx, &res, query, args...)
	return res, err
}

// DeleteLink removes the link of a group.
func (r Repo) DeleteLink(ctx context.Context, tx *sqlx.Tx, projectID, groupID string) error {
	res, err := r.exec(tx).ExecContext(ctx, `DELETE FROM issue_links WHERE project_id=? AND group_id=?`, projectID, groupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EventFilters narrows LatestEvents.
type EventFilters struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	// Cursor returns events with ids below it.
	Cursor int64
	Limit  int
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,'') AS project_id,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, f.Limit)
	var res []domain.Event
	if err := r.DB.SelectContext(ctx, &res, query, args...); err != nil {
		return nil, err
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,'') AS project_id,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	var res []domain.Event
	if err := r.DB.SelectContext(ctx, &res, query, args...); err != nil {
		return nil, err
	}
	return res, nil
}

// LatestEventID returns the most recent event ID, for one project or for all
// projects when projectID is empty.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.GetContext(ctx, &id, query, args...); err != nil {
		return 0, err
	}
	return id, nil
}
