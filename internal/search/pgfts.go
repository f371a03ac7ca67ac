package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Private annotations and their replies never match; the SQL enforces the same
// public-only rule the Meilisearch pipeline enforces at index time.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across annotations and replies using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	annWhere := "to_tsvector('english', a.content) @@ " + tsQuery + " AND a.is_private = FALSE"
	replyWhere := "to_tsvector('english', r.content) @@ " + tsQuery + " AND a.is_private = FALSE"
	if q.FilterTargetType != "" {
		cond := fmt.Sprintf(" AND a.target_type = $%d", argN)
		annWhere += cond
		replyWhere += cond
		args = append(args, q.FilterTargetType)
		argN++
	}
	if q.FilterTargetID != "" {
		cond := fmt.Sprintf(" AND a.target_id = $%d", argN)
		annWhere += cond
		replyWhere += cond
		args = append(args, q.FilterTargetID)
		argN++
	}

	subQueries := []string{
		fmt.Sprintf(`
			SELECT 'annotation'::text AS type, a.id,
				ts_headline('english', a.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.id AS annotation_id, a.target_type, a.target_id, a.workspace_id,
				ts_rank(to_tsvector('english', a.content), %s) AS rank
			FROM annotations a
			WHERE %s`, tsQuery, tsQuery, annWhere),
		fmt.Sprintf(`
			SELECT 'reply'::text AS type, r.id,
				ts_headline('english', r.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.id AS annotation_id, a.target_type, a.target_id, a.workspace_id,
				ts_rank(to_tsvector('english', r.content), %s) AS rank
			FROM replies r
			JOIN annotations a ON a.id = r.annotation_id
			WHERE %s`, tsQuery, tsQuery, replyWhere),
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, snippet, annotation_id, target_type, target_id, workspace_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Snippet, &r.AnnotationID, &r.TargetType, &r.TargetID, &r.WorkspaceID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all publicly searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]AnnotationRecord, []ReplyRecord, error) {
	annRows, err := p.db.QueryContext(ctx, `
		SELECT id, content, target_type, target_id, workspace_id, creator_id
		FROM annotations
		WHERE is_private = FALSE
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load annotations: %w", err)
	}
	defer annRows.Close()

	annotations := make([]AnnotationRecord, 0)
	for annRows.Next() {
		var a AnnotationRecord
		if err := annRows.Scan(&a.ID, &a.Content, &a.TargetType, &a.TargetID, &a.WorkspaceID, &a.CreatorID); err != nil {
			return nil, nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, a)
	}
	if err := annRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate annotations: %w", err)
	}

	replyRows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.content, r.annotation_id, a.target_type, a.target_id, a.workspace_id, r.user_id
		FROM replies r
		JOIN annotations a ON a.id = r.annotation_id
		WHERE a.is_private = FALSE
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load replies: %w", err)
	}
	defer replyRows.Close()

	replies := make([]ReplyRecord, 0)
	for replyRows.Next() {
		var r ReplyRecord
		if err := replyRows.Scan(&r.ID, &r.Content, &r.AnnotationID, &r.TargetType, &r.TargetID, &r.WorkspaceID, &r.UserID); err != nil {
			return nil, nil, fmt.Errorf("scan reply: %w", err)
		}
		replies = append(replies, r)
	}
	if err := replyRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate replies: %w", err)
	}

	return annotations, replies, nil
}
