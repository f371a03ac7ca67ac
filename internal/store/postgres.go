package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.marginalia.dev'))
		RETURNING id, display_name, email, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

const annotationColumns = `id, content, target_type, target_id, position, style, workspace_id, creator_id, is_private, is_resolved, created_at, updated_at`

func scanAnnotation(row interface{ Scan(...any) error }) (Annotation, error) {
	var item Annotation
	err := row.Scan(
		&item.ID,
		&item.Content,
		&item.TargetType,
		&item.TargetID,
		&item.Position,
		&item.Style,
		&item.WorkspaceID,
		&item.CreatorID,
		&item.IsPrivate,
		&item.IsResolved,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, item Annotation) (Annotation, error) {
	position := item.Position
	if len(position) == 0 {
		position = []byte(`{}`)
	}
	style := item.Style
	if len(style) == 0 {
		style = []byte(`{}`)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO annotations (id, content, target_type, target_id, position, style, workspace_id, creator_id, is_private)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+annotationColumns,
		item.ID, item.Content, item.TargetType, item.TargetID, position, style, item.WorkspaceID, item.CreatorID, item.IsPrivate)
	stored, err := scanAnnotation(row)
	if err != nil {
		return Annotation{}, fmt.Errorf("insert annotation: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, id string) (Annotation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id=$1`, id)
	item, err := scanAnnotation(row)
	if err != nil {
		return Annotation{}, err
	}
	return item, nil
}

// ListAnnotations returns the annotations on a target that viewerID may see:
// public rows plus the viewer's own private rows. workspaceID narrows the
// result when non-empty.
func (s *PostgresStore) ListAnnotations(ctx context.Context, targetType, targetID, viewerID, workspaceID string) ([]Annotation, error) {
	query := `
		SELECT ` + annotationColumns + `
		FROM annotations
		WHERE target_type=$1 AND target_id=$2
			AND (is_private = FALSE OR creator_id = $3)
	`
	args := []any{targetType, targetID, viewerID}
	if workspaceID != "" {
		query += ` AND workspace_id=$4`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateAnnotation(ctx context.Context, item Annotation) (Annotation, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE annotations
		SET content=$2, position=$3, style=$4, is_private=$5, is_resolved=$6, updated_at=NOW()
		WHERE id=$1
		RETURNING `+annotationColumns,
		item.ID, item.Content, item.Position, item.Style, item.IsPrivate, item.IsResolved)
	stored, err := scanAnnotation(row)
	if err != nil {
		return Annotation{}, fmt.Errorf("update annotation: %w", err)
	}
	return stored, nil
}

// DeleteAnnotation removes the annotation and all of its replies and mentions
// in one transaction. Children are deleted explicitly rather than relying on
// the schema's cascade so the behavior survives storage engines without
// foreign-key cascade support.
func (s *PostgresStore) DeleteAnnotation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete annotation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM mentions
		WHERE reply_id IN (SELECT id FROM replies WHERE annotation_id=$1)
	`, id); err != nil {
		return fmt.Errorf("delete reply mentions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mentions WHERE annotation_id=$1`, id); err != nil {
		return fmt.Errorf("delete annotation mentions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM replies WHERE annotation_id=$1`, id); err != nil {
		return fmt.Errorf("delete replies: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete annotation: %w", err)
	}
	return nil
}

const replyColumns = `id, annotation_id, content, user_id, created_at, updated_at`

func scanReply(row interface{ Scan(...any) error }) (Reply, error) {
	var item Reply
	err := row.Scan(&item.ID, &item.AnnotationID, &item.Content, &item.UserID, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) InsertReply(ctx context.Context, item Reply) (Reply, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO replies (id, annotation_id, content, user_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+replyColumns,
		item.ID, item.AnnotationID, item.Content, item.UserID)
	stored, err := scanReply(row)
	if err != nil {
		return Reply{}, fmt.Errorf("insert reply: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetReply(ctx context.Context, id string) (Reply, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+replyColumns+` FROM replies WHERE id=$1`, id)
	item, err := scanReply(row)
	if err != nil {
		return Reply{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListReplies(ctx context.Context, annotationID string) ([]Reply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+replyColumns+`
		FROM replies
		WHERE annotation_id=$1
		ORDER BY created_at
	`, annotationID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	items := make([]Reply, 0)
	for rows.Next() {
		item, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateReply(ctx context.Context, item Reply) (Reply, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE replies
		SET content=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+replyColumns,
		item.ID, item.Content)
	stored, err := scanReply(row)
	if err != nil {
		return Reply{}, fmt.Errorf("update reply: %w", err)
	}
	return stored, nil
}

// DeleteReply removes the reply and its mentions in one transaction.
func (s *PostgresStore) DeleteReply(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete reply: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mentions WHERE reply_id=$1`, id); err != nil {
		return fmt.Errorf("delete reply mentions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM replies WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete reply: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete reply: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMention(ctx context.Context, item Mention) (Mention, error) {
	var stored Mention
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO mentions (id, annotation_id, reply_id, user_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, annotation_id, reply_id, user_id, created_at
	`, item.ID, item.AnnotationID, item.ReplyID, item.UserID).
		Scan(&stored.ID, &stored.AnnotationID, &stored.ReplyID, &stored.UserID, &stored.CreatedAt)
	if err != nil {
		return Mention{}, fmt.Errorf("insert mention: %w", err)
	}
	return stored, nil
}

// ListUserMentions returns a user's mentions newest first, each joined with its
// parent annotation (and reply, for reply mentions).
func (s *PostgresStore) ListUserMentions(ctx context.Context, userID string) ([]UserMention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			m.id, m.annotation_id, m.reply_id, m.user_id, m.created_at,
			a.id, a.content, a.target_type, a.target_id, a.position, a.style,
			a.workspace_id, a.creator_id, a.is_private, a.is_resolved, a.created_at, a.updated_at,
			r.id, r.annotation_id, r.content, r.user_id, r.created_at, r.updated_at
		FROM mentions m
		LEFT JOIN replies r ON r.id = m.reply_id
		LEFT JOIN annotations a ON a.id = COALESCE(m.annotation_id, r.annotation_id)
		WHERE m.user_id=$1
		ORDER BY m.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user mentions: %w", err)
	}
	defer rows.Close()

	items := make([]UserMention, 0)
	for rows.Next() {
		var item UserMention
		var a struct {
			ID          sql.NullString
			Content     sql.NullString
			TargetType  sql.NullString
			TargetID    sql.NullString
			Position    []byte
			Style       []byte
			WorkspaceID sql.NullString
			CreatorID   sql.NullString
			IsPrivate   sql.NullBool
			IsResolved  sql.NullBool
			CreatedAt   sql.NullTime
			UpdatedAt   sql.NullTime
		}
		var r struct {
			ID           sql.NullString
			AnnotationID sql.NullString
			Content      sql.NullString
			UserID       sql.NullString
			CreatedAt    sql.NullTime
			UpdatedAt    sql.NullTime
		}
		if err := rows.Scan(
			&item.ID, &item.AnnotationID, &item.ReplyID, &item.UserID, &item.CreatedAt,
			&a.ID, &a.Content, &a.TargetType, &a.TargetID, &a.Position, &a.Style,
			&a.WorkspaceID, &a.CreatorID, &a.IsPrivate, &a.IsResolved, &a.CreatedAt, &a.UpdatedAt,
			&r.ID, &r.AnnotationID, &r.Content, &r.UserID, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user mention: %w", err)
		}
		if a.ID.Valid {
			item.Annotation = &Annotation{
				ID:          a.ID.String,
				Content:     a.Content.String,
				TargetType:  a.TargetType.String,
				TargetID:    a.TargetID.String,
				Position:    a.Position,
				Style:       a.Style,
				WorkspaceID: a.WorkspaceID.String,
				CreatorID:   a.CreatorID.String,
				IsPrivate:   a.IsPrivate.Bool,
				IsResolved:  a.IsResolved.Bool,
				CreatedAt:   a.CreatedAt.Time,
				UpdatedAt:   a.UpdatedAt.Time,
			}
		}
		if r.ID.Valid {
			item.Reply = &Reply{
				ID:           r.ID.String,
				AnnotationID: r.AnnotationID.String,
				Content:      r.Content.String,
				UserID:       r.UserID.String,
				CreatedAt:    r.CreatedAt.Time,
				UpdatedAt:    r.UpdatedAt.Time,
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user mentions: %w", err)
	}
	return items, nil
}
