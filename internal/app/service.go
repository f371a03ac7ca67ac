package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/bus"
	"marginalia/api/internal/config"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Workspace string
	ExpiresAt time.Time
}

type CreateAnnotationInput struct {
	Content     string          `json:"content"`
	TargetType  string          `json:"targetType"`
	TargetID    string          `json:"targetId"`
	Position    json.RawMessage `json:"position"`
	Style       json.RawMessage `json:"style"`
	WorkspaceID string          `json:"workspaceId"`
	IsPrivate   bool            `json:"isPrivate"`
}

// UpdateAnnotationInput is a partial patch. Nil fields are left unchanged.
type UpdateAnnotationInput struct {
	Content    *string         `json:"content"`
	Position   json.RawMessage `json:"position"`
	Style      json.RawMessage `json:"style"`
	IsPrivate  *bool           `json:"isPrivate"`
	IsResolved *bool           `json:"isResolved"`
}

type ReplyInput struct {
	Content string `json:"content"`
}

type CreateMentionInput struct {
	AnnotationID string `json:"annotationId"`
	ReplyID      string `json:"replyId"`
	UserID       string `json:"userId"`
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertAnnotation(context.Context, store.Annotation) (store.Annotation, error)
	GetAnnotation(context.Context, string) (store.Annotation, error)
	ListAnnotations(context.Context, string, string, string, string) ([]store.Annotation, error)
	UpdateAnnotation(context.Context, store.Annotation) (store.Annotation, error)
	DeleteAnnotation(context.Context, string) error
	InsertReply(context.Context, store.Reply) (store.Reply, error)
	GetReply(context.Context, string) (store.Reply, error)
	ListReplies(context.Context, string) ([]store.Reply, error)
	UpdateReply(context.Context, store.Reply) (store.Reply, error)
	DeleteReply(context.Context, string) error
	InsertMention(context.Context, store.Mention) (store.Mention, error)
	ListUserMentions(context.Context, string) ([]store.UserMention, error)
	Ping(ctx context.Context) error
}

type eventPublisher interface {
	Publish(event bus.Event)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	events eventPublisher
	search *search.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, events *bus.Bus, searchSvc *search.Service) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		events: events,
		search: searchSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, name, workspace string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:       user.ID,
		Name:      user.DisplayName,
		Workspace: strings.TrimSpace(workspace),
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Workspace: strings.TrimSpace(workspace),
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Workspace: claims.Workspace,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) CreateAnnotation(ctx context.Context, input CreateAnnotationInput, userID string) (map[string]any, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, validationError("content is required")
	}
	if strings.TrimSpace(input.TargetType) == "" {
		return nil, validationError("targetType is required")
	}
	if strings.TrimSpace(input.TargetID) == "" {
		return nil, validationError("targetId is required")
	}

	created, err := s.store.InsertAnnotation(ctx, store.Annotation{
		ID:          util.NewID("ann"),
		Content:     input.Content,
		TargetType:  strings.TrimSpace(input.TargetType),
		TargetID:    strings.TrimSpace(input.TargetID),
		Position:    input.Position,
		Style:       input.Style,
		WorkspaceID: strings.TrimSpace(input.WorkspaceID),
		CreatorID:   userID,
		IsPrivate:   input.IsPrivate,
	})
	if err != nil {
		return nil, err
	}

	payload := annotationPayload(created)
	s.publish(bus.AnnotationCreated, payload)
	s.indexAnnotation(created)
	return payload, nil
}

func (s *Service) GetAnnotations(ctx context.Context, targetType, targetID, workspaceID, userID string) ([]map[string]any, error) {
	if strings.TrimSpace(targetType) == "" {
		return nil, validationError("targetType is required")
	}
	if strings.TrimSpace(targetID) == "" {
		return nil, validationError("targetId is required")
	}

	annotations, err := s.store.ListAnnotations(ctx, targetType, targetID, userID, workspaceID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(annotations))
	for _, item := range annotations {
		items = append(items, annotationPayload(item))
	}
	return items, nil
}

func (s *Service) GetAnnotation(ctx context.Context, id, userID string) (map[string]any, error) {
	item, err := s.visibleAnnotation(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return annotationPayload(item), nil
}

// visibleAnnotation loads an annotation and applies the visibility rule.
// A private annotation owned by someone else reads exactly like a missing
// row, so callers cannot probe for existence.
func (s *Service) visibleAnnotation(ctx context.Context, id, userID string) (store.Annotation, error) {
	item, err := s.store.GetAnnotation(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Annotation{}, notFound("annotation not found")
	}
	if err != nil {
		return store.Annotation{}, err
	}
	if item.IsPrivate && item.CreatorID != userID {
		return store.Annotation{}, notFound("annotation not found")
	}
	return item, nil
}

func (s *Service) UpdateAnnotation(ctx context.Context, id string, patch UpdateAnnotationInput, userID string) (map[string]any, error) {
	item, err := s.store.GetAnnotation(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("annotation not found")
	}
	if err != nil {
		return nil, err
	}
	if item.CreatorID != userID {
		return nil, forbidden("only the creator can modify an annotation")
	}

	if patch.Content != nil {
		if strings.TrimSpace(*patch.Content) == "" {
			return nil, validationError("content must not be empty")
		}
		item.Content = *patch.Content
	}
	if len(patch.Position) > 0 {
		item.Position = patch.Position
	}
	if len(patch.Style) > 0 {
		item.Style = patch.Style
	}
	if patch.IsPrivate != nil {
		item.IsPrivate = *patch.IsPrivate
	}
	if patch.IsResolved != nil {
		item.IsResolved = *patch.IsResolved
	}

	updated, err := s.store.UpdateAnnotation(ctx, item)
	if err != nil {
		return nil, err
	}

	payload := annotationPayload(updated)
	s.publish(bus.AnnotationUpdated, payload)
	if updated.IsPrivate {
		s.dropAnnotationFromIndex(updated.ID)
	} else {
		s.indexAnnotation(updated)
	}
	return payload, nil
}

func (s *Service) DeleteAnnotation(ctx context.Context, id, userID string) error {
	item, err := s.store.GetAnnotation(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("annotation not found")
	}
	if err != nil {
		return err
	}
	if item.CreatorID != userID {
		return forbidden("only the creator can delete an annotation")
	}

	// Event context and child reply ids must be captured before the
	// delete cascades.
	eventData := map[string]any{
		"id":          item.ID,
		"targetType":  item.TargetType,
		"targetId":    item.TargetID,
		"workspaceId": item.WorkspaceID,
	}
	replies, err := s.store.ListReplies(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.DeleteAnnotation(ctx, id); err != nil {
		return err
	}

	s.publish(bus.AnnotationDeleted, eventData)
	s.dropAnnotationFromIndex(id)
	for _, reply := range replies {
		s.dropReplyFromIndex(reply.ID)
	}
	return nil
}

func (s *Service) AddReply(ctx context.Context, annotationID string, input ReplyInput, userID string) (map[string]any, error) {
	parent, err := s.visibleAnnotation(ctx, annotationID, userID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, validationError("content is required")
	}

	created, err := s.store.InsertReply(ctx, store.Reply{
		ID:           util.NewID("rep"),
		AnnotationID: parent.ID,
		Content:      input.Content,
		UserID:       userID,
	})
	if err != nil {
		return nil, err
	}

	payload := replyPayload(created)
	s.publish(bus.ReplyCreated, withAnnotationContext(payload, parent))
	s.indexReply(created, parent)
	return payload, nil
}

// GetAnnotationReplies applies the parent visibility rule before listing.
// A private annotation owned by someone else answers exactly like a missing
// one, matching GetAnnotation.
func (s *Service) GetAnnotationReplies(ctx context.Context, annotationID, userID string) ([]map[string]any, error) {
	if _, err := s.visibleAnnotation(ctx, annotationID, userID); err != nil {
		return nil, err
	}
	return s.GetReplies(ctx, annotationID)
}

// GetReplies lists without checking the parent. Callers are responsible for
// having already authorized access to the annotation.
func (s *Service) GetReplies(ctx context.Context, annotationID string) ([]map[string]any, error) {
	replies, err := s.store.ListReplies(ctx, annotationID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(replies))
	for _, reply := range replies {
		items = append(items, replyPayload(reply))
	}
	return items, nil
}

func (s *Service) UpdateReply(ctx context.Context, id string, input ReplyInput, userID string) (map[string]any, error) {
	reply, err := s.store.GetReply(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("reply not found")
	}
	if err != nil {
		return nil, err
	}
	if reply.UserID != userID {
		return nil, forbidden("only the author can modify a reply")
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, validationError("content must not be empty")
	}

	reply.Content = input.Content
	updated, err := s.store.UpdateReply(ctx, reply)
	if err != nil {
		return nil, err
	}

	payload := replyPayload(updated)
	parent, err := s.store.GetAnnotation(ctx, updated.AnnotationID)
	if err == nil {
		s.publish(bus.ReplyUpdated, withAnnotationContext(payload, parent))
		s.indexReply(updated, parent)
	} else {
		s.publish(bus.ReplyUpdated, payload)
	}
	return payload, nil
}

func (s *Service) DeleteReply(ctx context.Context, id, userID string) error {
	reply, err := s.store.GetReply(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("reply not found")
	}
	if err != nil {
		return err
	}
	if reply.UserID != userID {
		return forbidden("only the author can delete a reply")
	}

	eventData := map[string]any{
		"id":           reply.ID,
		"annotationId": reply.AnnotationID,
	}
	if parent, err := s.store.GetAnnotation(ctx, reply.AnnotationID); err == nil {
		eventData["targetType"] = parent.TargetType
		eventData["targetId"] = parent.TargetID
		eventData["workspaceId"] = parent.WorkspaceID
	}

	if err := s.store.DeleteReply(ctx, id); err != nil {
		return err
	}

	s.publish(bus.ReplyDeleted, eventData)
	s.dropReplyFromIndex(id)
	return nil
}

func (s *Service) AddMention(ctx context.Context, input CreateMentionInput, userID string) (map[string]any, error) {
	annotationID := strings.TrimSpace(input.AnnotationID)
	replyID := strings.TrimSpace(input.ReplyID)
	if (annotationID == "") == (replyID == "") {
		return nil, validationError("exactly one of annotationId or replyId is required")
	}
	mentionedUser := strings.TrimSpace(input.UserID)
	if mentionedUser == "" {
		return nil, validationError("userId is required")
	}

	item := store.Mention{
		ID:     util.NewID("men"),
		UserID: mentionedUser,
	}
	if annotationID != "" {
		item.AnnotationID = &annotationID
	} else {
		item.ReplyID = &replyID
	}

	created, err := s.store.InsertMention(ctx, item)
	if isForeignKeyViolation(err) {
		if annotationID != "" {
			return nil, notFound("annotation not found")
		}
		return nil, notFound("reply not found")
	}
	if err != nil {
		return nil, err
	}

	payload := mentionPayload(created)

	// A mention whose parent chain cannot be resolved (for example the
	// annotation was deleted concurrently) is stored but not broadcast.
	if parent, ok := s.mentionAnnotation(ctx, created); ok {
		s.publish(bus.MentionCreated, withAnnotationContext(payload, parent))
	}
	return payload, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (s *Service) mentionAnnotation(ctx context.Context, item store.Mention) (store.Annotation, bool) {
	annotationID := ""
	if item.AnnotationID != nil {
		annotationID = *item.AnnotationID
	} else if item.ReplyID != nil {
		reply, err := s.store.GetReply(ctx, *item.ReplyID)
		if err != nil {
			return store.Annotation{}, false
		}
		annotationID = reply.AnnotationID
	}
	parent, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return store.Annotation{}, false
	}
	return parent, true
}

func (s *Service) GetUserMentions(ctx context.Context, userID string) ([]map[string]any, error) {
	mentions, err := s.store.ListUserMentions(ctx, userID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(mentions))
	for _, item := range mentions {
		payload := mentionPayload(item.Mention)
		if item.Annotation != nil {
			payload["annotation"] = annotationPayload(*item.Annotation)
		}
		if item.Reply != nil {
			payload["reply"] = replyPayload(*item.Reply)
		}
		items = append(items, payload)
	}
	return items, nil
}

func (s *Service) Search(ctx context.Context, q, targetType, targetID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(search.Query{
		Text:             q,
		FilterTargetType: targetType,
		FilterTargetID:   targetID,
		Limit:            limit,
		Offset:           offset,
	}), nil
}

// publish is best effort. The persisted write already succeeded, so a
// broadcast problem never surfaces to the caller.
func (s *Service) publish(eventType string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.Event{Type: eventType, Data: data})
}

func (s *Service) indexAnnotation(item store.Annotation) {
	if s.search == nil || item.IsPrivate {
		return
	}
	s.search.IndexAnnotation(search.AnnotationRecord{
		ID:          item.ID,
		Content:     item.Content,
		TargetType:  item.TargetType,
		TargetID:    item.TargetID,
		WorkspaceID: item.WorkspaceID,
		CreatorID:   item.CreatorID,
	})
}

func (s *Service) indexReply(reply store.Reply, parent store.Annotation) {
	if s.search == nil || parent.IsPrivate {
		return
	}
	s.search.IndexReply(search.ReplyRecord{
		ID:           reply.ID,
		Content:      reply.Content,
		AnnotationID: reply.AnnotationID,
		TargetType:   parent.TargetType,
		TargetID:     parent.TargetID,
		WorkspaceID:  parent.WorkspaceID,
		UserID:       reply.UserID,
	})
}

func (s *Service) dropAnnotationFromIndex(id string) {
	if s.search == nil {
		return
	}
	s.search.DeleteAnnotation(id)
}

func (s *Service) dropReplyFromIndex(id string) {
	if s.search == nil {
		return
	}
	s.search.DeleteReply(id)
}

func annotationPayload(item store.Annotation) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"content":     item.Content,
		"targetType":  item.TargetType,
		"targetId":    item.TargetID,
		"position":    rawOrEmpty(item.Position),
		"style":       rawOrEmpty(item.Style),
		"workspaceId": item.WorkspaceID,
		"creatorId":   item.CreatorID,
		"isPrivate":   item.IsPrivate,
		"isResolved":  item.IsResolved,
		"createdAt":   item.CreatedAt,
		"updatedAt":   item.UpdatedAt,
	}
}

func replyPayload(item store.Reply) map[string]any {
	return map[string]any{
		"id":           item.ID,
		"annotationId": item.AnnotationID,
		"content":      item.Content,
		"userId":       item.UserID,
		"createdAt":    item.CreatedAt,
		"updatedAt":    item.UpdatedAt,
	}
}

func mentionPayload(item store.Mention) map[string]any {
	payload := map[string]any{
		"id":        item.ID,
		"userId":    item.UserID,
		"createdAt": item.CreatedAt,
	}
	if item.AnnotationID != nil {
		payload["annotationId"] = *item.AnnotationID
	}
	if item.ReplyID != nil {
		payload["replyId"] = *item.ReplyID
	}
	return payload
}

// withAnnotationContext copies an event payload and stamps the owning
// annotation's routing attributes onto it. The broadcast router keys its
// filter on workspaceId first, then on the target pair.
func withAnnotationContext(payload map[string]any, parent store.Annotation) map[string]any {
	data := make(map[string]any, len(payload)+3)
	for key, value := range payload {
		data[key] = value
	}
	data["targetType"] = parent.TargetType
	data["targetId"] = parent.TargetID
	data["workspaceId"] = parent.WorkspaceID
	return data
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
