package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Annotation struct {
	ID          string
	Content     string
	TargetType  string
	TargetID    string
	Position    json.RawMessage
	Style       json.RawMessage
	WorkspaceID string
	CreatorID   string
	IsPrivate   bool
	IsResolved  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Reply struct {
	ID           string
	AnnotationID string
	Content      string
	UserID       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Mention references exactly one parent: AnnotationID xor ReplyID.
type Mention struct {
	ID           string
	AnnotationID *string
	ReplyID      *string
	UserID       string
	CreatedAt    time.Time
}

// UserMention is a mention joined with its parent for display context.
// Annotation is always the owning annotation (directly, or via the reply's
// parent); Reply is set only for reply mentions.
type UserMention struct {
	Mention
	Annotation *Annotation
	Reply      *Reply
}
