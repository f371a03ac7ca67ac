package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultAnnotation ResultType = "annotation"
	ResultReply      ResultType = "reply"
)

// Result is a single search hit returned to the caller. Only public
// annotations (and their replies) are ever indexed, so results need no
// per-viewer filtering.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	Snippet      string     `json:"snippet"`
	AnnotationID string     `json:"annotationId"`
	TargetType   string     `json:"targetType"`
	TargetID     string     `json:"targetId"`
	WorkspaceID  string     `json:"workspaceId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterTargetType string
	FilterTargetID   string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexAnnotation(rec AnnotationRecord) error
	IndexReply(rec ReplyRecord) error
	DeleteAnnotation(id string) error
	DeleteReply(id string) error
}

// AnnotationRecord is the data indexed for a public annotation.
type AnnotationRecord struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	TargetType  string `json:"targetType"`
	TargetID    string `json:"targetId"`
	WorkspaceID string `json:"workspaceId"`
	CreatorID   string `json:"creatorId"`
}

// ReplyRecord is the data indexed for a reply whose parent annotation is
// public.
type ReplyRecord struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	AnnotationID string `json:"annotationId"`
	TargetType   string `json:"targetType"`
	TargetID     string `json:"targetId"`
	WorkspaceID  string `json:"workspaceId"`
	UserID       string `json:"userId"`
}
