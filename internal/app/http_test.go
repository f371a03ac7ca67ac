package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/bus"
	"marginalia/api/internal/store"
)

type fakeLimiter struct {
	allow bool
	calls int
}

func (f *fakeLimiter) Allow(context.Context, string) bool {
	f.calls++
	return f.allow
}

func issueTestToken(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(svc.cfg.TokenSecret), auth.Claims{
		Sub:  userID,
		Name: "Avery",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func authedRequest(t *testing.T, svc *Service, method, path string, body io.Reader) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, svc, "usr_1"))
	return req
}

func TestSessionLoginReturnsContract(t *testing.T) {
	var ensuredName string
	fs := &fakeStore{
		ensureUserByNameFn: func(_ context.Context, userName string) (store.User, error) {
			ensuredName = userName
			return store.User{ID: "usr_1", DisplayName: userName}, nil
		},
	}
	svc := newTestService(fs, &fakeBus{})
	svc.cfg.AccessTTL = time.Hour
	server := NewHTTPServer(svc, nil, nil, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewBufferString(`{"name":"  Avery  ","workspace":"ws_9"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["token"] == "" || payload["token"] == nil {
		t.Fatalf("expected token, got %v", payload["token"])
	}
	if payload["workspace"] != "ws_9" {
		t.Fatalf("expected workspace ws_9, got %v", payload["workspace"])
	}
	if ensuredName != "Avery" {
		t.Fatalf("expected EnsureUserByName to receive trimmed name Avery, got %q", ensuredName)
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeBus{}), nil, nil, "*")
	req := httptest.NewRequest(http.MethodGet, "/api/annotations?targetType=policy&targetId=42", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeBus{})
	server := NewHTTPServer(svc, nil, nil, "*")

	token, err := auth.IssueToken([]byte(svc.cfg.TokenSecret), auth.Claims{
		Sub:  "usr_1",
		Name: "Avery",
		Exp:  time.Now().Add(-1 * time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/annotations?targetType=policy&targetId=42", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

func assertUnauthorizedCode(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %v", payload["code"])
	}
}

func TestCreateAnnotationReturnsCreatedAndPublishes(t *testing.T) {
	fb := &fakeBus{}
	svc := newTestService(&fakeStore{}, fb)
	server := NewHTTPServer(svc, nil, nil, "*")

	body := `{"content":"check this","targetType":"policy","targetId":"42","isPrivate":false}`
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authedRequest(t, svc, http.MethodPost, "/api/annotations", bytes.NewBufferString(body)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["creatorId"] != "usr_1" {
		t.Fatalf("expected creatorId usr_1, got %v", payload["creatorId"])
	}
	if payload["isResolved"] != false {
		t.Fatalf("expected isResolved false, got %v", payload["isResolved"])
	}
	if len(fb.events) != 1 || fb.events[0].Type != bus.AnnotationCreated {
		t.Fatalf("expected %s event, got %+v", bus.AnnotationCreated, fb.events)
	}
}

func TestUpdateAnnotationByNonOwnerReturnsForbidden(t *testing.T) {
	fs := &fakeStore{
		getAnnotationFn: func(context.Context, string) (store.Annotation, error) {
			return store.Annotation{ID: "ann_1", Content: "original", CreatorID: "usr_2"}, nil
		},
	}
	svc := newTestService(fs, &fakeBus{})
	server := NewHTTPServer(svc, nil, nil, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authedRequest(t, svc, http.MethodPut, "/api/annotations/ann_1", bytes.NewBufferString(`{"content":"hijacked"}`)))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected code FORBIDDEN, got %v", payload["code"])
	}
}

func TestDeleteAnnotationReturnsNoContent(t *testing.T) {
	fs := &fakeStore{
		getAnnotationFn: func(context.Context, string) (store.Annotation, error) {
			return store.Annotation{ID: "ann_1", TargetType: "policy", TargetID: "42", CreatorID: "usr_1"}, nil
		},
	}
	svc := newTestService(fs, &fakeBus{})
	server := NewHTTPServer(svc, nil, nil, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authedRequest(t, svc, http.MethodDelete, "/api/annotations/ann_1", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %s", rr.Body.String())
	}
}

func TestPrivateAnnotationReadByOtherUserReturnsNotFound(t *testing.T) {
	fs := &fakeStore{
		getAnnotationFn: func(context.Context, string) (store.Annotation, error) {
			return store.Annotation{ID: "ann_1", CreatorID: "usr_2", IsPrivate: true}, nil
		},
	}
	svc := newTestService(fs, &fakeBus{})
	server := NewHTTPServer(svc, nil, nil, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authedRequest(t, svc, http.MethodGet, "/api/annotations/ann_1", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestPrivateAnnotationRepliesReadByOtherUserReturnsNotFound(t *testing.T) {
	fs := &fakeStore{
		getAnnotationFn: func(context.Context, string) (store.Annotation, error) {
			return store.Annotation{ID: "ann_1", CreatorID: "usr_2", IsPrivate: true}, nil
		},
		listRepliesFn: func(context.Context, string) ([]store.Reply, error) {
			return []store.Reply{{ID: "rep_1", AnnotationID: "ann_1", Content: "secret reply", UserID: "usr_2"}}, nil
		},
	}
	svc := newTestService(fs, &fakeBus{})
	server := NewHTTPServer(svc, nil, nil, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authedRequest(t, svc, http.MethodGet, "/api/annotations/ann_1/replies", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("secret reply")) {
		t.Fatalf("reply content leaked through an invisible parent: %s", rr.Body.String())
	}
}

func TestMutationIsRateLimited(t *testing.T) {
	limiter := &fakeLimiter{allow: false}
	svc := newTestService(&fakeStore{}, &fakeBus{})
	server := NewHTTPServer(svc, nil, limiter, "*")

	body := `{"content":"check this","targetType":"policy","targetId":"42"}`
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authedRequest(t, svc, http.MethodPost, "/api/annotations", bytes.NewBufferString(body)))

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d body=%s", rr.Code, rr.Body.String())
	}
	if limiter.calls != 1 {
		t.Fatalf("expected 1 limiter call, got %d", limiter.calls)
	}
}

func TestReadIsNotRateLimited(t *testing.T) {
	limiter := &fakeLimiter{allow: false}
	svc := newTestService(&fakeStore{}, &fakeBus{})
	server := NewHTTPServer(svc, nil, limiter, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authedRequest(t, svc, http.MethodGet, "/api/annotations?targetType=policy&targetId=42", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if limiter.calls != 0 {
		t.Fatalf("expected limiter to be skipped for reads, got %d calls", limiter.calls)
	}
}

func TestListRepliesReturnsEnvelope(t *testing.T) {
	fs := &fakeStore{
		getAnnotationFn: func(context.Context, string) (store.Annotation, error) {
			return store.Annotation{ID: "ann_1", CreatorID: "usr_1"}, nil
		},
		listRepliesFn: func(_ context.Context, annotationID string) ([]store.Reply, error) {
			return []store.Reply{
				{ID: "rep_1", AnnotationID: annotationID, Content: "agreed", UserID: "usr_2"},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeBus{})
	server := NewHTTPServer(svc, nil, nil, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authedRequest(t, svc, http.MethodGet, "/api/annotations/ann_1/replies", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Replies []map[string]any `json:"replies"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(payload.Replies) != 1 || payload.Replies[0]["content"] != "agreed" {
		t.Fatalf("unexpected replies payload: %s", rr.Body.String())
	}
}
