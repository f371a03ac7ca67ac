package realtime

import (
	"encoding/json"
	"testing"

	"marginalia/api/internal/bus"
)

// testClient builds a registry entry without a real socket; dispatch only
// touches the send queue.
func testClient(h *Hub, identity Identity) *Client {
	c := newClient(nil, identity, 8)
	h.Register(c)
	return c
}

func receivedTypes(c *Client) []string {
	var types []string
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return types
			}
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				types = append(types, "unparseable")
				continue
			}
			types = append(types, env.Type)
		default:
			return types
		}
	}
}

func TestTargetScopedEventReachesOnlyViewers(t *testing.T) {
	h := NewHub(8)
	viewer := testClient(h, Identity{Authenticated: true, UserID: "u1"})
	viewer.watch(Target{Type: "policy", ID: "42"})
	otherViewer := testClient(h, Identity{Authenticated: true, UserID: "u2"})
	otherViewer.watch(Target{Type: "policy", ID: "7"})

	h.HandleEvent(bus.Event{
		Type: bus.AnnotationCreated,
		Data: map[string]any{"targetType": "policy", "targetId": "42"},
	})

	if got := receivedTypes(viewer); len(got) != 1 || got[0] != bus.AnnotationCreated {
		t.Fatalf("viewer of (policy,42) got %v", got)
	}
	if got := receivedTypes(otherViewer); len(got) != 0 {
		t.Fatalf("viewer of (policy,7) got %v", got)
	}
}

func TestWorkspaceScopeBeatsTargetScope(t *testing.T) {
	h := NewHub(8)
	workspaceMember := testClient(h, Identity{Authenticated: true, UserID: "u1", WorkspaceID: "ws-1"})
	targetViewer := testClient(h, Identity{Authenticated: true, UserID: "u2"})
	targetViewer.watch(Target{Type: "policy", ID: "42"})

	// Carries both scopes: workspace filtering must win, so the target
	// viewer outside the workspace receives nothing.
	h.HandleEvent(bus.Event{
		Type: bus.AnnotationUpdated,
		Data: map[string]any{"workspaceId": "ws-1", "targetType": "policy", "targetId": "42"},
	})

	if got := receivedTypes(workspaceMember); len(got) != 1 {
		t.Fatalf("workspace member got %v", got)
	}
	if got := receivedTypes(targetViewer); len(got) != 0 {
		t.Fatalf("target viewer outside workspace got %v", got)
	}
}

func TestUnscopedEventFallsBackToAllAuthenticated(t *testing.T) {
	h := NewHub(8)
	authenticated := testClient(h, Identity{Authenticated: true, UserID: "u1"})
	anonymous := testClient(h, Identity{Authenticated: false})

	h.HandleEvent(bus.Event{Type: bus.MentionCreated, Data: map[string]any{"id": "men-1"}})

	if got := receivedTypes(authenticated); len(got) != 1 {
		t.Fatalf("authenticated client got %v", got)
	}
	if got := receivedTypes(anonymous); len(got) != 0 {
		t.Fatalf("anonymous client got %v", got)
	}
}

func TestUnwatchStopsDelivery(t *testing.T) {
	h := NewHub(8)
	c := testClient(h, Identity{Authenticated: true, UserID: "u1"})
	target := Target{Type: "policy", ID: "42"}
	c.watch(target)
	c.unwatch(target)

	h.HandleEvent(bus.Event{
		Type: bus.AnnotationCreated,
		Data: map[string]any{"targetType": "policy", "targetId": "42"},
	})

	if got := receivedTypes(c); len(got) != 0 {
		t.Fatalf("unwatched client got %v", got)
	}
}

func TestSlowClientIsDroppedWithoutBlockingOthers(t *testing.T) {
	h := NewHub(1)
	slow := newClient(nil, Identity{Authenticated: true, UserID: "slow"}, 1)
	h.Register(slow)
	healthy := testClient(h, Identity{Authenticated: true, UserID: "fast"})

	// Fill the slow client's one-slot queue, then dispatch twice more.
	for i := 0; i < 3; i++ {
		h.HandleEvent(bus.Event{Type: bus.ReplyCreated, Data: map[string]any{}})
	}

	if h.ClientCount() != 1 {
		t.Fatalf("expected slow client to be unregistered, registry has %d", h.ClientCount())
	}
	if got := receivedTypes(healthy); len(got) != 3 {
		t.Fatalf("healthy client got %d messages, want 3", len(got))
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := NewHub(8)
	c := testClient(h, Identity{Authenticated: true, UserID: "u1"})
	h.Unregister(c)
	h.Unregister(c)
	if h.ClientCount() != 0 {
		t.Fatalf("registry has %d clients after unregister", h.ClientCount())
	}
}

func TestEnvelopeCarriesTimestampAndData(t *testing.T) {
	h := NewHub(8)
	c := testClient(h, Identity{Authenticated: true, UserID: "u1"})

	h.HandleEvent(bus.Event{Type: bus.AnnotationDeleted, Data: map[string]any{"id": "ann-1"}})

	raw := <-c.send
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != bus.AnnotationDeleted || env.Timestamp == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Data["id"] != "ann-1" {
		t.Fatalf("unexpected envelope data: %v", env.Data)
	}
}
