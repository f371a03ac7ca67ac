package realtime

// Target is the (type, id) pair addressing the resource a client is viewing.
type Target struct {
	Type string
	ID   string
}

type selectorKind int

const (
	// selAllAuthenticated is the deliberate fallback for events carrying
	// neither workspace nor target context: every authenticated connection
	// receives them.
	selAllAuthenticated selectorKind = iota
	selWorkspace
	selTarget
)

// selector is the routing decision for one event. Workspace scope wins over
// target scope: a workspace-tagged event reaches all of that workspace's
// connections regardless of which resource they have open.
type selector struct {
	kind        selectorKind
	workspaceID string
	target      Target
}

func selectorFor(data map[string]any) selector {
	if workspaceID, ok := stringField(data, "workspaceId"); ok {
		return selector{kind: selWorkspace, workspaceID: workspaceID}
	}
	targetType, hasType := stringField(data, "targetType")
	targetID, hasID := stringField(data, "targetId")
	if hasType && hasID {
		return selector{kind: selTarget, target: Target{Type: targetType, ID: targetID}}
	}
	return selector{kind: selAllAuthenticated}
}

func (s selector) matches(c *Client) bool {
	switch s.kind {
	case selWorkspace:
		return c.workspaceID == s.workspaceID
	case selTarget:
		return c.watching(s.target)
	default:
		return c.authenticated
	}
}

func stringField(data map[string]any, key string) (string, bool) {
	value, ok := data[key].(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
