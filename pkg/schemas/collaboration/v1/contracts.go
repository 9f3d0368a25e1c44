package collaboration

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// PlaceholderWorkflowID marks "no real workflow open". No coordination
// message is ever sent or accepted for it.
const PlaceholderWorkflowID = "__EMPTY__"

const (
	Exchange = "collab.events"

	WorkflowOpened       = "workflowOpened"
	WorkflowClosed       = "workflowClosed"
	WriteAccessAcquired  = "writeAccessAcquired"
	WriteAccessReleased  = "writeAccessReleased"
	CollaboratorsChanged = "collaboratorsChanged"
)

// EventTypes lists every message type carried on the channel.
func EventTypes() []string {
	return []string{WorkflowOpened, WorkflowClosed, WriteAccessAcquired, WriteAccessReleased, CollaboratorsChanged}
}

// IsPlaceholder reports whether id names no real workflow.
func IsPlaceholder(id string) bool {
	return id == "" || id == PlaceholderWorkflowID
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type Collaborator struct {
	User User `json:"user"`
	// LastSeen is filled by the presence tracker; clients ignore it.
	LastSeen string `json:"lastSeen,omitempty"`
}

// Workflow ids are opaque. Inside a topic key the characters AMQP gives
// meaning to are percent-escaped, and so is '%' itself.
var keyEscaper = strings.NewReplacer("%", "%25", ".", "%2E", "*", "%2A", "#", "%23", " ", "%20")

// EscapeKeySegment makes id safe as one routing key word.
func EscapeKeySegment(id string) string { return keyEscaper.Replace(id) }

// RoutingKey is the topic key for a workflow-scoped event:
// workflow.<workflowId>.<eventType>, with the id escaped.
func RoutingKey(workflowID, eventType string) string {
	return fmt.Sprintf("workflow.%s.%s", EscapeKeySegment(workflowID), eventType)
}

// AnyWorkflowKey matches eventType for every workflow.
func AnyWorkflowKey(eventType string) string {
	return "workflow.*." + eventType
}

// BindingKey matches every event of one workflow, or of all workflows
// when workflowID is empty.
func BindingKey(workflowID string) string {
	if workflowID == "" {
		return "workflow.#"
	}
	return "workflow." + EscapeKeySegment(workflowID) + ".*"
}

// MetaFor builds the routing contract of one event.
func MetaFor(workflowID, eventType string) common.EventMeta {
	return common.EventMeta{
		EventType:  eventType,
		Exchange:   Exchange,
		RoutingKey: RoutingKey(workflowID, eventType),
	}
}

// ParseRoutingKey splits workflow.<id>.<type> and unescapes the id. The
// type must be one of EventTypes.
func ParseRoutingKey(key string) (workflowID, eventType string, err error) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "workflow" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("malformed routing key %q", key)
	}
	if !slices.Contains(EventTypes(), parts[2]) {
		return "", "", fmt.Errorf("routing key %q: unknown event type", key)
	}
	workflowID, err = url.PathUnescape(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("malformed routing key %q: %w", key, err)
	}
	return workflowID, parts[2], nil
}

// Scoped is implemented by every payload; transports use it to route.
type Scoped interface {
	Workflow() string
}

// WorkflowOf returns the workflow id carried by a payload value or pointer.
func WorkflowOf(data any) (string, bool) {
	if s, ok := data.(Scoped); ok {
		return s.Workflow(), true
	}
	return "", false
}
