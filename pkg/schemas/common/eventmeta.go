package common

type EventMeta struct {
	EventType  string // e.g. "writeAccessAcquired"
	Exchange   string // e.g. "collab.events"
	RoutingKey string // e.g. "workflow.<id>.writeAccessAcquired"
}
